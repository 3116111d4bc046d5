// Package audit keeps the operator journal: a hash-chained JSONL log of
// administrative actions that change stored ledger data without touching
// the ledger chain, such as enrichment.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parkaudit/parkaudit/pkg/canonical"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/model"
)

// EventType names a journaled operator action.
type EventType string

const (
	EventLedgerInit    EventType = "ledger.init"
	EventEntryEnriched EventType = "entry.enriched"
)

// Record is one journal line.
type Record struct {
	Seq        int64           `json:"seq"`
	Timestamp  time.Time       `json:"timestamp"`
	Event      EventType       `json:"event"`
	LotID      string          `json:"lotId,omitempty"`
	EntryID    string          `json:"entryId,omitempty"`
	Details    map[string]any  `json:"details,omitempty"`
	PrevHash   model.HashValue `json:"prevHash"`
	RecordHash model.HashValue `json:"recordHash"`
}

// Journal appends records to a JSONL file. Appends hold an in-process mutex
// and an exclusive flock on the file.
type Journal struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewJournal creates a journal at path. The file is created on first append.
func NewJournal(path string) *Journal {
	return &Journal{path: path, now: time.Now}
}

// Path returns the journal file.
func (j *Journal) Path() string { return j.path }

// Append adds a record linked to the current last record.
func (j *Journal) Append(event EventType, lotID, entryID string, details map[string]any) error {
	if len(details) == 0 {
		details = nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return fmt.Errorf("flock journal: %w", err)
	}
	defer unlockFile(file)

	records, err := readRecords(file)
	if err != nil {
		return err
	}
	rec := &Record{
		Seq:       1,
		Timestamp: j.now().UTC().Truncate(time.Millisecond),
		Event:     event,
		LotID:     lotID,
		EntryID:   entryID,
		Details:   details,
		PrevHash:  model.GenesisHash,
	}
	if n := len(records); n > 0 {
		rec.Seq = records[n-1].Seq + 1
		rec.PrevHash = records[n-1].RecordHash
	}
	if rec.RecordHash, err = recordHash(rec); err != nil {
		return err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Records returns every record in file order. A missing journal is empty.
func (j *Journal) Records() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()
	return readRecords(file)
}

// Verify recomputes every record hash and link. It returns the number of
// records checked, and errclass.ErrAuditChainBroken naming the first bad
// record.
func (j *Journal) Verify() (int, error) {
	records, err := j.Records()
	if err != nil {
		return 0, err
	}
	prev := model.GenesisHash
	for i := range records {
		rec := &records[i]
		if rec.PrevHash != prev {
			return i, errclass.ErrAuditChainBroken.WithMessagef(
				"journal record %d links to %s, expected %s", rec.Seq, rec.PrevHash.Short(), prev.Short())
		}
		want, err := recordHash(rec)
		if err != nil {
			return i, err
		}
		if rec.RecordHash != want {
			return i, errclass.ErrAuditChainBroken.WithMessagef(
				"journal record %d hash mismatch: stored %s, computed %s", rec.Seq, rec.RecordHash.Short(), want.Short())
		}
		prev = rec.RecordHash
	}
	return len(records), nil
}

func readRecords(r io.ReadSeeker) ([]Record, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek journal: %w", err)
	}
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, errclass.ErrAuditChainBroken.WithMessagef("journal line %d: %v", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return records, nil
}

// recordHash is SHA-256 over the canonical JSON of every field except
// RecordHash.
func recordHash(rec *Record) (model.HashValue, error) {
	payload := map[string]any{
		"seq":       rec.Seq,
		"timestamp": canonical.FormatTime(rec.Timestamp),
		"event":     rec.Event,
		"lotId":     rec.LotID,
		"entryId":   rec.EntryID,
		"details":   rec.Details,
		"prevHash":  rec.PrevHash,
	}
	data, err := canonical.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(sum[:])), nil
}
