package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/parkaudit/parkaudit/pkg/fsutil"
	"github.com/parkaudit/parkaudit/pkg/model"
)

const (
	lotsDir   = "lots"
	lotExt    = ".jsonl"
	lockName  = "LOCK"
	seqName   = "SEQ"
	maxLineSz = 1 << 20
)

// FileStore keeps one JSONL file per lot. A directory-wide flock serializes
// writers across processes; readers take it shared.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// OpenFile opens (creating if needed) a file store rooted at dir.
func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, lotsDir), 0755); err != nil {
		return nil, unavailable("create store dir", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) lotPath(lotID string) string {
	return filepath.Join(s.dir, lotsDir, LotFileName(lotID))
}

// LotFileName returns the file holding lotID's chain relative to the lots
// directory. Upper-case letters are written as '!' plus the lower-case
// letter so IDs differing only in case stay apart on case-insensitive
// filesystems; '!' never occurs in a valid lot ID.
func LotFileName(lotID string) string {
	var b strings.Builder
	for _, r := range lotID {
		if 'A' <= r && r <= 'Z' {
			b.WriteByte('!')
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String() + lotExt
}

// lotFromFileName reverses LotFileName. ok is false for names it never produces.
func lotFromFileName(name string) (string, bool) {
	base, found := strings.CutSuffix(name, lotExt)
	if !found || base == "" {
		return "", false
	}
	var b strings.Builder
	escaped := false
	for _, r := range base {
		switch {
		case escaped:
			if r < 'a' || r > 'z' {
				return "", false
			}
			b.WriteRune(r - ('a' - 'A'))
			escaped = false
		case r == '!':
			escaped = true
		case 'A' <= r && r <= 'Z':
			return "", false
		default:
			b.WriteRune(r)
		}
	}
	if escaped {
		return "", false
	}
	return b.String(), true
}

// withLock runs fn holding the in-process lock and the directory flock.
func (s *FileStore) withLock(exclusive bool, fn func() error) error {
	if exclusive {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}

	f, err := os.OpenFile(filepath.Join(s.dir, lockName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return unavailable("open lock file", err)
	}
	defer f.Close()

	if err := lockFile(f, exclusive); err != nil {
		return unavailable("flock", err)
	}
	defer unlockFile(f)

	return fn()
}

// Tail implements Store.
func (s *FileStore) Tail(ctx context.Context, lotID string) (*model.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var tail *model.LedgerEntry
	err := s.withLock(false, func() error {
		entries, err := s.readLot(lotID)
		if err != nil {
			return err
		}
		if n := len(entries); n > 0 {
			tail = &entries[n-1]
		}
		return nil
	})
	return tail, err
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, entry *model.LedgerEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.withLock(true, func() error {
		entries, err := s.readLot(entry.LotID)
		if err != nil {
			return err
		}
		var tail *model.LedgerEntry
		if n := len(entries); n > 0 {
			tail = &entries[n-1]
		}
		if err := checkLink(tail, entry); err != nil {
			return err
		}

		seq, err := s.nextSeq()
		if err != nil {
			return err
		}
		stored := *entry
		stored.Seq = seq

		line, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}

		if err := fsutil.AppendLine(s.lotPath(entry.LotID), line, 0644); err != nil {
			return unavailable("append entry", err)
		}

		entry.Seq = seq
		return nil
	})
}

// nextSeq advances the store-wide sequence counter. Caller holds the
// exclusive lock.
func (s *FileStore) nextSeq() (int64, error) {
	path := filepath.Join(s.dir, seqName)
	var cur int64
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return 0, unavailable("read sequence", err)
	default:
		cur, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, unavailable("parse sequence", err)
		}
	}
	next := cur + 1
	if err := fsutil.AtomicWrite(path, []byte(strconv.FormatInt(next, 10)+"\n"), 0644); err != nil {
		return 0, unavailable("write sequence", err)
	}
	return next, nil
}

// Entries implements Store.
func (s *FileStore) Entries(ctx context.Context, lotID string) ([]model.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var entries []model.LedgerEntry
	err := s.withLock(false, func() error {
		var err error
		entries, err = s.readLot(lotID)
		return err
	})
	return entries, err
}

// readLot parses a lot file. A missing file is an empty lot. Lines are kept
// in file order, which is Seq order.
func (s *FileStore) readLot(lotID string) ([]model.LedgerEntry, error) {
	file, err := os.Open(s.lotPath(lotID))
	if err != nil {
		if os.IsNotExist(err) {
			return []model.LedgerEntry{}, nil
		}
		return nil, unavailable("open lot file", err)
	}
	defer file.Close()

	entries := []model.LedgerEntry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSz)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e model.LedgerEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, unavailable(fmt.Sprintf("lot %s line %d", lotID, lineNo), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, unavailable("scan lot file", err)
	}
	return entries, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (*model.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var found *model.LedgerEntry
	err := s.withLock(false, func() error {
		lots, err := s.listLots()
		if err != nil {
			return err
		}
		for _, lot := range lots {
			entries, err := s.readLot(lot)
			if err != nil {
				return err
			}
			for i := range entries {
				if entries[i].ID == id {
					found = &entries[i]
					return nil
				}
			}
		}
		return notFound(id)
	})
	return found, err
}

// Lots implements Store.
func (s *FileStore) Lots(ctx context.Context) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var lots []string
	err := s.withLock(false, func() error {
		var err error
		lots, err = s.listLots()
		return err
	})
	return lots, err
}

func (s *FileStore) listLots() ([]string, error) {
	dirEntries, err := os.ReadDir(filepath.Join(s.dir, lotsDir))
	if err != nil {
		return nil, unavailable("list lots", err)
	}
	lots := []string{}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		lot, ok := lotFromFileName(de.Name())
		if !ok {
			continue
		}
		lots = append(lots, lot)
	}
	sort.Strings(lots)
	return lots, nil
}

// Enrich implements Store. The lot file is rewritten through a temp file and
// rename so readers never see a half-written file.
func (s *FileStore) Enrich(ctx context.Context, id string, en model.Enrichment) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.withLock(true, func() error {
		lots, err := s.listLots()
		if err != nil {
			return err
		}
		for _, lot := range lots {
			entries, err := s.readLot(lot)
			if err != nil {
				return err
			}
			for i := range entries {
				if entries[i].ID != id {
					continue
				}
				if err := checkEnrich(&entries[i], en); err != nil {
					return err
				}
				en.Apply(&entries[i])
				return s.rewriteLot(lot, entries)
			}
		}
		return notFound(id)
	})
}

func (s *FileStore) rewriteLot(lotID string, entries []model.LedgerEntry) error {
	var buf bytes.Buffer
	for i := range entries {
		line, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := fsutil.AtomicWrite(s.lotPath(lotID), buf.Bytes(), 0644); err != nil {
		return unavailable("rewrite lot file", err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
