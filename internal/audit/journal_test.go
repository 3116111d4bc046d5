package audit_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkaudit/parkaudit/internal/audit"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/model"
)

func TestJournal_AppendCreatesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := audit.NewJournal(path)
	require.NoError(t, j.Append(audit.EventEntryEnriched, "LOT001", "e-1", map[string]any{"fee": "12.50"}))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	require.True(t, scanner.Scan())
	var rec audit.Record
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, audit.EventEntryEnriched, rec.Event)
	assert.Equal(t, "LOT001", rec.LotID)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, model.GenesisHash, rec.PrevHash)
	assert.Len(t, string(rec.RecordHash), 64)
}

func TestJournal_HashChain(t *testing.T) {
	j := audit.NewJournal(filepath.Join(t.TempDir(), "journal.jsonl"))
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Append(audit.EventEntryEnriched, "LOT001", "e", map[string]any{"durationMinutes": 95}))
	}

	records, err := j.Records()
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].RecordHash, records[i].PrevHash)
		assert.Equal(t, records[i-1].Seq+1, records[i].Seq)
	}

	n, err := j.Verify()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestJournal_EmptyDetailsVerify(t *testing.T) {
	j := audit.NewJournal(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, j.Append(audit.EventLedgerInit, "", "", map[string]any{}))
	require.NoError(t, j.Append(audit.EventLedgerInit, "", "", nil))

	_, err := j.Verify()
	assert.NoError(t, err)
}

func TestJournal_MissingFileIsEmpty(t *testing.T) {
	j := audit.NewJournal(filepath.Join(t.TempDir(), "none.jsonl"))
	records, err := j.Records()
	require.NoError(t, err)
	assert.Empty(t, records)

	n, err := j.Verify()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJournal_DetectsEditedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := audit.NewJournal(path)
	require.NoError(t, j.Append(audit.EventEntryEnriched, "LOT001", "e-1", map[string]any{"fee": "12.50"}))
	require.NoError(t, j.Append(audit.EventEntryEnriched, "LOT001", "e-2", map[string]any{"fee": "3.00"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), "12.50", "1.25", 1)), 0644))

	idx, err := j.Verify()
	assert.True(t, errors.Is(err, errclass.ErrAuditChainBroken))
	assert.Equal(t, 0, idx)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestJournal_DetectsDeletedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := audit.NewJournal(path)
	for _, id := range []string{"e-1", "e-2", "e-3"} {
		require.NoError(t, j.Append(audit.EventEntryEnriched, "LOT001", id, nil))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+lines[2]), 0644))

	idx, err := j.Verify()
	assert.True(t, errors.Is(err, errclass.ErrAuditChainBroken))
	assert.Equal(t, 1, idx)
}

func TestJournal_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := audit.NewJournal(path)
	other := audit.NewJournal(path)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jj := j
			if i%2 == 1 {
				jj = other
			}
			assert.NoError(t, jj.Append(audit.EventEntryEnriched, "LOT001", "e", nil))
		}(i)
	}
	wg.Wait()

	n, err := j.Verify()
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}
