package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkaudit/parkaudit/internal/audit"
	"github.com/parkaudit/parkaudit/internal/chain"
	"github.com/parkaudit/parkaudit/internal/ledger"
	"github.com/parkaudit/parkaudit/internal/store"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/logging"
	"github.com/parkaudit/parkaudit/pkg/metrics"
	"github.com/parkaudit/parkaudit/pkg/model"
	"github.com/parkaudit/parkaudit/pkg/webhook"
)

var t0 = time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now
	c.now = c.now.Add(time.Minute)
	return n
}

func newRecorder(t *testing.T, opts ledger.Options) (*ledger.Recorder, store.Store) {
	t.Helper()
	s, err := store.OpenFile(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	if opts.Now == nil {
		opts.Now = (&clock{now: t0}).Now
	}
	return ledger.NewRecorder(s, opts), s
}

func req(action model.Action) ledger.RecordRequest {
	return ledger.RecordRequest{
		LotID:       "LOT001",
		LotName:     "Civic Centre",
		Capacity:    5,
		Action:      action,
		PerformedBy: "contractor@city.gov",
	}
}

func TestRecord_GenesisMatchesKnownHash(t *testing.T) {
	r, _ := newRecorder(t, ledger.Options{})

	e, err := r.Record(context.Background(), req(model.ActionEntry))
	require.NoError(t, err)

	assert.Equal(t, model.GenesisHash, e.PreviousHash)
	assert.Equal(t, 1, e.OccupancyAfter)
	assert.Equal(t, t0, e.Timestamp)
	assert.Equal(t, model.HashValue("90b66b746b3cdad2db444540d90fb11d9e2866e6fc103822bcd92dbc5c72e631"), e.Hash)
	assert.NotEmpty(t, e.ID)
	assert.Positive(t, e.Seq)
}

func TestRecord_ChainsAndCountsOccupancy(t *testing.T) {
	r, s := newRecorder(t, ledger.Options{})
	ctx := context.Background()

	for _, a := range []model.Action{model.ActionEntry, model.ActionEntry, model.ActionExit, model.ActionEntry} {
		_, err := r.Record(ctx, req(a))
		require.NoError(t, err)
	}

	entries, err := s.Entries(ctx, "LOT001")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, []int{1, 2, 1, 2}, []int{
		entries[0].OccupancyAfter, entries[1].OccupancyAfter, entries[2].OccupancyAfter, entries[3].OccupancyAfter,
	})
	assert.True(t, chain.VerifyChain(entries).Valid)
}

func TestRecord_ExitOnEmptyLot(t *testing.T) {
	reg := metrics.NewRegistry()
	r, s := newRecorder(t, ledger.Options{Metrics: reg})

	_, err := r.Record(context.Background(), req(model.ActionExit))
	assert.ErrorIs(t, err, errclass.ErrLotEmpty)

	entries, err := s.Entries(context.Background(), "LOT001")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecord_RejectsInvalidRequests(t *testing.T) {
	r, _ := newRecorder(t, ledger.Options{})
	ctx := context.Background()

	bad := req(model.ActionEntry)
	bad.LotID = "../etc"
	_, err := r.Record(ctx, bad)
	assert.ErrorIs(t, err, errclass.ErrLotInvalid)

	bad = req("park")
	_, err = r.Record(ctx, bad)
	assert.ErrorIs(t, err, errclass.ErrEntryInvalid)

	bad = req(model.ActionEntry)
	bad.PerformedBy = "  "
	_, err = r.Record(ctx, bad)
	assert.ErrorIs(t, err, errclass.ErrEntryInvalid)

	bad = req(model.ActionEntry)
	bad.Capacity = 0
	_, err = r.Record(ctx, bad)
	assert.ErrorIs(t, err, errclass.ErrEntryInvalid)
}

func TestRecord_ViolationRaisesAlert(t *testing.T) {
	var mu sync.Mutex
	var events []webhook.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev webhook.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	defer srv.Close()

	alerts := webhook.NewClient(&webhook.Config{
		Enabled:        true,
		AsyncQueueSize: 10,
		Hooks:          []webhook.HookConfig{{URL: srv.URL, Events: []webhook.EventType{webhook.EventLotOverCapacity}, Enabled: true}},
	}, nil)
	r, _ := newRecorder(t, ledger.Options{Alerts: alerts})

	rq := req(model.ActionEntry)
	rq.Capacity = 1
	first, err := r.Record(context.Background(), rq)
	require.NoError(t, err)
	assert.False(t, first.IsViolation)

	second, err := r.Record(context.Background(), rq)
	require.NoError(t, err)
	assert.True(t, second.IsViolation)
	assert.Equal(t, 1, second.ViolationAmount)

	require.NoError(t, alerts.Close())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, second.ID, events[0].EntryID)
}

// flakyStore rejects the first n appends as if another writer had won.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
	attempts  int
}

func (f *flakyStore) Append(ctx context.Context, e *model.LedgerEntry) error {
	f.mu.Lock()
	f.attempts++
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return errclass.ErrChainConflict.WithMessage("simulated")
	}
	f.mu.Unlock()
	return f.Store.Append(ctx, e)
}

func TestRecord_RetriesConflicts(t *testing.T) {
	base, err := store.OpenBadger("", nil)
	require.NoError(t, err)
	defer base.Close()

	flaky := &flakyStore{Store: base, conflicts: 2}
	r := ledger.NewRecorder(flaky, ledger.Options{AppendRetries: 3, RetryInterval: time.Millisecond})

	e, err := r.Record(context.Background(), req(model.ActionEntry))
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.attempts)
	assert.Equal(t, model.GenesisHash, e.PreviousHash)

	flaky.conflicts = 10
	_, err = r.Record(context.Background(), req(model.ActionEntry))
	assert.ErrorIs(t, err, errclass.ErrChainConflict)
}

func TestRecord_ConcurrentWritersProduceOneChain(t *testing.T) {
	r, s := newRecorder(t, ledger.Options{AppendRetries: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Record(ctx, req(model.ActionEntry))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := s.Entries(ctx, "LOT001")
	require.NoError(t, err)
	require.Len(t, entries, 20)
	assert.True(t, chain.VerifyChain(entries).Valid)
	assert.Empty(t, chain.FindGaps(entries))
	assert.Equal(t, 20, entries[19].OccupancyAfter)
}

func TestEnrich(t *testing.T) {
	r, s := newRecorder(t, ledger.Options{})
	ctx := context.Background()

	in, err := r.Record(ctx, req(model.ActionEntry))
	require.NoError(t, err)
	out, err := r.Record(ctx, req(model.ActionExit))
	require.NoError(t, err)

	en := model.Enrichment{Fee: decimal.RequireFromString("4.25"), DurationMinutes: 1, ExitTime: out.Timestamp}
	assert.ErrorIs(t, r.Enrich(ctx, in.ID, en), errclass.ErrEnrichRejected)
	require.NoError(t, r.Enrich(ctx, out.ID, en))

	bad := en
	bad.Fee = decimal.NewFromInt(-3)
	assert.ErrorIs(t, r.Enrich(ctx, out.ID, bad), errclass.ErrEnrichRejected)

	entries, err := s.Entries(ctx, "LOT001")
	require.NoError(t, err)
	assert.True(t, chain.VerifyChain(entries).Valid)
	require.NotNil(t, entries[1].Fee)
	assert.Equal(t, "4.25", entries[1].Fee.StringFixed(2))
}

func TestEnrich_Journaled(t *testing.T) {
	j := audit.NewJournal(filepath.Join(t.TempDir(), "journal.jsonl"))
	r, _ := newRecorder(t, ledger.Options{Journal: j})
	ctx := context.Background()

	_, err := r.Record(ctx, req(model.ActionEntry))
	require.NoError(t, err)
	out, err := r.Record(ctx, req(model.ActionExit))
	require.NoError(t, err)

	en := model.Enrichment{Fee: decimal.RequireFromString("7.5"), DurationMinutes: 30, ExitTime: out.Timestamp}
	require.NoError(t, r.Enrich(ctx, out.ID, en))
	assert.ErrorIs(t, r.Enrich(ctx, "missing", en), errclass.ErrEntryNotFound)

	records, err := j.Records()
	require.NoError(t, err)
	require.Len(t, records, 1, "failed enrichments are not journaled")
	assert.Equal(t, audit.EventEntryEnriched, records[0].Event)
	assert.Equal(t, "LOT001", records[0].LotID)
	assert.Equal(t, out.ID, records[0].EntryID)
	assert.Equal(t, "7.50", records[0].Details["fee"])

	_, err = j.Verify()
	assert.NoError(t, err)
}

func TestEnrich_JournalFailureIsLogged(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	var logs bytes.Buffer
	r, s := newRecorder(t, ledger.Options{
		Journal: audit.NewJournal(filepath.Join(blocker, "journal.jsonl")),
		Logger:  logging.New(logging.LevelInfo, logging.FormatJSON, &logs),
	})
	ctx := context.Background()

	_, err := r.Record(ctx, req(model.ActionEntry))
	require.NoError(t, err)
	out, err := r.Record(ctx, req(model.ActionExit))
	require.NoError(t, err)

	en := model.Enrichment{Fee: decimal.RequireFromString("2"), DurationMinutes: 15, ExitTime: out.Timestamp}
	err = r.Enrich(ctx, out.ID, en)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal enrichment")

	stored, err := s.Get(ctx, out.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Fee)
	assert.Contains(t, logs.String(), "enrichment stored without journal record")
	assert.Contains(t, logs.String(), out.ID)
}

func TestStatus(t *testing.T) {
	r, _ := newRecorder(t, ledger.Options{})
	ctx := context.Background()

	st, err := r.Status(ctx, "LOT001", 4)
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentOccupancy)
	assert.Nil(t, st.LastUpdated)

	for i := 0; i < 3; i++ {
		_, err := r.Record(ctx, req(model.ActionEntry))
		require.NoError(t, err)
	}

	st, err = r.Status(ctx, "LOT001", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, st.CurrentOccupancy)
	assert.Equal(t, 75, st.UtilizationPercent)
	assert.False(t, st.IsOverCapacity)
	assert.Equal(t, "Civic Centre", st.LotName)

	st, err = r.Status(ctx, "LOT001", 2)
	require.NoError(t, err)
	assert.True(t, st.IsOverCapacity)
	assert.Equal(t, 150, st.UtilizationPercent)

	st, err = r.Status(ctx, "LOT001", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, st.MaxCapacity, "falls back to recorded capacity")
}
