// Package storetest is a conformance suite every store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkaudit/parkaudit/internal/chain"
	"github.com/parkaudit/parkaudit/internal/store"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/model"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)

// Next builds the entry that follows tail (nil for genesis) with its hash
// computed.
func Next(t *testing.T, lotID string, tail *model.LedgerEntry, action model.Action) *model.LedgerEntry {
	t.Helper()
	occ, prev, ts := 0, model.GenesisHash, base
	if tail != nil {
		occ, prev, ts = tail.OccupancyAfter, tail.Hash, tail.Timestamp.Add(time.Minute)
	}
	if action == model.ActionEntry {
		occ++
	} else {
		occ--
	}
	e := &model.LedgerEntry{
		ID:             uuid.NewString(),
		LotID:          lotID,
		LotName:        "Lot " + lotID,
		Action:         action,
		Timestamp:      ts,
		OccupancyAfter: occ,
		Capacity:       5,
		PerformedBy:    "contractor@city.gov",
		PreviousHash:   prev,
		Metadata:       &model.EntryMetadata{IPAddress: "10.0.0.7", UserAgent: "scanner/2.1"},
	}
	h, err := chain.HashEntry(e)
	require.NoError(t, err)
	e.Hash = h
	return e
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"EmptyLot", testEmptyLot},
		{"AppendAndOrder", testAppendAndOrder},
		{"RejectsStaleTail", testRejectsStaleTail},
		{"RejectsNonGenesisFirst", testRejectsNonGenesisFirst},
		{"LotsIsolated", testLotsIsolated},
		{"LotsDifferingInCase", testLotsDifferingInCase},
		{"Get", testGet},
		{"Enrich", testEnrich},
		{"ConcurrentAppendNoFork", testConcurrentAppendNoFork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func appendN(t *testing.T, s store.Store, lotID string, actions ...model.Action) []*model.LedgerEntry {
	t.Helper()
	ctx := context.Background()
	tail, err := s.Tail(ctx, lotID)
	require.NoError(t, err)
	var out []*model.LedgerEntry
	for _, a := range actions {
		e := Next(t, lotID, tail, a)
		require.NoError(t, s.Append(ctx, e))
		out = append(out, e)
		tail = e
	}
	return out
}

func testEmptyLot(t *testing.T, s store.Store) {
	ctx := context.Background()
	tail, err := s.Tail(ctx, "LOT404")
	require.NoError(t, err)
	assert.Nil(t, tail)

	entries, err := s.Entries(ctx, "LOT404")
	require.NoError(t, err)
	assert.Empty(t, entries)

	lots, err := s.Lots(ctx)
	require.NoError(t, err)
	assert.Empty(t, lots)
}

func testAppendAndOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	appended := appendN(t, s, "LOT001", model.ActionEntry, model.ActionEntry, model.ActionExit)

	entries, err := s.Entries(ctx, "LOT001")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := range entries {
		assert.Equal(t, appended[i].ID, entries[i].ID)
		assert.Equal(t, appended[i].Seq, entries[i].Seq)
		assert.True(t, appended[i].Timestamp.Equal(entries[i].Timestamp))
		if i > 0 {
			assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
		}
	}
	assert.Equal(t, "10.0.0.7", entries[0].Metadata.IPAddress)

	result := chain.VerifyChain(entries)
	assert.True(t, result.Valid, result.Message)

	tail, err := s.Tail(ctx, "LOT001")
	require.NoError(t, err)
	assert.Equal(t, appended[2].Hash, tail.Hash)
}

func testRejectsStaleTail(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := appendN(t, s, "LOT001", model.ActionEntry)[0]
	appendN(t, s, "LOT001", model.ActionEntry)

	stale := Next(t, "LOT001", first, model.ActionExit)
	err := s.Append(ctx, stale)
	assert.ErrorIs(t, err, errclass.ErrChainConflict)

	entries, err := s.Entries(ctx, "LOT001")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Empty(t, chain.FindGaps(entries))
}

func testRejectsNonGenesisFirst(t *testing.T, s store.Store) {
	e := Next(t, "LOT001", nil, model.ActionEntry)
	e.PreviousHash = "deadbeef"
	assert.ErrorIs(t, s.Append(context.Background(), e), errclass.ErrChainConflict)
}

func testLotsDifferingInCase(t *testing.T, s store.Store) {
	ctx := context.Background()
	appendN(t, s, "LOT001", model.ActionEntry, model.ActionEntry)
	appendN(t, s, "lot001", model.ActionEntry)

	lots, err := s.Lots(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"LOT001", "lot001"}, lots)

	upper, err := s.Entries(ctx, "LOT001")
	require.NoError(t, err)
	assert.Len(t, upper, 2)
	assert.True(t, chain.VerifyChain(upper).Valid)

	lower, err := s.Entries(ctx, "lot001")
	require.NoError(t, err)
	assert.Len(t, lower, 1)
	assert.True(t, chain.VerifyChain(lower).Valid)
}

func testLotsIsolated(t *testing.T, s store.Store) {
	ctx := context.Background()
	appendN(t, s, "LOT002", model.ActionEntry)
	appendN(t, s, "LOT001", model.ActionEntry, model.ActionEntry)
	appendN(t, s, "LOT002", model.ActionExit)

	lots, err := s.Lots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"LOT001", "LOT002"}, lots)

	for _, lot := range lots {
		entries, err := s.Entries(ctx, lot)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.True(t, chain.VerifyChain(entries).Valid)
		for _, e := range entries {
			assert.Equal(t, lot, e.LotID)
		}
	}
}

func testGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := appendN(t, s, "LOT001", model.ActionEntry)[0]

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Hash, got.Hash)
	assert.Equal(t, e.Seq, got.Seq)

	_, err = s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, errclass.ErrEntryNotFound)
}

func testEnrich(t *testing.T, s store.Store) {
	ctx := context.Background()
	es := appendN(t, s, "LOT001", model.ActionEntry, model.ActionExit)
	entry, exit := es[0], es[1]

	en := model.Enrichment{
		Fee:             decimal.RequireFromString("12.50"),
		DurationMinutes: 95,
		ExitTime:        base.Add(95 * time.Minute),
	}
	assert.ErrorIs(t, s.Enrich(ctx, entry.ID, en), errclass.ErrEnrichRejected)
	assert.ErrorIs(t, s.Enrich(ctx, uuid.NewString(), en), errclass.ErrEntryNotFound)
	require.NoError(t, s.Enrich(ctx, exit.ID, en))

	got, err := s.Get(ctx, exit.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Fee)
	assert.True(t, en.Fee.Equal(*got.Fee))
	require.NotNil(t, got.DurationMinutes)
	assert.Equal(t, 95, *got.DurationMinutes)
	require.NotNil(t, got.ExitTime)
	assert.True(t, en.ExitTime.Equal(*got.ExitTime))
	assert.Equal(t, exit.Hash, got.Hash)

	entries, err := s.Entries(ctx, "LOT001")
	require.NoError(t, err)
	assert.True(t, chain.VerifyChain(entries).Valid, "enrichment must not affect the chain")
}

// testConcurrentAppendNoFork races writers that all read the same tail.
// Exactly one may win each round.
func testConcurrentAppendNoFork(t *testing.T, s store.Store) {
	ctx := context.Background()
	const writers = 8

	for round := 0; round < 3; round++ {
		tail, err := s.Tail(ctx, "LOT001")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for w := 0; w < writers; w++ {
			e := Next(t, "LOT001", tail, model.ActionEntry)
			e.PerformedBy = fmt.Sprintf("writer-%d@city.gov", w)
			h, err := chain.HashEntry(e)
			require.NoError(t, err)
			e.Hash = h

			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Append(ctx, e)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case assert.ErrorIs(t, err, errclass.ErrChainConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins, "round %d", round)
		assert.Equal(t, writers-1, conflicts, "round %d", round)
	}

	entries, err := s.Entries(ctx, "LOT001")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.True(t, chain.VerifyChain(entries).Valid)
}
