package chain_test

import (
	"testing"
	"time"

	"github.com/parkaudit/parkaudit/internal/chain"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleContent() model.HashableContent {
	return model.HashableContent{
		LotID:          "LOT001",
		Action:         model.ActionEntry,
		Timestamp:      time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC),
		OccupancyAfter: 1,
		Capacity:       5,
		PerformedBy:    "contractor@city.gov",
	}
}

func TestComputeHash_KnownVector(t *testing.T) {
	// sha256 of {"action":"entry","capacity":5,"lotId":"LOT001","occupancyAfter":1,
	// "performedBy":"contractor@city.gov","previousHash":"0","timestamp":"2024-01-15T08:30:00.000Z"}
	h, err := chain.ComputeHash(sampleContent(), model.GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, model.HashValue("90b66b746b3cdad2db444540d90fb11d9e2866e6fc103822bcd92dbc5c72e631"), h)
}

func TestComputeHash_Deterministic(t *testing.T) {
	a, err := chain.ComputeHash(sampleContent(), "abc")
	require.NoError(t, err)
	b, err := chain.ComputeHash(sampleContent(), "abc")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, string(a), 64)
	assert.Regexp(t, `^[0-9a-f]{64}$`, string(a))
}

func TestComputeHash_EmptyPreviousIsGenesis(t *testing.T) {
	a, err := chain.ComputeHash(sampleContent(), "")
	require.NoError(t, err)
	b, err := chain.ComputeHash(sampleContent(), model.GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeHash_TimezoneIgnored(t *testing.T) {
	base := sampleContent()
	shifted := base
	shifted.Timestamp = base.Timestamp.In(time.FixedZone("CET", 3600))

	a, err := chain.ComputeHash(base, "0")
	require.NoError(t, err)
	b, err := chain.ComputeHash(shifted, "0")
	require.NoError(t, err)
	assert.Equal(t, a, b, "same instant in another zone must hash identically")
}

func TestComputeHash_Avalanche(t *testing.T) {
	base, err := chain.ComputeHash(sampleContent(), "prev")
	require.NoError(t, err)

	mutations := map[string]func(c *model.HashableContent){
		"lotId":          func(c *model.HashableContent) { c.LotID = "LOT002" },
		"action":         func(c *model.HashableContent) { c.Action = model.ActionExit },
		"timestamp":      func(c *model.HashableContent) { c.Timestamp = c.Timestamp.Add(time.Millisecond) },
		"occupancyAfter": func(c *model.HashableContent) { c.OccupancyAfter++ },
		"capacity":       func(c *model.HashableContent) { c.Capacity++ },
		"performedBy":    func(c *model.HashableContent) { c.PerformedBy = "other@city.gov" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := sampleContent()
			mutate(&c)
			h, err := chain.ComputeHash(c, "prev")
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}

	t.Run("previousHash", func(t *testing.T) {
		h, err := chain.ComputeHash(sampleContent(), "prev2")
		require.NoError(t, err)
		assert.NotEqual(t, base, h)
	})
}

func TestComputeHash_ExcludesNonChainFields(t *testing.T) {
	e := &model.LedgerEntry{
		LotID:          "LOT001",
		LotName:        "North Deck",
		Action:         model.ActionExit,
		Timestamp:      time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
		OccupancyAfter: 0,
		Capacity:       5,
		PerformedBy:    "contractor@city.gov",
		PreviousHash:   "abc",
	}
	before, err := chain.HashEntry(e)
	require.NoError(t, err)

	e.LotName = "Renamed"
	e.IsViolation = true
	e.ViolationAmount = 4
	e.Metadata = &model.EntryMetadata{IPAddress: "10.0.0.1"}
	dur := 30
	e.DurationMinutes = &dur

	after, err := chain.HashEntry(e)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestComputeHash_RejectsMalformedContent(t *testing.T) {
	cases := map[string]func(c *model.HashableContent){
		"no lot":             func(c *model.HashableContent) { c.LotID = "" },
		"bad action":         func(c *model.HashableContent) { c.Action = "teleport" },
		"zero timestamp":     func(c *model.HashableContent) { c.Timestamp = time.Time{} },
		"negative occupancy": func(c *model.HashableContent) { c.OccupancyAfter = -1 },
		"no actor":           func(c *model.HashableContent) { c.PerformedBy = "" },
		"invalid utf8 actor": func(c *model.HashableContent) { c.PerformedBy = "alice\xff" },
		"invalid utf8 lot":   func(c *model.HashableContent) { c.LotID = "LOT\xfe" },
		"sub-ms timestamp":   func(c *model.HashableContent) { c.Timestamp = c.Timestamp.Add(700 * time.Microsecond) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := sampleContent()
			mutate(&c)
			_, err := chain.ComputeHash(c, "0")
			assert.ErrorIs(t, err, errclass.ErrEntryInvalid)
		})
	}
}
