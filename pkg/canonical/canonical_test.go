package canonical_test

import (
	"testing"
	"time"

	"github.com/parkaudit/parkaudit/pkg/canonical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysWithoutWhitespace(t *testing.T) {
	data, err := canonical.Marshal(map[string]any{
		"zeta":  1,
		"alpha": "a",
		"mid":   map[string]any{"y": true, "x": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","mid":{"x":null,"y":true},"zeta":1}`, string(data))
}

func TestMarshal_StructFieldOrderIrrelevant(t *testing.T) {
	type ab struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	type ba struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	x, err := canonical.Marshal(ab{B: 2, A: "x"})
	require.NoError(t, err)
	y, err := canonical.Marshal(ba{A: "x", B: 2})
	require.NoError(t, err)
	assert.Equal(t, x, y)
}

func TestMarshal_PreservesLargeIntegers(t *testing.T) {
	data, err := canonical.Marshal(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(data))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	data, err := canonical.Marshal(map[string]any{"who": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"who":"a<b>&c"}`, string(data))
}

func TestMarshal_Arrays(t *testing.T) {
	data, err := canonical.Marshal([]any{3, "two", []int{1}})
	require.NoError(t, err)
	assert.Equal(t, `[3,"two",[1]]`, string(data))
}

func TestMarshal_Unsupported(t *testing.T) {
	_, err := canonical.Marshal(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestFormatTime_MillisecondUTC(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2024, 3, 1, 15, 30, 0, 123456789, loc)
	assert.Equal(t, "2024-03-01T10:00:00.123Z", canonical.FormatTime(ts))
}

func TestParseTime_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.UTC)
	got, err := canonical.ParseTime(canonical.FormatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	_, err = canonical.ParseTime("yesterday")
	assert.Error(t, err)
}
