package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkaudit/parkaudit/internal/api"
	"github.com/parkaudit/parkaudit/internal/doctor"
	"github.com/parkaudit/parkaudit/internal/ledger"
	"github.com/parkaudit/parkaudit/internal/store"
	"github.com/parkaudit/parkaudit/internal/verify"
	"github.com/parkaudit/parkaudit/pkg/metrics"
)

var t0 = time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type harness struct {
	srv *httptest.Server
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.OpenFile(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := t0
	clock := func() time.Time {
		n := now
		now = now.Add(time.Minute)
		return n
	}
	reg := metrics.NewRegistry()
	server := api.NewServer(api.Deps{
		Store:    s,
		Recorder: ledger.NewRecorder(s, ledger.Options{Now: clock, Metrics: reg}),
		Verifier: verify.NewVerifier(s, verify.Options{Now: func() time.Time { return t0.Add(time.Hour) }}),
		Doctor:   doctor.NewDoctor(s, doctor.Options{Now: func() time.Time { return t0.Add(time.Hour) }}),
		Metrics:  reg,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, dir: dir}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

var contractor = map[string]any{"lotName": "Civic Centre", "capacity": 2, "performedBy": "contractor@city.gov"}

func TestRecordEntry(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/api/lots/LOT001/entry", contractor)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.Equal(t, "Vehicle entry logged", env.Message)

	var res api.RecordResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 1, res.CurrentOccupancy)
	assert.Regexp(t, `^[0-9a-f]{16}\.\.\.$`, res.Hash)
	assert.NotEmpty(t, res.EntryID)
}

func TestRecordExit_EmptyLot(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/api/lots/LOT001/exit", contractor)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Message, "E_LOT_EMPTY")
}

func TestRecord_BadRequests(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(t, http.MethodPost, "/api/lots/LOT001/entry", map[string]any{"capacity": 2})
	assert.Equal(t, http.StatusBadRequest, code, "missing performedBy")

	code, _ = h.do(t, http.MethodPost, "/api/lots/LOT001/entry", map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, code, "unknown field")

	code, _ = h.do(t, http.MethodPost, "/api/lots/bad%20lot/entry", contractor)
	assert.Equal(t, http.StatusBadRequest, code, "invalid lot id")
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		code, _ := h.do(t, http.MethodPost, "/api/lots/LOT001/entry", contractor)
		require.Equal(t, http.StatusOK, code)
	}

	code, env := h.do(t, http.MethodGet, "/api/lots/LOT001/status?capacity=2", nil)
	require.Equal(t, http.StatusOK, code)
	var st ledger.LotStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, 3, st.CurrentOccupancy)
	assert.True(t, st.IsOverCapacity)
	assert.Equal(t, 150, st.UtilizationPercent)

	code, _ = h.do(t, http.MethodGet, "/api/lots/LOT001/status?capacity=lots", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestIntegrityAndAuditTrail(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.do(t, http.MethodPost, "/api/lots/LOT001/entry", contractor)
	}

	code, env := h.do(t, http.MethodGet, "/api/integrity/LOT001", nil)
	require.Equal(t, http.StatusOK, code)
	var report struct {
		Healthy        bool `json:"healthy"`
		TotalEntries   int  `json:"totalEntries"`
		ChainIntegrity struct {
			Valid bool `json:"valid"`
		} `json:"chainIntegrity"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.True(t, report.Healthy)
	assert.True(t, report.ChainIntegrity.Valid)
	assert.Equal(t, 3, report.TotalEntries)

	// Tamper with the middle entry on disk.
	path := filepath.Join(h.dir, "lots", store.LotFileName("LOT001"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"occupancyAfter":2`, `"occupancyAfter":1`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	_, env = h.do(t, http.MethodGet, "/api/integrity", nil)
	var sum verify.Summary
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Equal(t, 1, sum.TamperedLots)
	assert.False(t, sum.Healthy)

	code, env = h.do(t, http.MethodGet, fmt.Sprintf("/api/lots/LOT001/audit-trail?startDate=%s", t0.Add(time.Minute).Format(time.RFC3339)), nil)
	require.Equal(t, http.StatusOK, code)
	var trail verify.Trail
	require.NoError(t, json.Unmarshal(env.Data, &trail))
	assert.Equal(t, 2, trail.TotalEntries)
	assert.Equal(t, "LOT001", trail.LotID)

	code, _ = h.do(t, http.MethodGet, "/api/lots/LOT001/audit-trail?endDate=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEnrichment(t *testing.T) {
	h := newHarness(t)
	_, env := h.do(t, http.MethodPost, "/api/lots/LOT001/entry", contractor)
	var in api.RecordResult
	require.NoError(t, json.Unmarshal(env.Data, &in))
	_, env = h.do(t, http.MethodPost, "/api/lots/LOT001/exit", contractor)
	var out api.RecordResult
	require.NoError(t, json.Unmarshal(env.Data, &out))

	body := map[string]any{"fee": "3.75", "durationMinutes": 1, "exitTime": t0.Add(time.Minute).Format(time.RFC3339)}

	code, _ := h.do(t, http.MethodPost, "/api/entries/"+in.EntryID+"/enrichment", body)
	assert.Equal(t, http.StatusBadRequest, code, "entry events are not enriched")

	code, _ = h.do(t, http.MethodPost, "/api/entries/00000000-0000-0000-0000-000000000000/enrichment", body)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = h.do(t, http.MethodPost, "/api/entries/"+out.EntryID+"/enrichment", body)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestDoctorAndHealth(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/lots/LOT001/entry", contractor)

	code, env := h.do(t, http.MethodGet, "/api/doctor", nil)
	require.Equal(t, http.StatusOK, code)
	var result doctor.Result
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Healthy)
	assert.Equal(t, 1, result.LotsChecked)

	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `parkaudit_ledger_appends_total{action="entry",result="success"} 1`)
}
