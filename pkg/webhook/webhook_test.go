package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parkaudit/parkaudit/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiver struct {
	mu      sync.Mutex
	events  []Event
	headers []http.Header
	bodies  [][]byte
	status  int32
	hits    int32
}

func newReceiver(t *testing.T) (*receiver, *httptest.Server) {
	rcv := &receiver{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&rcv.hits, 1)
		body, _ := io.ReadAll(r.Body)
		var ev Event
		_ = json.Unmarshal(body, &ev)
		rcv.mu.Lock()
		rcv.events = append(rcv.events, ev)
		rcv.headers = append(rcv.headers, r.Header.Clone())
		rcv.bodies = append(rcv.bodies, body)
		rcv.mu.Unlock()
		w.WriteHeader(int(atomic.LoadInt32(&rcv.status)))
	}))
	t.Cleanup(srv.Close)
	return rcv, srv
}

func (r *receiver) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func testConfig(url string, events ...EventType) *Config {
	return &Config{
		Enabled:        true,
		MaxRetries:     2,
		RetryDelay:     5 * time.Millisecond,
		AsyncQueueSize: 10,
		Hooks:          []HookConfig{{URL: url, Events: events, Enabled: true}},
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 100, cfg.AsyncQueueSize)
}

func TestClient_SendSync(t *testing.T) {
	rcv, srv := newReceiver(t)
	client := NewClient(testConfig(srv.URL, EventChainTampered), nil)
	defer client.Close()

	err := client.Send(Event{Event: EventChainTampered, LotID: "LOT001"}, false)
	require.NoError(t, err)

	events := rcv.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, EventChainTampered, events[0].Event)
	assert.Equal(t, "LOT001", events[0].LotID)
	assert.NotEmpty(t, events[0].Timestamp)
	assert.Equal(t, string(EventChainTampered), rcv.headers[0].Get(EventHeader))
}

func TestClient_Signature(t *testing.T) {
	rcv, srv := newReceiver(t)
	cfg := testConfig(srv.URL, "*")
	cfg.Hooks[0].Secret = "s3cret"
	client := NewClient(cfg, nil)
	defer client.Close()

	require.NoError(t, client.Send(Event{Event: EventVerifyComplete}, false))

	require.Len(t, rcv.bodies, 1)
	assert.Equal(t, Sign(rcv.bodies[0], "s3cret"), rcv.headers[0].Get(SignatureHeader))
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, rcv.headers[0].Get(SignatureHeader))
}

func TestClient_NoSignatureWithoutSecret(t *testing.T) {
	rcv, srv := newReceiver(t)
	client := NewClient(testConfig(srv.URL, "*"), nil)
	defer client.Close()

	require.NoError(t, client.Send(Event{Event: EventVerifyComplete}, false))
	assert.Empty(t, rcv.headers[0].Get(SignatureHeader))
}

func TestClient_EventFiltering(t *testing.T) {
	rcv, srv := newReceiver(t)
	client := NewClient(testConfig(srv.URL, EventChainTampered), nil)
	defer client.Close()

	require.NoError(t, client.Send(Event{Event: EventVerifyComplete}, false))
	assert.Empty(t, rcv.snapshot())
}

func TestClient_DisabledHookAndClient(t *testing.T) {
	rcv, srv := newReceiver(t)

	cfg := testConfig(srv.URL, "*")
	cfg.Hooks[0].Enabled = false
	c1 := NewClient(cfg, nil)
	require.NoError(t, c1.Send(Event{Event: EventChainGap}, false))
	require.NoError(t, c1.Close())

	cfg = testConfig(srv.URL, "*")
	cfg.Enabled = false
	c2 := NewClient(cfg, nil)
	require.NoError(t, c2.Send(Event{Event: EventChainGap}, true))
	require.NoError(t, c2.Close())

	assert.Empty(t, rcv.snapshot())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	rcv, srv := newReceiver(t)
	atomic.StoreInt32(&rcv.status, http.StatusServiceUnavailable)
	client := NewClient(testConfig(srv.URL, "*"), nil)
	defer client.Close()

	err := client.Send(Event{Event: EventVerifyFailed}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(3), atomic.LoadInt32(&rcv.hits), "initial attempt plus two retries")
}

func TestClient_ClientErrorsNotRetried(t *testing.T) {
	rcv, srv := newReceiver(t)
	atomic.StoreInt32(&rcv.status, http.StatusBadRequest)
	client := NewClient(testConfig(srv.URL, "*"), nil)
	defer client.Close()

	err := client.Send(Event{Event: EventVerifyFailed}, false)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rcv.hits))
}

func TestClient_AsyncDeliveredBeforeClose(t *testing.T) {
	rcv, srv := newReceiver(t)
	client := NewClient(testConfig(srv.URL, "*"), nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, client.Send(Event{Event: EventAnomalyDetected}, true))
	}
	require.NoError(t, client.Close())

	assert.Len(t, rcv.snapshot(), 5)
	assert.NoError(t, client.Close(), "close is idempotent")
	assert.NoError(t, client.Send(Event{Event: EventAnomalyDetected}, true), "send after close is a no-op")
}

func TestClient_SendTampered(t *testing.T) {
	rcv, srv := newReceiver(t)
	client := NewClient(testConfig(srv.URL, EventChainTampered), nil)
	defer client.Close()

	idx := 2
	report := &model.IntegrityReport{
		LotID:        "LOT009",
		TotalEntries: 7,
		ChainIntegrity: model.ChainVerificationResult{
			Message:       "chain broken: previous hash mismatch",
			Reason:        model.ReasonChainBreak,
			BrokenAtIndex: &idx,
			Expected:      "aaa",
			Found:         "bbb",
		},
		Gaps: []model.Gap{{Index: 2}},
	}
	require.NoError(t, client.SendTampered(report, false))

	events := rcv.snapshot()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "LOT009", ev.LotID)
	assert.Equal(t, "CHAIN_BREAK", ev.Reason)
	assert.EqualValues(t, 2, ev.Metadata["broken_at_index"])
	assert.Equal(t, "aaa", ev.Metadata["expected"])
	assert.EqualValues(t, 1, ev.Metadata["gaps"])
}

func TestClient_SendAnomaliesCountsByType(t *testing.T) {
	rcv, srv := newReceiver(t)
	client := NewClient(testConfig(srv.URL, EventAnomalyDetected), nil)
	defer client.Close()

	require.NoError(t, client.SendAnomalies("LOT001", []model.Anomaly{
		{Type: model.AnomalyBackdate},
		{Type: model.AnomalyBackdate},
		{Type: model.AnomalyTimeGap},
	}, false))

	ev := rcv.snapshot()[0]
	assert.EqualValues(t, 2, ev.Metadata["BACKDATE"])
	assert.EqualValues(t, 1, ev.Metadata["TIME_GAP"])
}

func TestClient_SendOverCapacity(t *testing.T) {
	rcv, srv := newReceiver(t)
	client := NewClient(testConfig(srv.URL, EventLotOverCapacity), nil)
	defer client.Close()

	require.NoError(t, client.SendOverCapacity(&model.LedgerEntry{
		ID: "e1", LotID: "LOT001", OccupancyAfter: 6, Capacity: 5, ViolationAmount: 1,
	}, false))

	ev := rcv.snapshot()[0]
	assert.Equal(t, "e1", ev.EntryID)
	assert.EqualValues(t, 1, ev.Metadata["violation_amount"])
}

func TestMatchesEvent(t *testing.T) {
	hook := HookConfig{Events: []EventType{EventChainGap}}
	assert.True(t, matchesEvent(hook, EventChainGap))
	assert.False(t, matchesEvent(hook, EventChainTampered))
	assert.True(t, matchesEvent(HookConfig{Events: []EventType{"*"}}, EventChainTampered))
}
