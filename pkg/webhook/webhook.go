// Package webhook delivers administrator alerts about ledger integrity to
// HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/parkaudit/parkaudit/pkg/logging"
	"github.com/parkaudit/parkaudit/pkg/model"
)

// EventType represents the kind of alert.
type EventType string

const (
	EventChainTampered   EventType = "chain.tampered"
	EventChainGap        EventType = "chain.gap"
	EventAnomalyDetected EventType = "anomaly.detected"
	EventVerifyComplete  EventType = "verify.complete"
	EventVerifyFailed    EventType = "verify.failed"
	EventLotOverCapacity EventType = "lot.over_capacity"
)

// SignatureHeader carries the HMAC-SHA256 of the body when a hook secret is set.
const SignatureHeader = "X-Parkaudit-Signature"

// EventHeader carries the event type.
const EventHeader = "X-Parkaudit-Event"

// Event is the JSON payload posted to hooks.
type Event struct {
	Event     EventType      `json:"event"`
	Timestamp string         `json:"timestamp"`
	LotID     string         `json:"lotId,omitempty"`
	EntryID   string         `json:"entryId,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HookConfig represents a single webhook endpoint.
type HookConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Secret  string        `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events  []EventType   `yaml:"events" json:"events"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Enabled bool          `yaml:"enabled" json:"enabled"`
}

// Config represents the webhook configuration.
type Config struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Hooks          []HookConfig  `yaml:"hooks" json:"hooks"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
	AsyncQueueSize int           `yaml:"async_queue_size" json:"async_queue_size"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		AsyncQueueSize: 100,
	}
}

// Client handles sending webhook notifications.
type Client struct {
	config *Config
	http   *http.Client
	logger *logging.Logger
	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type job struct {
	event Event
	hook  HookConfig
}

// NewClient creates a new webhook client. A nil logger uses the global one.
func NewClient(cfg *Config, logger *logging.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.Default()
	}
	queueSize := cfg.AsyncQueueSize
	if queueSize <= 0 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger.WithFields(map[string]any{"component": "webhook"}),
		queue:  make(chan *job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Enabled {
		c.start()
	}

	return c
}

func (c *Client) start() {
	c.once.Do(func() {
		c.wg.Add(1)
		go c.worker()
	})
}

func (c *Client) worker() {
	defer c.wg.Done()
	for j := range c.queue {
		c.send(j)
	}
}

// Send delivers event to every enabled hook subscribed to its type. With
// async the deliveries are queued; a full queue drops the event with a
// warning rather than blocking the caller.
func (c *Client) Send(event Event, async bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.config.Enabled || c.closed {
		return nil
	}

	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if hook.Enabled && matchesEvent(hook, event.Event) {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if async {
		for _, hook := range hooks {
			select {
			case c.queue <- &job{event: event, hook: hook}:
			default:
				c.logger.Warn("webhook queue full, dropping event", map[string]any{
					"event": string(event.Event),
					"url":   hook.URL,
				})
			}
		}
		return nil
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.sendSync(&job{event: event, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Client) send(j *job) {
	if err := c.sendSync(j); err != nil {
		c.logger.ErrorErr("webhook delivery failed", err, map[string]any{
			"event": string(j.event.Event),
			"url":   j.hook.URL,
		})
	}
}

// sendSync posts one job, retrying transport errors and 5xx responses.
func (c *Client) sendSync(j *job) error {
	payload, err := json.Marshal(j.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var policy backoff.BackOff = backoff.NewConstantBackOff(c.config.RetryDelay)
	if c.config.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(policy, uint64(c.config.MaxRetries))
	}
	policy = backoff.WithContext(policy, c.ctx)

	return backoff.Retry(func() error {
		return c.post(j.hook, j.event.Event, payload)
	}, policy)
}

func (c *Client) post(hook HookConfig, event EventType, payload []byte) error {
	ctx := c.ctx
	if hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hook.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "parkaudit-webhook/1.0")
	req.Header.Set(EventHeader, string(event))
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, hook.Secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	default:
		return backoff.Permanent(fmt.Errorf("http %d: %s", resp.StatusCode, string(body)))
	}
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// Close stops accepting events, delivers what is already queued and then
// releases the client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	c.wg.Wait()
	c.cancel()
	return nil
}

// SendTampered alerts on a structural fault in a lot's chain.
func (c *Client) SendTampered(report *model.IntegrityReport, async bool) error {
	ci := report.ChainIntegrity
	meta := map[string]any{
		"total_entries": report.TotalEntries,
		"gaps":          len(report.Gaps),
	}
	if at, ok := ci.BrokenAt(); ok {
		meta["broken_at_index"] = at
	}
	if ci.Expected != "" {
		meta["expected"] = string(ci.Expected)
		meta["found"] = string(ci.Found)
	}
	return c.Send(Event{
		Event:    EventChainTampered,
		LotID:    report.LotID,
		EntryID:  ci.EntryID,
		Reason:   string(ci.Reason),
		Error:    ci.Message,
		Metadata: meta,
	}, async)
}

// SendGaps alerts on broken links when the chain hash check passed but gaps
// were still found, or to report the full extent of damage.
func (c *Client) SendGaps(lotID string, gaps []model.Gap, async bool) error {
	indexes := make([]int, len(gaps))
	for i, g := range gaps {
		indexes[i] = g.Index
	}
	return c.Send(Event{
		Event:    EventChainGap,
		LotID:    lotID,
		Metadata: map[string]any{"indexes": indexes, "count": len(gaps)},
	}, async)
}

// SendAnomalies reports advisory timestamp anomalies.
func (c *Client) SendAnomalies(lotID string, anomalies []model.Anomaly, async bool) error {
	counts := map[string]any{}
	for _, a := range anomalies {
		n, _ := counts[string(a.Type)].(int)
		counts[string(a.Type)] = n + 1
	}
	return c.Send(Event{
		Event:    EventAnomalyDetected,
		LotID:    lotID,
		Metadata: counts,
	}, async)
}

// SendVerifyComplete reports a clean verification run.
func (c *Client) SendVerifyComplete(lotID string, entriesVerified int, async bool) error {
	return c.Send(Event{
		Event:    EventVerifyComplete,
		LotID:    lotID,
		Metadata: map[string]any{"entries_verified": entriesVerified},
	}, async)
}

// SendVerifyFailed reports that verification could not run.
func (c *Client) SendVerifyFailed(lotID, errMsg string, async bool) error {
	return c.Send(Event{
		Event: EventVerifyFailed,
		LotID: lotID,
		Error: errMsg,
	}, async)
}

// SendOverCapacity reports an entry that pushed a lot above capacity.
func (c *Client) SendOverCapacity(e *model.LedgerEntry, async bool) error {
	return c.Send(Event{
		Event:   EventLotOverCapacity,
		LotID:   e.LotID,
		EntryID: e.ID,
		Metadata: map[string]any{
			"occupancy":        e.OccupancyAfter,
			"capacity":         e.Capacity,
			"violation_amount": e.ViolationAmount,
			"performed_by":     e.PerformedBy,
		},
	}, async)
}
