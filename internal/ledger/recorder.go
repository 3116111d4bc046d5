// Package ledger records parking events onto per-lot hash chains.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/parkaudit/parkaudit/internal/audit"
	"github.com/parkaudit/parkaudit/internal/chain"
	"github.com/parkaudit/parkaudit/internal/lock"
	"github.com/parkaudit/parkaudit/internal/store"
	"github.com/parkaudit/parkaudit/pkg/canonical"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/logging"
	"github.com/parkaudit/parkaudit/pkg/lotid"
	"github.com/parkaudit/parkaudit/pkg/metrics"
	"github.com/parkaudit/parkaudit/pkg/model"
	"github.com/parkaudit/parkaudit/pkg/webhook"
)

// Options configures a Recorder. Zero values take defaults.
type Options struct {
	Locks         *lock.Manager
	Journal       *audit.Journal
	Metrics       *metrics.Registry
	Alerts        *webhook.Client
	Logger        *logging.Logger
	AppendRetries int
	RetryInterval time.Duration
	Now           func() time.Time
	NewID         func() string
}

// Recorder appends entry and exit events. All writes to one lot go through
// the lot lock and the store's compare-and-append.
type Recorder struct {
	store store.Store
	opts  Options
	log   *logging.Logger
}

// RecordRequest describes one parking event.
type RecordRequest struct {
	LotID       string
	LotName     string
	Capacity    int
	Action      model.Action
	PerformedBy string
	Metadata    *model.EntryMetadata
}

// LotStatus is the current state of a lot derived from its tail.
type LotStatus struct {
	LotID              string       `json:"lotId"`
	LotName            string       `json:"lotName,omitempty"`
	CurrentOccupancy   int          `json:"currentOccupancy"`
	MaxCapacity        int          `json:"maxCapacity"`
	IsOverCapacity     bool         `json:"isOverCapacity"`
	UtilizationPercent int          `json:"utilizationPercent"`
	LastAction         model.Action `json:"lastAction,omitempty"`
	LastUpdated        *time.Time   `json:"lastUpdated,omitempty"`
	TailHash           string       `json:"tailHash,omitempty"`
}

// NewRecorder creates a recorder over s.
func NewRecorder(s store.Store, opts Options) *Recorder {
	if opts.Locks == nil {
		opts.Locks = lock.NewManager(0)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.AppendRetries < 0 {
		opts.AppendRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 20 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Recorder{
		store: s,
		opts:  opts,
		log:   opts.Logger.WithFields(map[string]any{"component": "recorder"}),
	}
}

func (r *Recorder) validate(req *RecordRequest) error {
	req.LotID = lotid.Normalize(req.LotID)
	if err := lotid.Validate(req.LotID); err != nil {
		return err
	}
	if !req.Action.Valid() {
		return errclass.ErrEntryInvalid.WithMessagef("unknown action %q", req.Action)
	}
	req.PerformedBy = strings.TrimSpace(req.PerformedBy)
	if req.PerformedBy == "" {
		return errclass.ErrEntryInvalid.WithMessage("performedBy is required")
	}
	if req.Capacity <= 0 {
		return errclass.ErrEntryInvalid.WithMessagef("capacity must be positive, got %d", req.Capacity)
	}
	return nil
}

// Record appends one event to the lot's chain and returns the stored entry.
// An exit on an empty lot fails with errclass.ErrLotEmpty. A conditional
// append that loses a race is retried against the new tail.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (*model.LedgerEntry, error) {
	if err := r.validate(&req); err != nil {
		return nil, err
	}
	start := time.Now()

	release, err := r.opts.Locks.Acquire(ctx, req.LotID)
	if err != nil {
		r.observe(req.Action, false, start)
		return nil, err
	}
	defer release()

	var entry *model.LedgerEntry
	op := func() error {
		e, err := r.next(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := r.store.Append(ctx, e); err != nil {
			if errors.Is(err, errclass.ErrChainConflict) {
				if r.opts.Metrics != nil {
					r.opts.Metrics.RecordConflict()
				}
				r.log.Warn("append conflict, retrying", map[string]any{"lot_id": req.LotID})
				return err
			}
			return backoff.Permanent(err)
		}
		entry = e
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.opts.RetryInterval), uint64(r.opts.AppendRetries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		r.observe(req.Action, false, start)
		return nil, err
	}
	r.observe(req.Action, true, start)

	fields := map[string]any{
		"lot_id":    entry.LotID,
		"entry_id":  entry.ID,
		"action":    string(entry.Action),
		"seq":       entry.Seq,
		"occupancy": entry.OccupancyAfter,
		"hash":      entry.Hash.Short(),
	}
	if entry.IsViolation {
		fields["violation_amount"] = entry.ViolationAmount
		r.log.Warn("lot over capacity", fields)
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordViolation()
		}
		if r.opts.Alerts != nil {
			_ = r.opts.Alerts.SendOverCapacity(entry, true)
		}
	} else {
		r.log.Info("entry recorded", fields)
	}
	return entry, nil
}

// next builds the entry that would follow the lot's current tail.
func (r *Recorder) next(ctx context.Context, req RecordRequest) (*model.LedgerEntry, error) {
	tail, err := r.store.Tail(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	occupancy, prev := 0, model.GenesisHash
	if tail != nil {
		occupancy, prev = tail.OccupancyAfter, tail.Hash
	}

	switch req.Action {
	case model.ActionEntry:
		occupancy++
	case model.ActionExit:
		if occupancy == 0 {
			return nil, errclass.ErrLotEmpty.WithMessage("cannot log exit, parking lot is empty")
		}
		occupancy--
	}

	e := &model.LedgerEntry{
		ID:             r.opts.NewID(),
		LotID:          req.LotID,
		LotName:        req.LotName,
		Action:         req.Action,
		Timestamp:      r.opts.Now().UTC().Truncate(time.Millisecond),
		OccupancyAfter: occupancy,
		Capacity:       req.Capacity,
		PerformedBy:    req.PerformedBy,
		PreviousHash:   prev,
		Metadata:       req.Metadata,
	}
	if req.Action == model.ActionEntry && occupancy > req.Capacity {
		e.IsViolation = true
		e.ViolationAmount = occupancy - req.Capacity
	}

	h, err := chain.HashEntry(e)
	if err != nil {
		return nil, err
	}
	e.Hash = h
	return e, nil
}

func (r *Recorder) observe(action model.Action, ok bool, start time.Time) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordAppend(string(action), ok, time.Since(start))
	}
}

// Enrich attaches fee and duration to an exit entry. The entry's hash and
// chain position are unaffected; with a journal configured the change is
// recorded there instead.
func (r *Recorder) Enrich(ctx context.Context, entryID string, en model.Enrichment) error {
	if err := en.Validate(); err != nil {
		return err
	}
	if err := r.store.Enrich(ctx, entryID, en); err != nil {
		return err
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordEnrichment()
	}
	r.log.Info("entry enriched", map[string]any{
		"entry_id":         entryID,
		"fee":              en.Fee.StringFixed(2),
		"duration_minutes": en.DurationMinutes,
	})

	if r.opts.Journal == nil {
		return nil
	}
	// The enrichment is already stored; a failure here leaves it without a
	// journal record, which the doctor reports.
	e, err := r.store.Get(ctx, entryID)
	if err == nil {
		err = r.opts.Journal.Append(audit.EventEntryEnriched, e.LotID, entryID, map[string]any{
			"fee":             en.Fee.StringFixed(2),
			"durationMinutes": en.DurationMinutes,
			"exitTime":        canonical.FormatTime(en.ExitTime),
		})
	}
	if err != nil {
		r.log.ErrorErr("enrichment stored without journal record", err, map[string]any{
			"entry_id": entryID,
		})
		return fmt.Errorf("journal enrichment: %w", err)
	}
	return nil
}

// Status reports a lot's occupancy. A non-positive capacity falls back to
// the capacity recorded on the tail entry.
func (r *Recorder) Status(ctx context.Context, lotID string, capacity int) (*LotStatus, error) {
	lotID = lotid.Normalize(lotID)
	if err := lotid.Validate(lotID); err != nil {
		return nil, err
	}
	tail, err := r.store.Tail(ctx, lotID)
	if err != nil {
		return nil, err
	}

	st := &LotStatus{LotID: lotID, MaxCapacity: capacity}
	if tail != nil {
		st.LotName = tail.LotName
		st.CurrentOccupancy = tail.OccupancyAfter
		st.LastAction = tail.Action
		ts := tail.Timestamp
		st.LastUpdated = &ts
		st.TailHash = string(tail.Hash)
		if st.MaxCapacity <= 0 {
			st.MaxCapacity = tail.Capacity
		}
	}
	if st.MaxCapacity > 0 {
		st.IsOverCapacity = st.CurrentOccupancy > st.MaxCapacity
		st.UtilizationPercent = int(math.Round(float64(st.CurrentOccupancy) / float64(st.MaxCapacity) * 100))
	}
	return st, nil
}
