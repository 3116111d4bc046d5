// Package verify runs integrity checks over stored lot chains and raises
// alerts when a chain has been tampered with.
package verify

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parkaudit/parkaudit/internal/chain"
	"github.com/parkaudit/parkaudit/internal/store"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/logging"
	"github.com/parkaudit/parkaudit/pkg/lotid"
	"github.com/parkaudit/parkaudit/pkg/metrics"
	"github.com/parkaudit/parkaudit/pkg/model"
	"github.com/parkaudit/parkaudit/pkg/webhook"
)

// Options configures a Verifier. Zero values take defaults.
type Options struct {
	MaxGap      time.Duration
	FutureSkew  time.Duration
	Concurrency int
	Metrics     *metrics.Registry
	Alerts      *webhook.Client
	Logger      *logging.Logger
	Now         func() time.Time
}

// Verifier produces integrity reports from a store.
type Verifier struct {
	store store.Store
	opts  Options
	log   *logging.Logger
}

// Summary is the result of verifying every lot.
type Summary struct {
	Reports      []*model.IntegrityReport `json:"reports"`
	Failed       map[string]string        `json:"failed,omitempty"`
	TotalLots    int                      `json:"totalLots"`
	TamperedLots int                      `json:"tamperedLots"`
	TotalEntries int                      `json:"totalEntries"`
	Anomalies    int                      `json:"anomalies"`
	Healthy      bool                     `json:"healthy"`
	VerifiedAt   time.Time                `json:"verifiedAt"`
}

// Trail is a lot's audit trail with per-entry linkage flags.
type Trail struct {
	LotID        string             `json:"parkingLotId"`
	AuditTrail   []model.TrailEntry `json:"auditTrail"`
	TotalEntries int                `json:"totalEntries"`
}

// NewVerifier creates a verifier over s.
func NewVerifier(s store.Store, opts Options) *Verifier {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Verifier{
		store: s,
		opts:  opts,
		log:   opts.Logger.WithFields(map[string]any{"component": "verify"}),
	}
}

// VerifyLot reads one snapshot of the lot's chain and runs every check over
// it. Storage failures are returned as errors, never reported as tampering.
func (v *Verifier) VerifyLot(ctx context.Context, lotID string) (*model.IntegrityReport, error) {
	lotID = lotid.Normalize(lotID)
	if err := lotid.Validate(lotID); err != nil {
		return nil, err
	}
	start := time.Now()

	entries, err := v.store.Entries(ctx, lotID)
	if err != nil {
		v.log.ErrorErr("verification failed", err, map[string]any{"lot_id": lotID})
		if v.opts.Metrics != nil {
			v.opts.Metrics.RecordVerification("error", time.Since(start), 0, nil)
		}
		if v.opts.Alerts != nil {
			_ = v.opts.Alerts.SendVerifyFailed(lotID, err.Error(), true)
		}
		return nil, err
	}

	now := v.opts.Now()
	report := &model.IntegrityReport{
		LotID:          lotID,
		ChainIntegrity: chain.VerifyChain(entries),
		TimestampAnomalies: chain.DetectTimestampAnomalies(entries, chain.AnomalyOptions{
			Now:        now,
			MaxGap:     v.opts.MaxGap,
			FutureSkew: v.opts.FutureSkew,
		}),
		Gaps:         chain.FindGaps(entries),
		TotalEntries: len(entries),
		VerifiedAt:   now.UTC(),
	}
	report.Healthy = !report.Tampered()

	v.observe(report, time.Since(start))
	v.alert(report)
	return report, nil
}

func (v *Verifier) observe(report *model.IntegrityReport, d time.Duration) {
	fields := map[string]any{
		"lot_id":    report.LotID,
		"entries":   report.TotalEntries,
		"gaps":      len(report.Gaps),
		"anomalies": len(report.TimestampAnomalies),
	}
	result := "valid"
	if report.Tampered() {
		result = "tampered"
		fields["reason"] = string(report.ChainIntegrity.Reason)
		if at, ok := report.ChainIntegrity.BrokenAt(); ok {
			fields["broken_at"] = at
		}
		v.log.Error("chain tampering detected", fields)
	} else {
		v.log.Debug("chain verified", fields)
	}

	if v.opts.Metrics != nil {
		byType := map[string]int{}
		for _, a := range report.TimestampAnomalies {
			byType[string(a.Type)]++
		}
		v.opts.Metrics.RecordVerification(result, d, len(report.Gaps), byType)
	}
}

func (v *Verifier) alert(report *model.IntegrityReport) {
	a := v.opts.Alerts
	if a == nil {
		return
	}
	if !report.ChainIntegrity.Valid {
		_ = a.SendTampered(report, true)
	}
	if len(report.Gaps) > 0 {
		_ = a.SendGaps(report.LotID, report.Gaps, true)
	}
	if len(report.TimestampAnomalies) > 0 {
		_ = a.SendAnomalies(report.LotID, report.TimestampAnomalies, true)
	}
	if report.Healthy {
		_ = a.SendVerifyComplete(report.LotID, report.TotalEntries, true)
	}
}

// VerifyAll verifies every lot concurrently. A lot whose chain cannot be
// read is listed in Summary.Failed; the others are still verified.
func (v *Verifier) VerifyAll(ctx context.Context) (*Summary, error) {
	lots, err := v.store.Lots(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	sum := &Summary{
		Reports: make([]*model.IntegrityReport, 0, len(lots)),
		Failed:  map[string]string{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Concurrency)
	for _, lot := range lots {
		lot := lot
		g.Go(func() error {
			report, err := v.VerifyLot(gctx, lot)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				sum.Failed[lot] = err.Error()
				return nil
			}
			sum.Reports = append(sum.Reports, report)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(sum.Reports, func(i, j int) bool {
		return sum.Reports[i].LotID < sum.Reports[j].LotID
	})
	sum.TotalLots = len(lots)
	for _, r := range sum.Reports {
		sum.TotalEntries += r.TotalEntries
		sum.Anomalies += len(r.TimestampAnomalies)
		if r.Tampered() {
			sum.TamperedLots++
		}
	}
	sum.Healthy = sum.TamperedLots == 0 && len(sum.Failed) == 0
	sum.VerifiedAt = v.opts.Now().UTC()
	if len(sum.Failed) == 0 {
		sum.Failed = nil
	}
	return sum, nil
}

// AuditTrail returns the lot's entries in insertion order, each flagged with
// whether it links to its predecessor. Linkage is computed on the full chain
// before the optional [from, to] window is applied, so an entry's flag does
// not depend on the window.
func (v *Verifier) AuditTrail(ctx context.Context, lotID string, from, to *time.Time) (*Trail, error) {
	lotID = lotid.Normalize(lotID)
	if err := lotid.Validate(lotID); err != nil {
		return nil, err
	}
	entries, err := v.store.Entries(ctx, lotID)
	if err != nil {
		return nil, err
	}

	trail := &Trail{LotID: lotID, AuditTrail: []model.TrailEntry{}}
	for i := range entries {
		e := &entries[i]
		if from != nil && e.Timestamp.Before(*from) {
			continue
		}
		if to != nil && e.Timestamp.After(*to) {
			continue
		}
		trail.AuditTrail = append(trail.AuditTrail, model.TrailEntry{
			ID:           e.ID,
			Seq:          e.Seq,
			Timestamp:    e.Timestamp,
			Action:       e.Action,
			Occupancy:    e.OccupancyAfter,
			Capacity:     e.Capacity,
			PerformedBy:  e.PerformedBy,
			Hash:         e.Hash,
			PreviousHash: e.PreviousHash,
			Verified:     chain.Linked(entries, i),
			IsViolation:  e.IsViolation,
		})
	}
	trail.TotalEntries = len(trail.AuditTrail)
	return trail, nil
}

// ParseBound parses an audit-trail window bound given as an RFC 3339
// timestamp or a bare date (midnight UTC). An empty string is no bound.
func ParseBound(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errclass.ErrEntryInvalid.WithMessagef("invalid %s %q", name, raw)
}

// Run sweeps every lot immediately and then once per interval until ctx is
// done. A non-positive interval runs a single sweep.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		v.sweep(ctx)
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (v *Verifier) sweep(ctx context.Context) {
	sum, err := v.VerifyAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			v.log.ErrorErr("scheduled verification failed", err)
		}
		return
	}
	fields := map[string]any{
		"lots":      sum.TotalLots,
		"tampered":  sum.TamperedLots,
		"entries":   sum.TotalEntries,
		"anomalies": sum.Anomalies,
		"failed":    len(sum.Failed),
	}
	if sum.Healthy {
		v.log.Info("scheduled verification complete", fields)
	} else {
		v.log.Warn("scheduled verification found problems", fields)
	}
}
