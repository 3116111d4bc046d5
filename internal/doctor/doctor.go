package doctor

import (
	"context"
	"fmt"
	"time"

	"github.com/parkaudit/parkaudit/internal/audit"
	"github.com/parkaudit/parkaudit/internal/chain"
	"github.com/parkaudit/parkaudit/internal/store"
	"github.com/parkaudit/parkaudit/pkg/model"
)

// Finding categories.
const (
	CategoryStore     = "store"
	CategoryIntegrity = "integrity"
	CategoryFork      = "fork"
	CategoryOccupancy = "occupancy"
	CategoryViolation = "violation"
	CategoryJournal   = "journal"
)

// Finding severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	LotID       string `json:"lotId,omitempty"`
	EntryID     string `json:"entryId,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy     bool      `json:"healthy"`
	LotsChecked int       `json:"lotsChecked"`
	Findings    []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

// Options tunes the anomaly thresholds. Zero values take the chain defaults.
// A nil Journal skips the journal check.
type Options struct {
	MaxGap     time.Duration
	FutureSkew time.Duration
	Now        func() time.Time
	Journal    *audit.Journal
}

// Doctor performs ledger health checks.
type Doctor struct {
	store store.Store
	opts  Options
}

// NewDoctor creates a new doctor.
func NewDoctor(s store.Store, opts Options) *Doctor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Doctor{store: s, opts: opts}
}

// Check runs all diagnostic checks over every lot.
func (d *Doctor) Check(ctx context.Context) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	lots, err := d.store.Lots(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.add(Finding{
			Category:    CategoryStore,
			Description: fmt.Sprintf("store unreachable: %v", err),
			Severity:    SeverityCritical,
		})
		return result, nil
	}

	var enriched []model.LedgerEntry
	for _, lot := range lots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := d.store.Entries(ctx, lot)
		if err != nil {
			result.add(Finding{
				Category:    CategoryStore,
				Description: fmt.Sprintf("cannot read chain: %v", err),
				Severity:    SeverityCritical,
				LotID:       lot,
			})
			continue
		}
		result.LotsChecked++

		d.checkIntegrity(result, lot, entries)
		d.checkForks(result, lot, entries)
		d.checkOccupancy(result, lot, entries)
		d.checkViolation(result, lot, entries)
		for _, e := range entries {
			if e.Fee != nil || e.DurationMinutes != nil {
				enriched = append(enriched, e)
			}
		}
	}
	d.checkJournal(result, enriched)

	return result, nil
}

func (d *Doctor) checkIntegrity(result *Result, lot string, entries []model.LedgerEntry) {
	ci := chain.VerifyChain(entries)
	if !ci.Valid {
		desc := ci.Message
		if at, ok := ci.BrokenAt(); ok {
			desc = fmt.Sprintf("%s (%s at index %d)", ci.Message, ci.Reason, at)
		}
		result.add(Finding{
			Category:    CategoryIntegrity,
			Description: desc,
			Severity:    SeverityCritical,
			LotID:       lot,
			EntryID:     ci.EntryID,
		})
	}

	for _, g := range chain.FindGaps(entries) {
		result.add(Finding{
			Category:    CategoryIntegrity,
			Description: fmt.Sprintf("gap at index %d: expected previous hash %s, found %s", g.Index, g.Expected.Short(), g.Found.Short()),
			Severity:    SeverityCritical,
			LotID:       lot,
			EntryID:     g.EntryID,
		})
	}

	anomalies := chain.DetectTimestampAnomalies(entries, chain.AnomalyOptions{
		Now:        d.opts.Now(),
		MaxGap:     d.opts.MaxGap,
		FutureSkew: d.opts.FutureSkew,
	})
	for _, a := range anomalies {
		result.add(Finding{
			Category:    CategoryIntegrity,
			Description: fmt.Sprintf("%s at index %d: %s", a.Type, a.Index, a.Message),
			Severity:    SeverityWarning,
			LotID:       lot,
			EntryID:     a.EntryID,
		})
	}
}

// checkForks reports entries that claim the same predecessor. The stores
// refuse to create them, so any fork was written behind the store's back.
func (d *Doctor) checkForks(result *Result, lot string, entries []model.LedgerEntry) {
	seen := make(map[model.HashValue]string, len(entries))
	for _, e := range entries {
		if first, ok := seen[e.PreviousHash]; ok {
			result.add(Finding{
				Category:    CategoryFork,
				Description: fmt.Sprintf("entries %s and %s share previous hash %s", first, e.ID, e.PreviousHash.Short()),
				Severity:    SeverityCritical,
				LotID:       lot,
				EntryID:     e.ID,
			})
			continue
		}
		seen[e.PreviousHash] = e.ID
	}
}

// checkOccupancy reports occupancy steps other than +1 for an entry and -1
// for an exit.
func (d *Doctor) checkOccupancy(result *Result, lot string, entries []model.LedgerEntry) {
	prev := 0
	for i, e := range entries {
		want := prev + 1
		if e.Action == model.ActionExit {
			want = prev - 1
		}
		if e.OccupancyAfter != want {
			result.add(Finding{
				Category:    CategoryOccupancy,
				Description: fmt.Sprintf("index %d: %s left occupancy %d, expected %d", i, e.Action, e.OccupancyAfter, want),
				Severity:    SeverityWarning,
				LotID:       lot,
				EntryID:     e.ID,
			})
		}
		prev = e.OccupancyAfter
	}
}

func (d *Doctor) checkViolation(result *Result, lot string, entries []model.LedgerEntry) {
	if len(entries) == 0 {
		return
	}
	tail := entries[len(entries)-1]
	if tail.OccupancyAfter > tail.Capacity {
		result.add(Finding{
			Category:    CategoryViolation,
			Description: fmt.Sprintf("occupancy %d exceeds capacity %d", tail.OccupancyAfter, tail.Capacity),
			Severity:    SeverityInfo,
			LotID:       lot,
			EntryID:     tail.ID,
		})
	}
}

// checkJournal verifies the journal chain and, when it holds, that every
// enriched entry matches its latest entry.enriched record.
func (d *Doctor) checkJournal(result *Result, enriched []model.LedgerEntry) {
	if d.opts.Journal == nil {
		return
	}
	if _, err := d.opts.Journal.Verify(); err != nil {
		result.add(Finding{
			Category:    CategoryJournal,
			Description: err.Error(),
			Severity:    SeverityCritical,
		})
		return
	}
	records, err := d.opts.Journal.Records()
	if err != nil {
		result.add(Finding{
			Category:    CategoryJournal,
			Description: fmt.Sprintf("cannot read journal: %v", err),
			Severity:    SeverityCritical,
		})
		return
	}

	latest := make(map[string]audit.Record)
	for _, r := range records {
		if r.Event == audit.EventEntryEnriched {
			latest[r.EntryID] = r
		}
	}
	for _, e := range enriched {
		rec, ok := latest[e.ID]
		if !ok {
			result.add(Finding{
				Category:    CategoryJournal,
				Description: "enrichment has no journal record",
				Severity:    SeverityWarning,
				LotID:       e.LotID,
				EntryID:     e.ID,
			})
			continue
		}
		if field, ok := enrichmentMatches(&e, rec); !ok {
			result.add(Finding{
				Category:    CategoryJournal,
				Description: fmt.Sprintf("stored %s differs from journal record %d", field, rec.Seq),
				Severity:    SeverityCritical,
				LotID:       e.LotID,
				EntryID:     e.ID,
			})
		}
	}
}

// enrichmentMatches compares the stored enrichment with a journal record and
// names the first field that differs.
func enrichmentMatches(e *model.LedgerEntry, rec audit.Record) (string, bool) {
	fee := ""
	if e.Fee != nil {
		fee = e.Fee.StringFixed(2)
	}
	if fee != fmt.Sprint(rec.Details["fee"]) {
		return "fee", false
	}
	logged, ok := rec.Details["durationMinutes"].(float64)
	if !ok || e.DurationMinutes == nil || float64(*e.DurationMinutes) != logged {
		return "duration", false
	}
	return "", true
}
