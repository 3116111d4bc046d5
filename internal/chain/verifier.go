package chain

import (
	"fmt"
	"math"
	"time"

	"github.com/parkaudit/parkaudit/pkg/model"
)

// Default anomaly thresholds.
const (
	DefaultMaxGap     = 24 * time.Hour
	DefaultFutureSkew = 5 * time.Minute
)

// VerifyChain checks genesis, linkage and per-entry hashes of entries,
// which must be in insertion order. It stops at the first fault.
func VerifyChain(entries []model.LedgerEntry) model.ChainVerificationResult {
	if len(entries) == 0 {
		return model.ChainVerificationResult{Valid: true, Message: "no entries"}
	}

	if !hashMatches(&entries[0], model.GenesisHash) {
		return model.ChainVerificationResult{
			Message:       "genesis entry hash mismatch",
			Reason:        model.ReasonGenesisMismatch,
			BrokenAtIndex: intPtr(0),
			EntryID:       entries[0].ID,
		}
	}

	for i := 1; i < len(entries); i++ {
		prev, cur := &entries[i-1], &entries[i]

		if cur.PreviousHash != prev.Hash {
			return model.ChainVerificationResult{
				Message:       "chain broken: previous hash mismatch",
				Reason:        model.ReasonChainBreak,
				BrokenAtIndex: intPtr(i),
				Expected:      prev.Hash,
				Found:         cur.PreviousHash,
			}
		}

		if !hashMatches(cur, cur.PreviousHash) {
			return model.ChainVerificationResult{
				Message:       "hash verification failed",
				Reason:        model.ReasonHashMismatch,
				BrokenAtIndex: intPtr(i),
				EntryID:       cur.ID,
			}
		}
	}

	return model.ChainVerificationResult{
		Valid:           true,
		Message:         "chain integrity verified",
		EntriesVerified: len(entries),
	}
}

// hashMatches recomputes e's hash against previousHash. Content that cannot
// be hashed at all counts as a mismatch: stored data is evidence, not input
// to be rejected.
func hashMatches(e *model.LedgerEntry, previousHash model.HashValue) bool {
	h, err := ComputeHash(e.Content(), previousHash)
	return err == nil && h == e.Hash
}

// AnomalyOptions tunes DetectTimestampAnomalies. Zero fields take defaults.
type AnomalyOptions struct {
	Now        time.Time
	MaxGap     time.Duration
	FutureSkew time.Duration
}

func (o AnomalyOptions) withDefaults() AnomalyOptions {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.MaxGap <= 0 {
		o.MaxGap = DefaultMaxGap
	}
	if o.FutureSkew <= 0 {
		o.FutureSkew = DefaultFutureSkew
	}
	return o
}

// DetectTimestampAnomalies reports every backdated entry, oversized gap and
// future timestamp across adjacent pairs of entries. Checks are independent;
// one pair can yield several anomalies.
func DetectTimestampAnomalies(entries []model.LedgerEntry, opts AnomalyOptions) []model.Anomaly {
	opts = opts.withDefaults()
	anomalies := []model.Anomaly{}

	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1].Timestamp, entries[i].Timestamp
		id := entries[i].ID

		if cur.Before(prev) {
			anomalies = append(anomalies, model.Anomaly{
				Type:     model.AnomalyBackdate,
				Index:    i,
				Severity: model.SeverityHigh,
				Message:  "entry timestamp is before previous entry",
				EntryID:  id,
			})
		}

		if gap := cur.Sub(prev); gap > opts.MaxGap {
			hours := math.Round(gap.Hours()*10) / 10
			anomalies = append(anomalies, model.Anomaly{
				Type:     model.AnomalyTimeGap,
				Index:    i,
				Severity: model.SeverityMedium,
				Message:  fmt.Sprintf("%.1f hour gap between entries", gap.Hours()),
				Hours:    hours,
				EntryID:  id,
			})
		}

		if cur.Sub(opts.Now) > opts.FutureSkew {
			anomalies = append(anomalies, model.Anomaly{
				Type:     model.AnomalyFutureTimestamp,
				Index:    i,
				Severity: model.SeverityHigh,
				Message:  "entry timestamp is in the future",
				EntryID:  id,
			})
		}
	}

	return anomalies
}

// FindGaps lists every broken previous-hash link, without stopping at the
// first one.
func FindGaps(entries []model.LedgerEntry) []model.Gap {
	gaps := []model.Gap{}
	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousHash != entries[i-1].Hash {
			gaps = append(gaps, model.Gap{
				Index:    i,
				Expected: entries[i-1].Hash,
				Found:    entries[i].PreviousHash,
				EntryID:  entries[i].ID,
			})
		}
	}
	return gaps
}

// Linked reports whether entries[i] links to its predecessor. The first
// entry is linked when it claims genesis.
func Linked(entries []model.LedgerEntry, i int) bool {
	if i == 0 {
		return entries[0].PreviousHash == model.GenesisHash
	}
	return entries[i].PreviousHash == entries[i-1].Hash
}

func intPtr(i int) *int { return &i }
