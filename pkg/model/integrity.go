package model

import "time"

// FaultReason names a structural integrity fault.
type FaultReason string

const (
	ReasonGenesisMismatch FaultReason = "GENESIS_MISMATCH"
	ReasonChainBreak      FaultReason = "CHAIN_BREAK"
	ReasonHashMismatch    FaultReason = "HASH_MISMATCH"
)

// ChainVerificationResult describes the first structural fault of a chain,
// or its validity.
type ChainVerificationResult struct {
	Valid           bool        `json:"valid"`
	Message         string      `json:"message"`
	Reason          FaultReason `json:"reason,omitempty"`
	BrokenAtIndex   *int        `json:"brokenAtIndex,omitempty"`
	Expected        HashValue   `json:"expected,omitempty"`
	Found           HashValue   `json:"found,omitempty"`
	EntryID         string      `json:"entryId,omitempty"`
	EntriesVerified int         `json:"entriesVerified,omitempty"`
}

// BrokenAt returns the index of the fault, if any.
func (r ChainVerificationResult) BrokenAt() (int, bool) {
	if r.BrokenAtIndex == nil {
		return 0, false
	}
	return *r.BrokenAtIndex, true
}

// AnomalyType names a suspicious timestamp pattern.
type AnomalyType string

const (
	AnomalyBackdate        AnomalyType = "BACKDATE"
	AnomalyTimeGap         AnomalyType = "TIME_GAP"
	AnomalyFutureTimestamp AnomalyType = "FUTURE_TIMESTAMP"
)

// Anomaly is an advisory timestamp finding. It is not proof of tampering.
type Anomaly struct {
	Type     AnomalyType `json:"type"`
	Index    int         `json:"index"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
	Hours    float64     `json:"hours,omitempty"`
	EntryID  string      `json:"entryId,omitempty"`
}

// Gap is a broken previous-hash link.
type Gap struct {
	Index    int       `json:"index"`
	Expected HashValue `json:"expected"`
	Found    HashValue `json:"found"`
	EntryID  string    `json:"entryId,omitempty"`
}

// IntegrityReport bundles every check run over one lot's chain.
type IntegrityReport struct {
	LotID              string                  `json:"lotId"`
	Healthy            bool                    `json:"healthy"`
	ChainIntegrity     ChainVerificationResult `json:"chainIntegrity"`
	TimestampAnomalies []Anomaly               `json:"timestampAnomalies"`
	Gaps               []Gap                   `json:"gaps"`
	TotalEntries       int                     `json:"totalEntries"`
	VerifiedAt         time.Time               `json:"verifiedAt"`
}

// Tampered reports whether the report holds structural faults.
func (r *IntegrityReport) Tampered() bool {
	return !r.ChainIntegrity.Valid || len(r.Gaps) > 0
}

// TrailEntry is an audit-trail row: an entry plus whether it links to its
// predecessor.
type TrailEntry struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	Action       Action    `json:"action"`
	Occupancy    int       `json:"occupancy"`
	Capacity     int       `json:"capacity"`
	PerformedBy  string    `json:"performedBy"`
	Hash         HashValue `json:"hash"`
	PreviousHash HashValue `json:"previousHash"`
	Verified     bool      `json:"verified"`
	IsViolation  bool      `json:"isViolation"`
}
