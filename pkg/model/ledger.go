package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/parkaudit/parkaudit/pkg/errclass"
)

// LedgerEntry is one parking event in a lot's hash chain.
//
// Only the fields projected by Content participate in the hash. Timestamp,
// PreviousHash and Hash are immutable once the entry is stored; the
// enrichment fields (Fee, DurationMinutes, ExitTime) may be attached later.
type LedgerEntry struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	LotID          string    `json:"lotId"`
	LotName        string    `json:"lotName,omitempty"`
	Action         Action    `json:"action"`
	Timestamp      time.Time `json:"timestamp"`
	OccupancyAfter int       `json:"occupancyAfter"`
	Capacity       int       `json:"capacity"`
	PerformedBy    string    `json:"performedBy"`
	PreviousHash   HashValue `json:"previousHash"`
	Hash           HashValue `json:"hash"`

	IsViolation     bool `json:"isViolation"`
	ViolationAmount int  `json:"violationAmount"`

	// Placeholders for signing and external timestamping; never populated
	// by this system.
	Signature        string            `json:"signature,omitempty"`
	TrustedTimestamp *TrustedTimestamp `json:"trustedTimestamp,omitempty"`

	Metadata *EntryMetadata `json:"metadata,omitempty"`

	Fee             *decimal.Decimal `json:"fee,omitempty"`
	DurationMinutes *int             `json:"durationMinutes,omitempty"`
	ExitTime        *time.Time       `json:"exitTime,omitempty"`
}

// HashableContent is the exact tuple the chain hash is computed over,
// together with the previous hash. Adding a field here changes every hash in
// every ledger.
type HashableContent struct {
	LotID          string
	Action         Action
	Timestamp      time.Time
	OccupancyAfter int
	Capacity       int
	PerformedBy    string
}

// Content returns the hashed projection of e.
func (e *LedgerEntry) Content() HashableContent {
	return HashableContent{
		LotID:          e.LotID,
		Action:         e.Action,
		Timestamp:      e.Timestamp,
		OccupancyAfter: e.OccupancyAfter,
		Capacity:       e.Capacity,
		PerformedBy:    e.PerformedBy,
	}
}

// IsGenesis reports whether e claims to be the first entry of its lot.
func (e *LedgerEntry) IsGenesis() bool {
	return e.PreviousHash == GenesisHash
}

// TrustedTimestamp mirrors the response shape of a public time authority.
type TrustedTimestamp struct {
	UnixTime    int64  `json:"unixtime,omitempty"`
	UTCDateTime string `json:"utc_datetime,omitempty"`
	Source      string `json:"source,omitempty"`
}

// EntryMetadata is request context captured with an event.
type EntryMetadata struct {
	IPAddress   string       `json:"ipAddress,omitempty"`
	UserAgent   string       `json:"userAgent,omitempty"`
	Geolocation *Geolocation `json:"geolocation,omitempty"`
}

// Geolocation is where the contractor device reported itself.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Enrichment holds values computed out of band for an exit entry.
type Enrichment struct {
	Fee             decimal.Decimal `json:"fee"`
	DurationMinutes int             `json:"durationMinutes"`
	ExitTime        time.Time       `json:"exitTime"`
}

// Validate rejects negative fees or durations and a missing exit time.
func (en Enrichment) Validate() error {
	if en.Fee.IsNegative() {
		return errclass.ErrEnrichRejected.WithMessage("fee must not be negative")
	}
	if en.DurationMinutes < 0 {
		return errclass.ErrEnrichRejected.WithMessage("duration must not be negative")
	}
	if en.ExitTime.IsZero() {
		return errclass.ErrEnrichRejected.WithMessage("exit time is required")
	}
	return nil
}

// Apply copies the enrichment onto e. Hashed fields are untouched.
func (en Enrichment) Apply(e *LedgerEntry) {
	fee := en.Fee
	dur := en.DurationMinutes
	exit := en.ExitTime.UTC()
	e.Fee = &fee
	e.DurationMinutes = &dur
	e.ExitTime = &exit
}
