// Package chain computes and verifies the per-lot hash chain of the parking
// ledger. Everything here is pure: no I/O, no clocks unless passed in.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/parkaudit/parkaudit/pkg/canonical"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/model"
)

// hashPayload is the wire form of the hashed tuple. Its JSON keys and the
// timestamp layout are part of the ledger format.
type hashPayload struct {
	LotID          string          `json:"lotId"`
	Action         model.Action    `json:"action"`
	Timestamp      string          `json:"timestamp"`
	OccupancyAfter int             `json:"occupancyAfter"`
	Capacity       int             `json:"capacity"`
	PerformedBy    string          `json:"performedBy"`
	PreviousHash   model.HashValue `json:"previousHash"`
}

// ComputeHash returns the SHA-256 fingerprint of content linked to
// previousHash. An empty previousHash means genesis.
func ComputeHash(content model.HashableContent, previousHash model.HashValue) (model.HashValue, error) {
	if err := ValidateContent(content); err != nil {
		return "", err
	}
	if previousHash == "" {
		previousHash = model.GenesisHash
	}

	data, err := canonical.Marshal(hashPayload{
		LotID:          content.LotID,
		Action:         content.Action,
		Timestamp:      canonical.FormatTime(content.Timestamp),
		OccupancyAfter: content.OccupancyAfter,
		Capacity:       content.Capacity,
		PerformedBy:    content.PerformedBy,
		PreviousHash:   previousHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode hash input: %w", err)
	}

	sum := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(sum[:])), nil
}

// HashEntry hashes e's content against its stored previous hash.
func HashEntry(e *model.LedgerEntry) (model.HashValue, error) {
	return ComputeHash(e.Content(), e.PreviousHash)
}

// ValidateContent rejects content that cannot be hashed meaningfully.
// Strings must be valid UTF-8 and the timestamp must sit on a millisecond
// boundary, otherwise two distinct inputs would share one encoding.
func ValidateContent(c model.HashableContent) error {
	switch {
	case c.LotID == "":
		return errclass.ErrEntryInvalid.WithMessage("lot id is required")
	case !utf8.ValidString(c.LotID):
		return errclass.ErrEntryInvalid.WithMessage("lot id is not valid UTF-8")
	case !c.Action.Valid():
		return errclass.ErrEntryInvalid.WithMessagef("unknown action %q", c.Action)
	case c.Timestamp.IsZero():
		return errclass.ErrEntryInvalid.WithMessage("timestamp is required")
	case !c.Timestamp.Equal(c.Timestamp.Truncate(time.Millisecond)):
		return errclass.ErrEntryInvalid.WithMessage("timestamp has sub-millisecond precision")
	case c.OccupancyAfter < 0:
		return errclass.ErrEntryInvalid.WithMessagef("occupancy %d is negative", c.OccupancyAfter)
	case c.PerformedBy == "":
		return errclass.ErrEntryInvalid.WithMessage("performedBy is required")
	case !utf8.ValidString(c.PerformedBy):
		return errclass.ErrEntryInvalid.WithMessage("performedBy is not valid UTF-8")
	}
	return nil
}
