// Package lotid validates parking lot identifiers. Lot IDs become file
// names and key prefixes in the stores, so they are restricted to a safe
// alphabet.
package lotid

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/parkaudit/parkaudit/pkg/errclass"
)

// MaxLength bounds lot IDs; the SQL schema uses varchar(64).
const MaxLength = 64

var lotRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Normalize returns the NFC form of id with surrounding space removed.
func Normalize(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// Validate checks lot ID safety.
func Validate(id string) error {
	if id == "" {
		return errclass.ErrLotInvalid.WithMessage("lot id must not be empty")
	}

	id = norm.NFC.String(id)

	if len(id) > MaxLength {
		return errclass.ErrLotInvalid.WithMessagef("lot id longer than %d bytes", MaxLength)
	}

	if strings.Contains(id, "..") {
		return errclass.ErrLotInvalid.WithMessagef("lot id must not contain '..': %s", id)
	}

	if strings.ContainsAny(id, "/\\") {
		return errclass.ErrLotInvalid.WithMessagef("lot id must not contain separators: %s", id)
	}

	for _, r := range id {
		if unicode.IsControl(r) {
			return errclass.ErrLotInvalid.WithMessagef("lot id must not contain control characters: %q", id)
		}
	}

	if !lotRegex.MatchString(id) {
		return errclass.ErrLotInvalid.WithMessagef("lot id must match [a-zA-Z0-9._-]+: %s", id)
	}

	return nil
}
