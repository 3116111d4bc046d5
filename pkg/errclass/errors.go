package errclass

import "fmt"

// LedgerError is a stable, machine-readable error class.
type LedgerError struct {
	Code    string
	Message string
}

func (e *LedgerError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new LedgerError with the same Code but a specific message.
func (e *LedgerError) WithMessage(msg string) *LedgerError {
	return &LedgerError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new LedgerError with a formatted message.
func (e *LedgerError) WithMessagef(format string, args ...any) *LedgerError {
	return &LedgerError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Stable error classes. Integrity faults found by verification are not
// errors; ErrAuditChainBroken is only returned by callers that choose to
// turn a failed report into an error (CLI exit paths).
var (
	ErrEntryInvalid       = &LedgerError{Code: "E_ENTRY_INVALID"}
	ErrLotInvalid         = &LedgerError{Code: "E_LOT_INVALID"}
	ErrLotEmpty           = &LedgerError{Code: "E_LOT_EMPTY"}
	ErrChainConflict      = &LedgerError{Code: "E_CHAIN_CONFLICT"}
	ErrEntryNotFound      = &LedgerError{Code: "E_ENTRY_NOT_FOUND"}
	ErrEnrichRejected     = &LedgerError{Code: "E_ENRICH_REJECTED"}
	ErrStoreUnavailable   = &LedgerError{Code: "E_STORE_UNAVAILABLE"}
	ErrLockTimeout        = &LedgerError{Code: "E_LOCK_TIMEOUT"}
	ErrBackendUnsupported = &LedgerError{Code: "E_BACKEND_UNSUPPORTED"}
	ErrConfigInvalid      = &LedgerError{Code: "E_CONFIG_INVALID"}
	ErrAuditChainBroken   = &LedgerError{Code: "E_AUDIT_CHAIN_BROKEN"}
)
