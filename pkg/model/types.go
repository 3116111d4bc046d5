package model

// HashValue is a SHA-256 hash stored as lowercase hex string.
type HashValue string

// GenesisHash is the previous-hash sentinel of the first entry of a lot.
const GenesisHash HashValue = "0"

// Short returns the first 16 characters of h followed by an ellipsis, the
// form shown to contractors after an append.
func (h HashValue) Short() string {
	if len(h) <= 16 {
		return string(h)
	}
	return string(h[:16]) + "..."
}

// Action identifies the kind of parking event.
type Action string

const (
	ActionEntry Action = "entry"
	ActionExit  Action = "exit"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionEntry || a == ActionExit
}

// Severity grades integrity anomalies.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
)
