// Package eventlog keeps the bounded, newest-first event log shown to the rider.
package eventlog

// BufferFullBehavior defines the behavior when the log is full
type BufferFullBehavior int

const (
	// DropOldest evicts the oldest entry to make room for a new one
	DropOldest BufferFullBehavior = iota
	// DropNewest discards the incoming entry when the log is full
	DropNewest
)

// String returns the string representation of the BufferFullBehavior
func (b BufferFullBehavior) String() string {
	switch b {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParseBufferFullBehavior maps a config value to a behavior, defaulting to DropOldest
func ParseBufferFullBehavior(s string) BufferFullBehavior {
	if s == DropNewest.String() {
		return DropNewest
	}
	return DropOldest
}
