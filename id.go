package stride

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for agent ids, tool-call ids, and request ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns current time as Unix milliseconds, the unit message
// timestamps are recorded in.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
