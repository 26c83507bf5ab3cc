package generic

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CLOCK & IDS - Injectable so tests can pin time
// =============================================================================

// Clock returns the current time. Engine components stamp every record with it.
type Clock func() time.Time

// SystemClock is the default clock, in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

func (c Clock) now() time.Time {
	if c == nil {
		return SystemClock()
	}
	return c()
}

// NewID returns a random identifier for a new row.
func NewID() string { return uuid.NewString() }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
