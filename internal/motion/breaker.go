package motion

import (
	"time"

	"github.com/openhaus/nvrd/internal/clock"
)

// Backoff windows after a failed poll. Camera-API errors inside a valid
// response are treated as a firmware-side condition and backed off longer
// than transport faults.
const (
	transportBackoff = 10 * time.Second
	apiErrorBackoff  = 30 * time.Second
)

// breaker is the per-camera poll guard: it refuses re-entry while a poll is
// in flight and suppresses polling for a backoff window after a failure.
type breaker struct {
	clk clock.Clock

	inFlight   bool
	failed     bool
	checkAfter time.Time
}

func newBreaker(clk clock.Clock) *breaker {
	return &breaker{clk: clk}
}

// tryEnter claims the poll slot. It fails while a poll is running or while
// the backoff window from a previous failure is open.
func (b *breaker) tryEnter() bool {
	if b.inFlight {
		return false
	}
	if b.failed && b.clk.Now().Before(b.checkAfter) {
		return false
	}
	b.inFlight = true
	return true
}

// succeed clears the failure state. Call with the slot held.
func (b *breaker) succeed() {
	b.failed = false
	b.checkAfter = time.Time{}
}

// fail arms the backoff window. Call with the slot held.
func (b *breaker) fail(backoff time.Duration) {
	b.failed = true
	b.checkAfter = b.clk.Now().Add(backoff)
}

// exit releases the poll slot. Always called, failure or not.
func (b *breaker) exit() {
	b.inFlight = false
}
