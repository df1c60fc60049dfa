// Package clock abstracts the timer operations used by reconnect backoff and
// trigger delays, so tests can drive them with a fake clock instead of sleeping.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock provides the current time and delayed callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f after d. A non-positive d still defers f: it is
	// never called inline.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports false if f already ran or the
	// timer was stopped before.
	Stop() bool
}

// Real returns a Clock backed by the system clock.
func Real() Clock { return Wrap(clockwork.NewRealClock()) }

// Wrap adapts a clockwork clock. Callbacks of a clockwork.FakeClock run on
// their own goroutines after Advance; use Fake when a test needs them to
// have run once Advance returns.
func Wrap(c clockwork.Clock) Clock { return wrapped{c} }

type wrapped struct{ c clockwork.Clock }

func (w wrapped) Now() time.Time { return w.c.Now() }

func (w wrapped) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	return w.c.AfterFunc(d, f)
}
