package timer

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxWait is the longest single countdown the service arms: the
// largest delay a signed 32-bit millisecond counter can hold (~24.8 days).
// Longer waits are chained.
const DefaultMaxWait = time.Duration(math.MaxInt32) * time.Millisecond

// Service arms one-shot waits on a clock, splitting waits longer than
// maxWait into a chain of maxWait countdowns followed by a final short one
type Service struct {
	clock   clockwork.Clock
	maxWait time.Duration
	logger  *slog.Logger
}

// New creates a timer service. A non-positive maxWait selects DefaultMaxWait.
func New(clock clockwork.Clock, maxWait time.Duration, logger *slog.Logger) *Service {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		clock:   clock,
		maxWait: maxWait,
		logger:  logger,
	}
}

// Wait is a pending call armed by After
type Wait struct {
	mu        sync.Mutex
	timer     clockwork.Timer
	deadline  time.Time
	links     int
	cancelled bool
	fired     bool
}

// After calls fn on its own goroutine once d has elapsed on the
// service's clock. A negative d is treated as zero.
func (s *Service) After(d time.Duration, fn func()) *Wait {
	if d < 0 {
		d = 0
	}

	w := &Wait{deadline: s.clock.Now().Add(d)}
	s.arm(w, d, fn)
	return w
}

// arm starts the next link of the chain. Each link measures what is left
// against the deadline, so chunk boundaries do not accumulate drift. The
// clock is called without holding the lock since a zero delay may fire
// straight away.
func (s *Service) arm(w *Wait, remaining time.Duration, fn func()) {
	if w.isCancelled() {
		return
	}

	var t clockwork.Timer
	if remaining <= s.maxWait {
		t = s.clock.AfterFunc(remaining, func() {
			if w.markFired() {
				fn()
			}
		})
	} else {
		s.logger.Debug("wait exceeds max single countdown, chaining",
			"remaining", remaining,
			"max_wait", s.maxWait,
			"link", w.addLink())

		t = s.clock.AfterFunc(s.maxWait, func() {
			s.arm(w, w.deadline.Sub(s.clock.Now()), fn)
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Cancelled while the link was being armed
	if w.cancelled {
		t.Stop()
		return
	}
	w.timer = t
}

func (w *Wait) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (w *Wait) addLink() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.links++
	return w.links
}

// markFired reports whether the final link may run fn
func (w *Wait) markFired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancelled || w.fired {
		return false
	}
	w.fired = true
	return true
}

// Cancel defuses the wait. Safe to call more than once and after the
// wait has fired. Once Cancel returns, fn is not started.
func (w *Wait) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancelled {
		return
	}
	w.cancelled = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Deadline returns the instant the wait was armed for
func (w *Wait) Deadline() time.Time {
	return w.deadline
}

// Links returns how many maxWait countdowns have been chained so far
func (w *Wait) Links() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.links
}

// Fired reports whether fn has been started
func (w *Wait) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}
