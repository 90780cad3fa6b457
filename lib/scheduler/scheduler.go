package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/livinlefevreloca/stepcron/internal/timer"
	"github.com/livinlefevreloca/stepcron/lib/cron"
)

// ErrNoSchedule is returned by inspection calls on a scheduler created
// without an expression
var ErrNoSchedule = errors.New("scheduler: no schedule expression")

// Handler is invoked on every occurrence with the instant it was
// scheduled for
type Handler func(at time.Time)

// Scheduler fires a handler on every occurrence of a schedule. It owns the
// last-fire time and keeps at most one wait armed at a time.
type Scheduler struct {
	// Configuration
	schedule *cron.Schedule // nil when created without an expression
	handler  Handler
	clock    clockwork.Clock
	timers   *timer.Service
	logger   *slog.Logger

	// State
	mu       sync.Mutex
	lastFire time.Time
	target   time.Time
	wait     *timer.Wait
	stopped  bool
}

// Option configures a Scheduler
type Option func(*options)

type options struct {
	lastFire time.Time
	clock    clockwork.Clock
	logger   *slog.Logger
	maxWait  time.Duration
}

// WithLastFire seeds the scheduler with the time it last fired, e.g. one
// loaded from storage. Defaults to the clock's current time.
func WithLastFire(t time.Time) Option {
	return func(o *options) { o.lastFire = t }
}

// WithClock replaces the real clock
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger; slog.Default() otherwise
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxWait caps the length of a single countdown; longer waits are chained
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// New creates a scheduler that calls onFire on every occurrence of
// expression and arms the first occurrence straight away. An empty
// expression creates an inspection-only scheduler that never arms.
func New(expression string, onFire func(), opts ...Option) (*Scheduler, error) {
	var h Handler
	if onFire != nil {
		h = func(time.Time) { onFire() }
	}
	return NewWithHandler(expression, h, opts...)
}

// NewWithHandler is like New but passes each occurrence to the handler
func NewWithHandler(expression string, h Handler, opts ...Option) (*Scheduler, error) {
	o := options{
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		maxWait: timer.DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lastFire.IsZero() {
		o.lastFire = o.clock.Now()
	}

	s := &Scheduler{
		handler:  h,
		clock:    o.clock,
		timers:   timer.New(o.clock, o.maxWait, o.logger),
		logger:   o.logger,
		lastFire: o.lastFire,
	}

	if expression == "" {
		return s, nil
	}

	schedule, err := cron.Parse(expression)
	if err != nil {
		return nil, err
	}
	s.schedule = schedule
	s.logger = s.logger.With("expression", expression)

	next, err := schedule.Next(s.lastFire)
	if err != nil {
		return nil, fmt.Errorf("failed to compute first occurrence: %w", err)
	}
	s.ScheduleAt(next)

	return s, nil
}

// ScheduleAt arms the timer for the given instant, replacing any pending
// wait. Instants in the past fire immediately. No-op once stopped.
func (s *Scheduler) ScheduleAt(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.wait != nil {
		s.wait.Cancel()
	}

	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.logger.Info("scheduled next occurrence",
		"at", at.Format(time.RFC3339),
		"after", delay)

	s.target = at
	s.wait = s.timers.After(delay, func() { s.fire(at) })
}

// fire runs the handler and arms the following occurrence. The lock is not
// held while the handler runs so that it may call Stop.
func (s *Scheduler) fire(at time.Time) {
	if s.handler != nil {
		s.handler(at)
	}

	s.mu.Lock()
	if s.stopped || s.schedule == nil {
		s.mu.Unlock()
		return
	}

	// Step rules are measured from the occurrence itself, not from the
	// moment the timer woke up, so drift never compounds.
	s.lastFire = at
	next, err := s.schedule.Next(at)
	if err != nil {
		s.stopped = true
		s.mu.Unlock()
		s.logger.Error("no further occurrences, stopping", "error", err)
		return
	}
	s.mu.Unlock()

	s.ScheduleAt(next)
}

// Stop halts future firings and cancels any pending wait. Safe to call more
// than once and from inside the handler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	if s.wait != nil {
		s.wait.Cancel()
	}
	s.logger.Info("scheduler stopped")
}

// Stopped reports whether Stop was called or the schedule ran out
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Next returns the occurrence following the last firing
func (s *Scheduler) Next() (time.Time, error) {
	s.mu.Lock()
	last := s.lastFire
	s.mu.Unlock()

	if s.schedule == nil {
		return time.Time{}, ErrNoSchedule
	}
	return s.schedule.Next(last)
}

// LastFire returns the time the scheduler last fired, or its seed
func (s *Scheduler) LastFire() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFire
}

// Target returns the occurrence currently armed (or being fired) and
// whether one has been armed at all
func (s *Scheduler) Target() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, !s.target.IsZero()
}

// Schedule returns the parsed schedule, nil for inspection-only schedulers
func (s *Scheduler) Schedule() *cron.Schedule {
	return s.schedule
}
