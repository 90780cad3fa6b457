package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/livinlefevreloca/stepcron/internal/db"
	"github.com/livinlefevreloca/stepcron/internal/inbox"
	"github.com/livinlefevreloca/stepcron/lib/scheduler"
)

// Store persists jobs and their fire history
type Store interface {
	GetJob(name string) (*db.Job, error)
	RegisterJob(job *db.Job) error
	RecordFire(fire *db.Fire) error
	LastFire(job string) (time.Time, error)
}

// FireEvent is sent by a job's scheduler when one of its occurrences is due
type FireEvent struct {
	Job         string
	ScheduledAt time.Time
}

// JobStatus is a point-in-time view of one job's scheduler
type JobStatus struct {
	Name     string
	Schedule string
	LastFire time.Time
	Next     time.Time
	Stopped  bool
}

// Runner owns one scheduler per job and runs each job's command when its
// scheduler fires. Fires travel through an inbox to a single dispatch loop.
type Runner struct {
	// Configuration
	config   Config
	jobs     map[string]JobConfig
	order    []string
	store    Store
	executor Executor
	clock    clockwork.Clock
	logger   *slog.Logger

	// Communication
	inbox *inbox.Inbox[FireEvent]

	// State
	mu         sync.Mutex
	schedulers map[string]*scheduler.Scheduler
	running    sync.WaitGroup
}

// Option configures a Runner
type Option func(*Runner)

// WithClock replaces the real clock
func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithExecutor replaces the command executor
func WithExecutor(e Executor) Option {
	return func(r *Runner) { r.executor = e }
}

// New validates the configuration and jobs and creates a runner. Nothing is
// armed until Run is called.
func New(config Config, jobs []JobConfig, store Store, opts ...Option) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateJobs(jobs); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}

	r := &Runner{
		config:     config,
		jobs:       make(map[string]JobConfig, len(jobs)),
		store:      store,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
		schedulers: make(map[string]*scheduler.Scheduler, len(jobs)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.executor == nil {
		r.executor = NewCommandExecutor(r.logger)
	}

	for _, job := range jobs {
		r.jobs[job.Name] = job
		r.order = append(r.order, job.Name)
	}
	r.inbox = inbox.New[FireEvent](config.InboxBufferSize, config.InboxSendTimeout, r.clock, r.logger)

	return r, nil
}

// Run registers every job, arms its scheduler and dispatches fires until
// ctx is done. On return all schedulers are stopped and in-flight commands
// have finished.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.start(); err != nil {
		r.stopAll()
		return err
	}

	r.logger.Info("runner started", "jobs", len(r.order), "catch_up", r.config.CatchUp)

	for {
		ev, err := r.inbox.Receive(ctx)
		if err != nil {
			r.logger.Info("shutting down runner", "reason", err)
			r.stopAll()
			r.running.Wait()
			return nil
		}

		job, ok := r.jobs[ev.Job]
		if !ok {
			r.logger.Warn("fire for unknown job", "job", ev.Job)
			continue
		}

		r.running.Add(1)
		go func() {
			defer r.running.Done()
			r.execute(ctx, job, ev)
		}()
	}
}

// start registers each job with the store and creates its scheduler,
// seeded from the last recorded fire
func (r *Runner) start() error {
	now := r.clock.Now()

	for _, name := range r.order {
		job := r.jobs[name]
		logger := r.logger.With("job", name)

		// Steps are anchored on the last fire, so a fire recorded under a
		// different schedule is no seed for the new one
		changed := false
		prev, err := r.store.GetJob(name)
		switch {
		case err == nil:
			changed = prev.Schedule != job.Schedule
		case !db.IsNotFound(err):
			return fmt.Errorf("failed to load job %q: %w", name, err)
		}

		if err := r.store.RegisterJob(&db.Job{
			Name:     name,
			Schedule: job.Schedule,
			Command:  strings.Join(job.Command, " "),
		}); err != nil {
			return fmt.Errorf("failed to register job %q: %w", name, err)
		}

		seed := now
		if changed {
			logger.Info("schedule changed since last run, ignoring recorded fires",
				"previous", prev.Schedule)
		} else if seed, err = r.seed(name, now); err != nil {
			return err
		}

		s, err := scheduler.NewWithHandler(job.Schedule, r.handler(name),
			scheduler.WithClock(r.clock),
			scheduler.WithLogger(logger),
			scheduler.WithMaxWait(r.config.MaxWait),
			scheduler.WithLastFire(seed))
		if err != nil {
			// A schedule with no future occurrence is not fatal for the
			// other jobs
			logger.Error("failed to schedule job", "error", err)
			continue
		}

		r.mu.Lock()
		r.schedulers[name] = s
		r.mu.Unlock()
	}

	return nil
}

// seed picks the last-fire time a job's scheduler starts from. Without
// catch-up, occurrences between the stored last fire and now are skipped.
// Stored times come back in UTC and are moved to the clock's location so
// that the schedule keeps matching local wall clock times.
func (r *Runner) seed(name string, now time.Time) (time.Time, error) {
	last, err := r.store.LastFire(name)
	if db.IsNotFound(err) {
		return now, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load last fire for job %q: %w", name, err)
	}

	if !r.config.CatchUp && last.Before(now) {
		r.logger.Info("skipping occurrences missed while down",
			"job", name,
			"last_fire", last.Format(time.RFC3339))
		return now, nil
	}
	return last.In(now.Location()), nil
}

func (r *Runner) handler(name string) scheduler.Handler {
	return func(at time.Time) {
		r.inbox.Send(FireEvent{Job: name, ScheduledAt: at})
	}
}

// execute runs one fire of a job and records its outcome
func (r *Runner) execute(ctx context.Context, job JobConfig, ev FireEvent) {
	started := r.clock.Now()
	logger := r.logger.With("job", job.Name, "scheduled_at", ev.ScheduledAt.Format(time.RFC3339))
	logger.Info("firing job", "delay", started.Sub(ev.ScheduledAt))

	// Shutdown waits for running commands instead of killing them; only
	// the job timeout bounds them
	execCtx := context.WithoutCancel(ctx)
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, job.Timeout)
		defer cancel()
	}

	runErr := r.executor.Execute(execCtx, job)
	completed := r.clock.Now()

	fire := &db.Fire{
		Job:         job.Name,
		Schedule:    job.Schedule,
		ScheduledAt: ev.ScheduledAt,
		StartedAt:   started,
		CompletedAt: &completed,
		Success:     runErr == nil,
	}
	if runErr != nil {
		msg := runErr.Error()
		fire.Error = &msg
		logger.Warn("job failed", "error", runErr)
	} else {
		logger.Info("job completed", "duration", completed.Sub(started))
	}

	if err := r.store.RecordFire(fire); err != nil {
		if db.IsDuplicate(err) {
			logger.Warn("occurrence already recorded", "error", err)
			return
		}
		logger.Error("failed to record fire", "error", err)
	}
}

func (r *Runner) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.schedulers {
		s.Stop()
	}
}

// Status returns the state of every scheduled job in configuration order
func (r *Runner) Status() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]JobStatus, 0, len(r.schedulers))
	for _, name := range r.order {
		s, ok := r.schedulers[name]
		if !ok {
			continue
		}
		status := JobStatus{
			Name:     name,
			Schedule: r.jobs[name].Schedule,
			LastFire: s.LastFire(),
			Stopped:  s.Stopped(),
		}
		if next, ok := s.Target(); ok && !status.Stopped {
			status.Next = next
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// InboxStats exposes the dispatch inbox statistics
func (r *Runner) InboxStats() inbox.Stats {
	return r.inbox.Stats()
}
