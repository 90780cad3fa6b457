package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/livinlefevreloca/stepcron/internal/db"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory Store
type memoryStore struct {
	mu          sync.Mutex
	jobs        map[string]db.Job
	fires       []db.Fire
	last        map[string]time.Time
	registerErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs: make(map[string]db.Job),
		last: make(map[string]time.Time),
	}
}

func (m *memoryStore) GetJob(name string) (*db.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &job, nil
}

func (m *memoryStore) RegisterJob(job *db.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return m.registerErr
	}
	m.jobs[job.Name] = *job
	return nil
}

func (m *memoryStore) RecordFire(fire *db.Fire) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fires = append(m.fires, *fire)
	return nil
}

func (m *memoryStore) LastFire(job string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.last[job]
	if !ok {
		return time.Time{}, db.ErrNotFound
	}
	return last, nil
}

func (m *memoryStore) Fires() []db.Fire {
	m.mu.Lock()
	defer m.mu.Unlock()
	fires := append([]db.Fire(nil), m.fires...)
	sort.Slice(fires, func(i, j int) bool { return fires[i].ScheduledAt.Before(fires[j].ScheduledAt) })
	return fires
}

// funcExecutor adapts a function to Executor
type funcExecutor func(ctx context.Context, job JobConfig) error

func (f funcExecutor) Execute(ctx context.Context, job JobConfig) error {
	return f(ctx, job)
}

func succeed(context.Context, JobConfig) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InboxBufferSize = 16
	cfg.InboxSendTimeout = time.Second
	return cfg
}

var epoch = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

// startRunner runs r in the background and returns a function that shuts it
// down and waits for Run to return
func startRunner(t *testing.T, r *Runner) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("runner did not shut down")
		}
	}
}

// openTestDB opens an in-memory fire log
func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	database.SetMaxOpenConns(1)
	require.NoError(t, database.EnsureSchema())
	t.Cleanup(func() { database.Close() })
	return database
}

func fireCount(store *memoryStore, n int) func() bool {
	return func() bool { return len(store.Fires()) == n }
}

func TestRunner_FiresAndRecords(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemoryStore()

	r, err := New(testConfig(), []JobConfig{
		{Name: "tick", Schedule: "* * * * *", Command: []string{"true"}},
	}, store, WithClock(clock), WithLogger(testLogger()), WithExecutor(funcExecutor(succeed)))
	require.NoError(t, err)

	stop := startRunner(t, r)
	clock.BlockUntil(1)

	clock.Advance(time.Minute)
	require.Eventually(t, fireCount(store, 1), time.Second, 5*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, fireCount(store, 2), time.Second, 5*time.Millisecond)
	stop()

	fires := store.Fires()
	assert.Equal(t, epoch.Add(time.Minute), fires[0].ScheduledAt)
	assert.Equal(t, epoch.Add(2*time.Minute), fires[1].ScheduledAt)
	for _, fire := range fires {
		assert.Equal(t, "tick", fire.Job)
		assert.Equal(t, "* * * * *", fire.Schedule)
		assert.True(t, fire.Success)
		assert.Nil(t, fire.Error)
		require.NotNil(t, fire.CompletedAt)
	}

	job, ok := store.jobs["tick"]
	require.True(t, ok)
	assert.Equal(t, "true", job.Command)
}

func TestRunner_RecordsFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemoryStore()
	boom := funcExecutor(func(context.Context, JobConfig) error { return errors.New("boom") })

	r, err := New(testConfig(), []JobConfig{
		{Name: "flaky", Schedule: "*/5 * * * *"},
	}, store, WithClock(clock), WithLogger(testLogger()), WithExecutor(boom))
	require.NoError(t, err)

	stop := startRunner(t, r)
	defer stop()
	clock.BlockUntil(1)

	clock.Advance(5 * time.Minute)
	require.Eventually(t, fireCount(store, 1), time.Second, 5*time.Millisecond)

	fire := store.Fires()[0]
	assert.False(t, fire.Success)
	require.NotNil(t, fire.Error)
	assert.Equal(t, "boom", *fire.Error)
}

func TestRunner_JobTimeout(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemoryStore()
	hang := funcExecutor(func(ctx context.Context, _ JobConfig) error {
		<-ctx.Done()
		return ctx.Err()
	})

	r, err := New(testConfig(), []JobConfig{
		{Name: "slow", Schedule: "* * * * *", Timeout: 10 * time.Millisecond},
	}, store, WithClock(clock), WithLogger(testLogger()), WithExecutor(hang))
	require.NoError(t, err)

	stop := startRunner(t, r)
	defer stop()
	clock.BlockUntil(1)

	clock.Advance(time.Minute)
	require.Eventually(t, fireCount(store, 1), time.Second, 5*time.Millisecond)

	fire := store.Fires()[0]
	assert.False(t, fire.Success)
	require.NotNil(t, fire.Error)
	assert.Contains(t, *fire.Error, "deadline exceeded")
}

func TestRunner_CatchUp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemoryStore()
	store.last["tick"] = epoch.Add(-2 * time.Minute)

	cfg := testConfig()
	cfg.CatchUp = true

	r, err := New(cfg, []JobConfig{
		{Name: "tick", Schedule: "* * * * *"},
	}, store, WithClock(clock), WithLogger(testLogger()), WithExecutor(funcExecutor(succeed)))
	require.NoError(t, err)

	stop := startRunner(t, r)
	defer stop()

	require.Eventually(t, fireCount(store, 2), time.Second, 5*time.Millisecond)
	fires := store.Fires()
	assert.Equal(t, epoch.Add(-time.Minute), fires[0].ScheduledAt)
	assert.Equal(t, epoch, fires[1].ScheduledAt)

	clock.BlockUntil(1)
	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, epoch.Add(time.Minute), status[0].Next)
}

func TestRunner_CatchUpKeepsLocalZone(t *testing.T) {
	zone := time.FixedZone("UTC+5", 5*60*60)
	now := time.Date(2016, 1, 1, 4, 0, 0, 0, zone)
	clock := clockwork.NewFakeClockAt(now)

	database := openTestDB(t)
	require.NoError(t, database.RegisterJob(&db.Job{Name: "nightly", Schedule: "0 3 * * *"}))
	last := time.Date(2015, 12, 31, 3, 0, 0, 0, zone)
	require.NoError(t, database.RecordFire(&db.Fire{
		Job: "nightly", Schedule: "0 3 * * *", ScheduledAt: last, StartedAt: last, Success: true,
	}))

	cfg := testConfig()
	cfg.CatchUp = true

	r, err := New(cfg, []JobConfig{
		{Name: "nightly", Schedule: "0 3 * * *"},
	}, database, WithClock(clock), WithLogger(testLogger()), WithExecutor(funcExecutor(succeed)))
	require.NoError(t, err)

	stop := startRunner(t, r)
	defer stop()

	// 03:00 in the job's zone, not 03:00 UTC
	want := time.Date(2016, 1, 1, 3, 0, 0, 0, zone)
	require.Eventually(t, func() bool {
		fires, err := database.RecentFires("nightly", 10)
		return err == nil && len(fires) == 2
	}, time.Second, 5*time.Millisecond)

	fires, err := database.RecentFires("nightly", 10)
	require.NoError(t, err)
	assert.True(t, fires[0].ScheduledAt.Equal(want), "caught up %v, want %v", fires[0].ScheduledAt, want)

	clock.BlockUntil(1)
	status := r.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Next.Equal(want.AddDate(0, 0, 1)), "next %v", status[0].Next)
}

func TestRunner_ChangedScheduleDropsSeed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemoryStore()
	store.jobs["tick"] = db.Job{Name: "tick", Schedule: "*/5 * * * *"}
	store.last["tick"] = epoch.Add(-time.Hour)

	cfg := testConfig()
	cfg.CatchUp = true

	r, err := New(cfg, []JobConfig{
		{Name: "tick", Schedule: "* * * * *"},
	}, store, WithClock(clock), WithLogger(testLogger()), WithExecutor(funcExecutor(succeed)))
	require.NoError(t, err)

	stop := startRunner(t, r)
	defer stop()
	clock.BlockUntil(1)

	// No catch-up from a fire recorded under the old schedule
	assert.Never(t, fireCount(store, 1), 50*time.Millisecond, 5*time.Millisecond)

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, epoch, status[0].LastFire)
	assert.Equal(t, epoch.Add(time.Minute), status[0].Next)

	job, err := store.GetJob("tick")
	require.NoError(t, err)
	assert.Equal(t, "* * * * *", job.Schedule)
}

func TestRunner_SkipsMissedWithoutCatchUp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemoryStore()
	store.last["tick"] = epoch.Add(-time.Hour)

	r, err := New(testConfig(), []JobConfig{
		{Name: "tick", Schedule: "* * * * *"},
	}, store, WithClock(clock), WithLogger(testLogger()), WithExecutor(funcExecutor(succeed)))
	require.NoError(t, err)

	stop := startRunner(t, r)
	defer stop()
	clock.BlockUntil(1)

	assert.Never(t, fireCount(store, 1), 50*time.Millisecond, 5*time.Millisecond)

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, epoch, status[0].LastFire)
	assert.Equal(t, epoch.Add(time.Minute), status[0].Next)
}

func TestRunner_UnsatisfiableJobIsSkipped(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemoryStore()

	r, err := New(testConfig(), []JobConfig{
		{Name: "past", Schedule: "* * * * 2015"},
		{Name: "hourly", Schedule: "0 * * * *"},
	}, store, WithClock(clock), WithLogger(testLogger()), WithExecutor(funcExecutor(succeed)))
	require.NoError(t, err)

	stop := startRunner(t, r)
	defer stop()
	clock.BlockUntil(1)

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "hourly", status[0].Name)
	assert.Equal(t, epoch.Add(time.Hour), status[0].Next)
}

func TestRunner_RegisterError(t *testing.T) {
	store := newMemoryStore()
	store.registerErr = errors.New("database is locked")

	r, err := New(testConfig(), []JobConfig{
		{Name: "tick", Schedule: "* * * * *"},
	}, store, WithClock(clockwork.NewFakeClockAt(epoch)), WithLogger(testLogger()))
	require.NoError(t, err)

	err = r.Run(context.Background())
	assert.ErrorIs(t, err, store.registerErr)
}

func TestRunner_StopsSchedulersOnShutdown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemoryStore()

	r, err := New(testConfig(), []JobConfig{
		{Name: "a", Schedule: "* * * * *"},
		{Name: "b", Schedule: "*/2 * * * *"},
	}, store, WithClock(clock), WithLogger(testLogger()), WithExecutor(funcExecutor(succeed)))
	require.NoError(t, err)

	stop := startRunner(t, r)
	clock.BlockUntil(2)
	stop()

	for _, status := range r.Status() {
		assert.True(t, status.Stopped, status.Name)
		assert.True(t, status.Next.IsZero(), status.Name)
	}

	clock.Advance(time.Hour)
	assert.Never(t, fireCount(store, 1), 50*time.Millisecond, 5*time.Millisecond)
}

func TestRunner_ShutdownWaitsForRunningCommand(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := newMemoryStore()

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := funcExecutor(func(ctx context.Context, _ JobConfig) error {
		close(started)
		<-release
		return ctx.Err()
	})

	r, err := New(testConfig(), []JobConfig{
		{Name: "backup", Schedule: "* * * * *"},
	}, store, WithClock(clock), WithLogger(testLogger()), WithExecutor(blocking))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("command did not start")
	}

	cancel()
	select {
	case <-done:
		t.Fatal("runner returned while a command was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not shut down")
	}

	// Shutdown must not leak into the command's context
	fires := store.Fires()
	require.Len(t, fires, 1)
	assert.True(t, fires[0].Success)
	assert.Nil(t, fires[0].Error)
}

func TestNew_Validation(t *testing.T) {
	store := newMemoryStore()
	badConfig := testConfig()
	badConfig.InboxBufferSize = 0

	tests := []struct {
		name   string
		config Config
		jobs   []JobConfig
		store  Store
	}{
		{"bad config", badConfig, nil, store},
		{"missing name", testConfig(), []JobConfig{{Schedule: "* * * * *"}}, store},
		{"bad schedule", testConfig(), []JobConfig{{Name: "a", Schedule: "* * *"}}, store},
		{"negative timeout", testConfig(), []JobConfig{{Name: "a", Schedule: "* * * * *", Timeout: -time.Second}}, store},
		{"duplicate name", testConfig(), []JobConfig{
			{Name: "a", Schedule: "* * * * *"},
			{Name: "a", Schedule: "0 * * * *"},
		}, store},
		{"nil store", testConfig(), nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, tt.jobs, tt.store)
			assert.Error(t, err)
		})
	}
}

func TestCommandExecutor(t *testing.T) {
	exec := NewCommandExecutor(testLogger())
	ctx := context.Background()

	assert.NoError(t, exec.Execute(ctx, JobConfig{Name: "noop"}))
	assert.NoError(t, exec.Execute(ctx, JobConfig{Name: "ok", Command: []string{"sh", "-c", "exit 0"}}))

	err := exec.Execute(ctx, JobConfig{Name: "fail", Command: []string{"sh", "-c", "exit 3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = exec.Execute(timeout, JobConfig{Name: "slow", Command: []string{"sleep", "5"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
