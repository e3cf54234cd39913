package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/cadence/internal/clock"
	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/dispatch"
	"github.com/opencode-ai/cadence/internal/enrollment"
	"github.com/opencode-ai/cadence/internal/metrics"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/sequences"
)

// mockEngine implements Engine for testing.
type mockEngine struct {
	mu       sync.Mutex
	due      []string
	dueErr   error
	results  map[string]*enrollment.AdvanceResult
	errs     map[string]error
	advanced map[string]int
	failed   map[string]error
	delay    time.Duration

	inFlight    int
	maxInFlight int
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		results:  make(map[string]*enrollment.AdvanceResult),
		errs:     make(map[string]error),
		advanced: make(map[string]int),
		failed:   make(map[string]error),
	}
}

func (m *mockEngine) addDue(id string, intents ...models.Intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due = append(m.due, id)
	m.results[id] = &enrollment.AdvanceResult{
		Enrollment: &models.Enrollment{ID: id, Status: models.EnrollmentStatusActive},
		Intents:    intents,
		Steps:      1,
	}
}

func (m *mockEngine) Due(_ context.Context, _ time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dueErr != nil {
		return nil, m.dueErr
	}
	ids := append([]string(nil), m.due...)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *mockEngine) Advance(ctx context.Context, id string) (*enrollment.AdvanceResult, error) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	m.advanced[id]++
	if err := m.errs[id]; err != nil {
		return nil, err
	}
	res, ok := m.results[id]
	if !ok {
		return nil, models.ErrEnrollmentNotFound
	}
	return res, nil
}

func (m *mockEngine) MarkFailed(_ context.Context, id string, cause error) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = cause
	return &models.Enrollment{ID: id, Status: models.EnrollmentStatusFailed}, nil
}

func (m *mockEngine) advanceCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanced[id]
}

type recordingMetrics struct {
	mu      sync.Mutex
	ticks   []metrics.TickSample
	intents int
}

func (r *recordingMetrics) Outcome(string, string, models.OutcomeType) {}

func (r *recordingMetrics) Intent(models.Intent, bool) {
	r.mu.Lock()
	r.intents++
	r.mu.Unlock()
}

func (r *recordingMetrics) Tick(t metrics.TickSample) {
	r.mu.Lock()
	r.ticks = append(r.ticks, t)
	r.mu.Unlock()
}

func email(enrollmentID string) models.Intent {
	return models.Intent{Kind: models.IntentEmail, Email: &models.DispatchIntent{
		EnrollmentID:       enrollmentID,
		LeadID:             "lead-" + enrollmentID,
		ResolvedTemplateID: "welcome",
	}}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 5*time.Second, cfg.TickInterval)
	require.Equal(t, 10*time.Second, cfg.AdvanceTimeout)
	require.Equal(t, 8, cfg.MaxConcurrent)
	require.Equal(t, 200, cfg.BatchSize)
}

func TestNew_DefaultsApplied(t *testing.T) {
	sched := New(Config{}, newMockEngine(), nil, nil, nil)

	def := DefaultConfig()
	require.Equal(t, def.TickInterval, sched.config.TickInterval)
	require.Equal(t, def.AdvanceTimeout, sched.config.AdvanceTimeout)
	require.Equal(t, def.MaxConcurrent, sched.config.MaxConcurrent)
	require.Equal(t, def.BatchSize, sched.config.BatchSize)
	require.Equal(t, def.IntentBuffer, sched.config.IntentBuffer)
}

func TestScheduler_StartStop(t *testing.T) {
	sched := New(Config{TickInterval: 10 * time.Millisecond}, newMockEngine(), nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	stats := sched.Stats()
	require.True(t, stats.Running)
	require.False(t, stats.Paused)
	require.NotNil(t, stats.StartedAt)

	require.ErrorIs(t, sched.Start(ctx), ErrSchedulerAlreadyRunning)

	require.NoError(t, sched.Stop())
	require.False(t, sched.Stats().Running)
	require.ErrorIs(t, sched.Stop(), ErrSchedulerNotRunning)

	// A stopped scheduler can be started again.
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Stop())
}

func TestScheduler_PauseResume(t *testing.T) {
	sched := New(Config{TickInterval: 10 * time.Millisecond}, newMockEngine(), nil, nil, nil)

	require.ErrorIs(t, sched.Pause(), ErrSchedulerNotRunning)
	require.ErrorIs(t, sched.Resume(), ErrSchedulerNotRunning)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	require.NoError(t, sched.Pause())
	require.True(t, sched.Stats().Paused)
	require.True(t, sched.Stats().Running)
	require.NoError(t, sched.Pause())

	require.ErrorIs(t, sched.ScheduleNow("enr-1"), ErrSchedulerPaused)

	require.NoError(t, sched.Resume())
	require.False(t, sched.Stats().Paused)
	require.NoError(t, sched.Resume())
}

func TestScheduler_ScheduleNow_NotRunning(t *testing.T) {
	sched := New(DefaultConfig(), newMockEngine(), nil, nil, nil)
	require.ErrorIs(t, sched.ScheduleNow("enr-1"), ErrSchedulerNotRunning)
}

func TestScheduler_ScheduleNow_Running(t *testing.T) {
	engine := newMockEngine()
	engine.addDue("enr-1", email("enr-1"))
	sink := dispatch.NewMemory()

	// The tick interval is long enough that only ScheduleNow advances.
	sched := New(Config{TickInterval: time.Hour}, engine, sink, nil, nil)
	require.NoError(t, sched.Start(context.Background()))

	require.NoError(t, sched.ScheduleNow("enr-1"))

	select {
	case event := <-sched.Events():
		require.Equal(t, "enr-1", event.EnrollmentID)
		require.Equal(t, OutcomeAdvanced, event.Outcome)
		require.Equal(t, 1, event.Intents)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for advance event")
	}

	require.NoError(t, sched.Stop())
	require.Len(t, sink.Intents(), 1)
	require.Equal(t, int64(1), sched.Stats().IntentsDispatched)
}

func TestTick_ClassifiesOutcomes(t *testing.T) {
	engine := newMockEngine()
	engine.addDue("ok", email("ok"), email("ok"))
	engine.addDue("skipped")
	engine.results["skipped"].Skipped = enrollment.SkipNotDue
	engine.addDue("conflict")
	engine.errs["conflict"] = fmt.Errorf("update: %w", models.ErrConcurrentUpdate)
	engine.addDue("broken")
	stepErr := &models.StepExecutionError{StepID: "check", Err: errors.New("field missing")}
	engine.errs["broken"] = stepErr

	sink := dispatch.NewMemory()
	rec := &recordingMetrics{}
	sched := New(DefaultConfig(), engine, sink, rec, clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))

	result, err := sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, result.Due)
	require.Equal(t, 1, result.Advanced)
	require.Equal(t, 1, result.Skipped)
	require.Equal(t, 1, result.Conflicts)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Intents, 2)

	// Not running: intents are delivered before Tick returns.
	require.Len(t, sink.Intents(), 2)

	require.ErrorIs(t, engine.failed["broken"], models.ErrStepExecution)
	require.NotContains(t, engine.failed, "conflict", "lost races are not failures")

	stats := sched.Stats()
	require.Equal(t, int64(1), stats.Ticks)
	require.Equal(t, int64(1), stats.Advanced)
	require.Equal(t, int64(1), stats.Failed)
	require.Equal(t, int64(2), stats.IntentsDispatched)

	require.Len(t, rec.ticks, 1)
	require.Equal(t, 4, rec.ticks[0].Due)
	require.Equal(t, 2, rec.ticks[0].Intents)
	require.Equal(t, 2, rec.intents)
}

func TestTick_BoundsConcurrency(t *testing.T) {
	engine := newMockEngine()
	engine.delay = 20 * time.Millisecond
	for i := 0; i < 12; i++ {
		engine.addDue(fmt.Sprintf("enr-%d", i))
	}

	sched := New(Config{MaxConcurrent: 3, BatchSize: 10}, engine, nil, nil, nil)
	result, err := sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, result.Due)
	require.Equal(t, 10, result.Advanced)
	require.LessOrEqual(t, engine.maxInFlight, 3)
	require.Equal(t, 0, engine.advanceCount("enr-11"))
}

func TestTick_DueError(t *testing.T) {
	engine := newMockEngine()
	engine.dueErr = errors.New("database is closed")

	sched := New(DefaultConfig(), engine, nil, nil, nil)
	_, err := sched.Tick(context.Background())
	require.Error(t, err)
}

func TestTick_TimeoutIsNotAFailure(t *testing.T) {
	engine := newMockEngine()
	engine.addDue("slow")
	engine.errs["slow"] = context.DeadlineExceeded

	sched := New(DefaultConfig(), engine, nil, nil, nil)
	result, err := sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Empty(t, engine.failed, "interrupted advances are retried, not marked failed")
}

func TestSinkErrorsDoNotStopTheBatch(t *testing.T) {
	engine := newMockEngine()
	engine.addDue("a", email("a"))
	engine.addDue("b", email("b"))

	sink := dispatch.SinkFunc(func(context.Context, models.Intent) error {
		return errors.New("broker down")
	})
	sched := New(DefaultConfig(), engine, sink, nil, nil)

	result, err := sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Advanced)
	require.Equal(t, int64(2), sched.Stats().IntentsFailed)
}

func TestStopDeliversQueuedIntents(t *testing.T) {
	engine := newMockEngine()
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("enr-%d", i)
		engine.addDue(id, email(id))
	}

	var (
		mu        sync.Mutex
		delivered int
	)
	sink := dispatch.SinkFunc(func(context.Context, models.Intent) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	sched := New(Config{TickInterval: time.Hour, IntentBuffer: 4}, engine, sink, nil, nil)
	require.NoError(t, sched.Start(context.Background()))

	result, err := sched.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Intents, 20)

	require.NoError(t, sched.Stop())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 20, delivered)
}

// The scheduler against the real engine: one email per due enrollment and
// nothing on the next tick until the wait elapses.
func TestTickWithEngine(t *testing.T) {
	ctx := context.Background()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate(ctx))

	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	store := sequences.NewStore(db.NewSequenceRepository(database), db.NewEventRepository(database))
	engine := enrollment.New(enrollment.DefaultConfig(), store, db.NewEnrollmentRepository(database), nil, nil, clk)

	seq, err := store.Create(ctx, &models.Sequence{
		Name:        "drip",
		Status:      models.SequenceStatusActive,
		FirstStepID: "hello",
		Steps: map[string]models.Step{
			"hello": {Next: []string{"pause"}, Config: models.EmailConfig{TemplateID: "welcome"}},
			"pause": {Next: []string{"bye"}, Config: models.WaitConfig{Duration: models.Duration(24 * time.Hour)}},
			"bye":   {Config: models.EmailConfig{TemplateID: "followup"}},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := engine.EnrollLead(ctx, &models.Lead{ID: fmt.Sprintf("lead-%d", i)}, seq.ID)
		require.NoError(t, err)
	}

	sink := dispatch.NewMemory()
	sched := New(Config{MaxConcurrent: 4}, engine, sink, nil, clk)

	result, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, result.Due)
	require.Equal(t, 5, result.Advanced)
	require.Len(t, sink.Intents(), 5)

	result, err = sched.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Due)

	clk.Advance(24 * time.Hour)
	result, err = sched.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, result.Advanced)
	require.Len(t, sink.Intents(), 10)

	done, err := engine.List(ctx, db.EnrollmentQuery{Limit: 10})
	require.NoError(t, err)
	for _, enr := range done {
		require.Equal(t, models.EnrollmentStatusCompleted, enr.Status)
	}
}
