// Package exec runs plans: one supervised goroutine per execution,
// driven by a refresh ticker and a command mailbox.
package exec

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
	"github.com/gzpfarm/irrigation-engine/internal/metrics"
)

// LevelProvider supplies fresh water levels to the execution loop.
type LevelProvider interface {
	Refresh(ctx context.Context, farmID string) error
	Snapshot() map[string]domain.WaterLevelReading
}

// Replanner rebuilds the uncompleted tail of a plan against fresh levels.
type Replanner interface {
	Refresh(plan *domain.Plan, levels map[string]domain.WaterLevelReading, fromBatch int) (*domain.Plan, error)
}

// Recorder persists execution state changes. All methods are best-effort
// from the loop's point of view; failures are logged, not fatal.
type Recorder interface {
	SaveState(ctx context.Context, st domain.ExecutionState) error
	RecordEvent(ctx context.Context, ev domain.ExecutionEvent) error
	SavePlan(ctx context.Context, farmID string, plan *domain.Plan) error
}

// Config tunes every execution the manager starts.
type Config struct {
	TickInterval     time.Duration
	RegenThresholdMM float64
	EnableRegen      bool
}

// Manager owns the execution registry. Each execution's state has exactly
// one writer, its own loop goroutine; the manager only routes messages.
type Manager struct {
	mu    sync.Mutex
	execs map[string]*execution

	levels LevelProvider
	replan Replanner
	rec    Recorder
	cfg    Config
	log    *slog.Logger

	wg sync.WaitGroup
}

// NewManager wires an execution manager. rec may be nil to disable
// persistence.
func NewManager(levels LevelProvider, replan Replanner, rec Recorder, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Minute
	}
	if cfg.RegenThresholdMM <= 0 {
		cfg.RegenThresholdMM = 10
	}
	return &Manager{
		execs:  make(map[string]*execution),
		levels: levels,
		replan: replan,
		rec:    rec,
		cfg:    cfg,
		log:    log,
	}
}

// StartOptions adjust a single execution.
type StartOptions struct {
	// EnableRegen overrides the manager default when non-nil.
	EnableRegen *bool
	// ScenarioName records which scenario the plan came from, if any.
	ScenarioName string
}

// Start registers a new execution for the plan and launches its loop.
// A plan may have at most one non-terminal execution at a time.
func (m *Manager) Start(ctx context.Context, farmID string, plan *domain.Plan, opts StartOptions) (string, error) {
	if plan == nil || len(plan.Batches) == 0 {
		return "", domain.ErrInvalidRequest.WithDetail("plan has no batches to execute")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.planID() == plan.ID && !e.terminal() {
			return "", domain.ErrDuplicateExecution.WithDetail("plan %s", plan.ID)
		}
	}

	regen := m.cfg.EnableRegen
	if opts.EnableRegen != nil {
		regen = *opts.EnableRegen
	}

	e := newExecution(uuid.NewString(), farmID, plan, opts.ScenarioName, execDeps{
		levels:    m.levels,
		replan:    m.replan,
		rec:       m.rec,
		log:       m.log,
		interval:  m.cfg.TickInterval,
		threshold: m.cfg.RegenThresholdMM,
		regen:     regen,
	})
	m.execs[e.id] = e
	metrics.ActiveExecutions.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer metrics.ActiveExecutions.Dec()
		e.run(ctx)
	}()
	return e.id, nil
}

func (m *Manager) get(id string) (*execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, domain.ErrExecutionNotFound.WithDetail("%s", id)
	}
	return e, nil
}

// Status returns a snapshot of the execution's state.
func (m *Manager) Status(ctx context.Context, id string) (domain.ExecutionState, error) {
	e, err := m.get(id)
	if err != nil {
		return domain.ExecutionState{}, err
	}
	return e.status(ctx)
}

// Plan returns the execution's current plan snapshot.
func (m *Manager) Plan(ctx context.Context, id string) (*domain.Plan, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return e.currentPlan(ctx)
}

// Pause suspends batch progression and regeneration.
func (m *Manager) Pause(ctx context.Context, id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	return e.send(ctx, cmdPause, 0, "")
}

// Resume continues a paused execution.
func (m *Manager) Resume(ctx context.Context, id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	return e.send(ctx, cmdResume, 0, "")
}

// Stop terminates the execution; the reason lands in the final state.
// It returns once the loop has exited and the final state is readable.
func (m *Manager) Stop(ctx context.Context, id, reason string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	if err := e.send(ctx, cmdStop, 0, reason); err != nil {
		return err
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkBatchComplete records external confirmation that a batch finished.
func (m *Manager) MarkBatchComplete(ctx context.Context, id string, batchIndex int) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	return e.send(ctx, cmdComplete, batchIndex, "")
}

// Shutdown stops every live execution and waits for the loops to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.execs))
	for id := range m.execs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id, "engine shutdown"); err != nil {
			continue
		}
	}
	m.wg.Wait()
}
