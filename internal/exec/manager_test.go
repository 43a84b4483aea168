package exec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

type fakeLevels struct {
	mu       sync.Mutex
	failures int
	calls    int
	snap     map[string]domain.WaterLevelReading
}

func (f *fakeLevels) Refresh(ctx context.Context, farmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("telemetry offline")
	}
	return nil
}

func (f *fakeLevels) Snapshot() map[string]domain.WaterLevelReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.WaterLevelReading, len(f.snap))
	for k, v := range f.snap {
		out[k] = v
	}
	return out
}

type fakeReplanner struct {
	mu    sync.Mutex
	calls int
	plan  *domain.Plan
	err   error
}

func (f *fakeReplanner) Refresh(plan *domain.Plan, levels map[string]domain.WaterLevelReading, fromBatch int) (*domain.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.plan, nil
}

func (f *fakeReplanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecorder struct {
	mu     sync.Mutex
	states []domain.ExecutionState
	events []domain.ExecutionEvent
	plans  []string
}

func (f *fakeRecorder) SaveState(ctx context.Context, st domain.ExecutionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, st)
	return nil
}

func (f *fakeRecorder) RecordEvent(ctx context.Context, ev domain.ExecutionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRecorder) SavePlan(ctx context.Context, farmID string, plan *domain.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, plan.ID)
	return nil
}

func (f *fakeRecorder) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// twoBatchExecPlan builds a plan whose step windows lie far in the
// future so wall-clock progression never completes a batch on its own.
func twoBatchExecPlan(id string, levelMM float64) *domain.Plan {
	mkField := func(fid string) domain.FieldDemand {
		lvl := levelMM
		return domain.FieldDemand{
			Field: domain.Field{
				ID:           fid,
				AreaMu:       10,
				SegmentID:    "S1",
				WaterLevelMM: &lvl,
			},
			DeficitMM:       90 - levelMM,
			DeficitVolumeM3: (90 - levelMM) * 10 * domain.CubicMetersPerMuMM,
		}
	}
	return &domain.Plan{
		ID: id,
		Calc: domain.PlanCalc{
			QAvailM3PerH:  240,
			TimeWindowH:   20,
			TargetDepthMM: 90,
			ActivePumps:   []string{"P1"},
		},
		Batches: []domain.Batch{
			{Index: 1, Fields: []domain.FieldDemand{mkField("E1")}, AreaMu: 10, PumpIDs: []string{"P1"}},
			{Index: 2, Fields: []domain.FieldDemand{mkField("E2")}, AreaMu: 10, PumpIDs: []string{"P1"}},
		},
		Steps: []domain.Step{
			{BatchIndex: 1, TStartH: 1000, TEndH: 1010, Label: "b1"},
			{BatchIndex: 2, TStartH: 1010, TEndH: 1020, Label: "b2"},
		},
		TotalETAH:   20,
		GeneratedAt: time.Now().UTC(),
	}
}

func testManager(t *testing.T, levels LevelProvider, replan Replanner, rec Recorder, enableRegen bool) *Manager {
	t.Helper()
	m := NewManager(levels, replan, rec, Config{
		TickInterval:     5 * time.Millisecond,
		RegenThresholdMM: 10,
		EnableRegen:      enableRegen,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_StartAndStatus(t *testing.T) {
	m := testManager(t, &fakeLevels{}, nil, &fakeRecorder{}, false)
	plan := twoBatchExecPlan("plan-1", 60)

	id, err := m.Start(context.Background(), "farm-1", plan, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	st, err := m.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != domain.ExecRunning {
		t.Errorf("status = %s, want running", st.Status)
	}
	if st.CurrentBatch != 1 {
		t.Errorf("current batch = %d, want 1", st.CurrentBatch)
	}
	if st.PlanID != "plan-1" || st.FarmID != "farm-1" {
		t.Errorf("identity wrong: %+v", st)
	}
}

func TestManager_RegistersPendingBeforeRunning(t *testing.T) {
	rec := &fakeRecorder{}
	m := testManager(t, &fakeLevels{}, nil, rec, false)

	id, err := m.Start(context.Background(), "farm-1", twoBatchExecPlan("plan-1", 60), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Status is served by the loop, so by now both records exist.
	if st, err := m.Status(context.Background(), id); err != nil || st.Status != domain.ExecRunning {
		t.Fatalf("status = %v, %v, want running", st.Status, err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.states) < 2 {
		t.Fatalf("persisted states = %d, want at least 2", len(rec.states))
	}
	if rec.states[0].Status != domain.ExecPending {
		t.Errorf("first persisted status = %s, want pending", rec.states[0].Status)
	}
	if rec.states[1].Status != domain.ExecRunning {
		t.Errorf("second persisted status = %s, want running", rec.states[1].Status)
	}
	if len(rec.events) < 2 || rec.events[0].Status != domain.ExecPending || rec.events[1].Status != domain.ExecRunning {
		t.Errorf("event statuses = %v, want pending then running", rec.events)
	}
}

func TestManager_StartRejectsEmptyPlan(t *testing.T) {
	m := testManager(t, &fakeLevels{}, nil, nil, false)

	_, err := m.Start(context.Background(), "farm-1", &domain.Plan{ID: "empty"}, StartOptions{})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestManager_DuplicatePlanRejected(t *testing.T) {
	m := testManager(t, &fakeLevels{}, nil, nil, false)
	plan := twoBatchExecPlan("plan-1", 60)

	id, err := m.Start(context.Background(), "farm-1", plan, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Start(context.Background(), "farm-1", plan, StartOptions{}); !errors.Is(err, domain.ErrDuplicateExecution) {
		t.Fatalf("second Start err = %v, want ErrDuplicateExecution", err)
	}

	// A terminal execution frees the plan for a new run.
	if err := m.Stop(context.Background(), id, "making room"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := m.Start(context.Background(), "farm-1", plan, StartOptions{}); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
}

func TestManager_PauseResume(t *testing.T) {
	m := testManager(t, &fakeLevels{}, nil, nil, false)
	id, err := m.Start(context.Background(), "farm-1", twoBatchExecPlan("plan-1", 60), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Pause(context.Background(), id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	st, _ := m.Status(context.Background(), id)
	if st.Status != domain.ExecPaused {
		t.Errorf("status = %s, want paused", st.Status)
	}

	// Pausing a paused execution is a no-op.
	if err := m.Pause(context.Background(), id); err != nil {
		t.Errorf("double pause: %v", err)
	}

	if err := m.Resume(context.Background(), id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	st, _ = m.Status(context.Background(), id)
	if st.Status != domain.ExecRunning {
		t.Errorf("status = %s, want running", st.Status)
	}
}

func TestManager_StopRecordsReason(t *testing.T) {
	rec := &fakeRecorder{}
	m := testManager(t, &fakeLevels{}, nil, rec, false)
	id, err := m.Start(context.Background(), "farm-1", twoBatchExecPlan("plan-1", 60), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.MarkBatchComplete(context.Background(), id, 1); err != nil {
		t.Fatalf("MarkBatchComplete: %v", err)
	}
	if err := m.Stop(context.Background(), id, "canal maintenance"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st, err := m.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != domain.ExecStopped {
		t.Errorf("status = %s, want stopped", st.Status)
	}
	if st.StopReason != "canal maintenance (1 batches completed)" {
		t.Errorf("stop reason = %q", st.StopReason)
	}

	if err := m.Pause(context.Background(), id); !errors.Is(err, domain.ErrExecutionDone) {
		t.Errorf("Pause after stop err = %v, want ErrExecutionDone", err)
	}
}

func TestManager_MarkBatchComplete(t *testing.T) {
	m := testManager(t, &fakeLevels{}, nil, nil, false)
	id, err := m.Start(context.Background(), "farm-1", twoBatchExecPlan("plan-1", 60), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	if err := m.MarkBatchComplete(ctx, id, 99); !errors.Is(err, domain.ErrBatchNotFound) {
		t.Fatalf("unknown batch err = %v, want ErrBatchNotFound", err)
	}

	if err := m.MarkBatchComplete(ctx, id, 1); err != nil {
		t.Fatalf("complete batch 1: %v", err)
	}
	st, _ := m.Status(ctx, id)
	if st.CurrentBatch != 2 {
		t.Errorf("current batch = %d, want 2", st.CurrentBatch)
	}
	if len(st.CompletedBatches) != 1 || st.CompletedBatches[0] != 1 {
		t.Errorf("completed = %v, want [1]", st.CompletedBatches)
	}

	// Re-completing an already completed batch changes nothing.
	if err := m.MarkBatchComplete(ctx, id, 1); err != nil {
		t.Fatalf("re-complete batch 1: %v", err)
	}
	st, _ = m.Status(ctx, id)
	if len(st.CompletedBatches) != 1 {
		t.Errorf("completed grew on duplicate: %v", st.CompletedBatches)
	}

	if err := m.MarkBatchComplete(ctx, id, 2); err != nil {
		t.Fatalf("complete batch 2: %v", err)
	}
	st, _ = m.Status(ctx, id)
	if st.Status != domain.ExecCompleted {
		t.Errorf("status = %s, want completed", st.Status)
	}
}

func TestManager_UnknownExecution(t *testing.T) {
	m := testManager(t, &fakeLevels{}, nil, nil, false)

	if _, err := m.Status(context.Background(), "ghost"); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Fatalf("err = %v, want ErrExecutionNotFound", err)
	}
}

func TestExecution_RefreshFailureRetried(t *testing.T) {
	levels := &fakeLevels{failures: 2}
	m := testManager(t, levels, nil, nil, false)
	id, err := m.Start(context.Background(), "farm-1", twoBatchExecPlan("plan-1", 60), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	waitFor(t, "refresh error surfaced", func() bool {
		st, err := m.Status(ctx, id)
		return err == nil && st.LastRefreshError != ""
	})
	st, _ := m.Status(ctx, id)
	if st.Status != domain.ExecRunning {
		t.Fatalf("refresh failure ended execution: %s", st.Status)
	}

	// The next successful tick clears the error.
	waitFor(t, "refresh recovery", func() bool {
		st, err := m.Status(ctx, id)
		return err == nil && st.LastRefreshError == "" && !st.LastRefreshAt.IsZero()
	})
}

func TestExecution_MaterialChangeTriggersRegen(t *testing.T) {
	// Stored level 60mm, fresh reading 40mm: a 20mm swing crosses the
	// 10mm threshold and forces a rebuild of the uncompleted tail.
	fresh := domain.WaterLevelReading{
		FieldID:    "E1",
		LevelMM:    40,
		Source:     domain.SourceSensor,
		Quality:    domain.QualityGood,
		ObservedAt: time.Now().UTC(),
	}
	levels := &fakeLevels{snap: map[string]domain.WaterLevelReading{"E1": fresh}}
	replan := &fakeReplanner{plan: twoBatchExecPlan("plan-2", 40)}
	rec := &fakeRecorder{}
	m := testManager(t, levels, replan, rec, true)

	id, err := m.Start(context.Background(), "farm-1", twoBatchExecPlan("plan-1", 60), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	waitFor(t, "regeneration", func() bool {
		st, err := m.Status(ctx, id)
		return err == nil && st.RegenCount >= 1
	})

	p, err := m.Plan(ctx, id)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if p.ID != "plan-2" {
		t.Errorf("plan id = %s, want plan-2 after regen", p.ID)
	}
	if replan.callCount() < 1 {
		t.Error("replanner never invoked")
	}

	rec.mu.Lock()
	savedNew := false
	for _, pid := range rec.plans {
		if pid == "plan-2" {
			savedNew = true
		}
	}
	rec.mu.Unlock()
	if !savedNew {
		t.Error("regenerated plan was not persisted")
	}
}

func TestExecution_RegenDisabledSkipsReplan(t *testing.T) {
	fresh := domain.WaterLevelReading{
		FieldID:    "E1",
		LevelMM:    10,
		Source:     domain.SourceSensor,
		Quality:    domain.QualityGood,
		ObservedAt: time.Now().UTC(),
	}
	levels := &fakeLevels{snap: map[string]domain.WaterLevelReading{"E1": fresh}}
	replan := &fakeReplanner{plan: twoBatchExecPlan("plan-2", 10)}
	m := testManager(t, levels, replan, nil, false)

	id, err := m.Start(context.Background(), "farm-1", twoBatchExecPlan("plan-1", 60), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	waitFor(t, "a few ticks", func() bool {
		st, err := m.Status(ctx, id)
		return err == nil && !st.LastRefreshAt.IsZero()
	})
	time.Sleep(25 * time.Millisecond)

	if replan.callCount() != 0 {
		t.Errorf("replanner invoked %d times with regeneration disabled", replan.callCount())
	}
	st, _ := m.Status(ctx, id)
	if st.RegenCount != 0 {
		t.Errorf("regen count = %d, want 0", st.RegenCount)
	}
}

func TestExecution_ReplanFailureFailsExecution(t *testing.T) {
	fresh := domain.WaterLevelReading{
		FieldID:    "E1",
		LevelMM:    40,
		Source:     domain.SourceSensor,
		Quality:    domain.QualityGood,
		ObservedAt: time.Now().UTC(),
	}
	levels := &fakeLevels{snap: map[string]domain.WaterLevelReading{"E1": fresh}}
	replan := &fakeReplanner{err: domain.ErrNoCapacity}
	m := testManager(t, levels, replan, nil, true)

	id, err := m.Start(context.Background(), "farm-1", twoBatchExecPlan("plan-1", 60), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	waitFor(t, "failed state", func() bool {
		st, err := m.Status(ctx, id)
		return err == nil && st.Status == domain.ExecFailed
	})
	st, _ := m.Status(ctx, id)
	if st.StopReason == "" {
		t.Error("failed execution has no reason")
	}
	if st.CurrentBatch != 1 {
		t.Errorf("current batch moved on failure: %d", st.CurrentBatch)
	}
}

func TestExecution_EventsRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	m := testManager(t, &fakeLevels{}, nil, rec, false)
	id, err := m.Start(context.Background(), "farm-1", twoBatchExecPlan("plan-1", 60), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "start event", func() bool { return rec.eventCount() >= 1 })
	if err := m.Stop(context.Background(), id, "done testing"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "stop event", func() bool { return rec.eventCount() >= 2 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.events); i++ {
		if rec.events[i].SeqNo <= rec.events[i-1].SeqNo {
			t.Errorf("event seq not increasing: %d then %d", rec.events[i-1].SeqNo, rec.events[i].SeqNo)
		}
	}
}
