package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
	"github.com/gzpfarm/irrigation-engine/internal/metrics"
	"github.com/gzpfarm/irrigation-engine/internal/regen"
)

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdStop
	cmdComplete
	cmdStatus
	cmdPlan
)

type command struct {
	kind   cmdKind
	batch  int
	reason string
	reply  chan reply
}

type reply struct {
	state domain.ExecutionState
	plan  *domain.Plan
	err   error
}

type execDeps struct {
	levels    LevelProvider
	replan    Replanner
	rec       Recorder
	log       *slog.Logger
	interval  time.Duration
	threshold float64
	regen     bool
}

// execution is one running plan. Its loop goroutine is the only writer
// of state and plan; everything else talks through the mailbox.
type execution struct {
	id   string
	deps execDeps

	cmds chan command
	done chan struct{}

	// Owned by the loop until done is closed, then frozen.
	state  domain.ExecutionState
	plan   *domain.Plan
	seqNo  int64
	now    func() time.Time
	origin time.Time
}

func newExecution(id, farmID string, plan *domain.Plan, scenarioName string, deps execDeps) *execution {
	now := time.Now().UTC()
	return &execution{
		id:   id,
		deps: deps,
		cmds: make(chan command),
		done: make(chan struct{}),
		state: domain.ExecutionState{
			ID:               id,
			PlanID:           plan.ID,
			FarmID:           farmID,
			Status:           domain.ExecPending,
			ScenarioName:     scenarioName,
			CurrentBatch:     firstBatchIndex(plan),
			CompletedBatches: []int{},
			StartedAt:        now,
			UpdatedAt:        now,
		},
		plan: plan,
		now:  time.Now,
	}
}

func firstBatchIndex(p *domain.Plan) int {
	if len(p.Batches) == 0 {
		return 0
	}
	return p.Batches[0].Index
}

// planID is safe to read from any goroutine: the originating plan id is
// set at construction and never reassigned, even across regenerations.
func (e *execution) planID() string {
	return e.state.PlanID
}

func (e *execution) terminal() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// run is the execution loop: the single writer for all execution state.
func (e *execution) run(ctx context.Context) {
	// Wall time when the plan timeline's origin passed.
	e.origin = e.now().Add(-time.Duration(planStartH(e.plan) * float64(time.Hour)))

	e.record(ctx, "execution registered")
	e.persist(ctx)
	// The mailbox is first served below, so callers always observe the
	// execution as running once Start has returned.
	e.transition(ctx, domain.ExecRunning, "")

	ticker := time.NewTicker(e.deps.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.transition(ctx, domain.ExecStopped, "context canceled")
			close(e.done)
			return
		case cmd := <-e.cmds:
			e.handle(ctx, cmd)
		case <-ticker.C:
			if e.state.Status == domain.ExecRunning {
				e.tick(ctx)
			}
		}
		if e.state.Status.Terminal() {
			close(e.done)
			return
		}
	}
}

func (e *execution) handle(ctx context.Context, cmd command) {
	var r reply
	switch cmd.kind {
	case cmdStatus:
		r.state = e.snapshot()
	case cmdPlan:
		r.plan = e.plan
	case cmdPause:
		r.err = e.transition(ctx, domain.ExecPaused, "")
	case cmdResume:
		r.err = e.transition(ctx, domain.ExecRunning, "")
	case cmdStop:
		reason := cmd.reason
		if reason == "" {
			reason = "stopped by operator"
		}
		r.err = e.transition(ctx, domain.ExecStopped,
			fmt.Sprintf("%s (%d batches completed)", reason, len(e.state.CompletedBatches)))
	case cmdComplete:
		r.err = e.markComplete(ctx, cmd.batch)
	}
	cmd.reply <- r
}

// transition enforces the execution lifecycle.
func (e *execution) transition(ctx context.Context, to domain.ExecutionStatus, reason string) error {
	if e.state.Status == to {
		return nil
	}
	if e.state.Status.Terminal() {
		return domain.ErrExecutionDone
	}
	if !domain.CanTransition(e.state.Status, to) {
		return domain.ErrInvalidExecState.WithDetail("%s -> %s", e.state.Status, to)
	}
	e.state.Status = to
	if reason != "" {
		e.state.StopReason = reason
	}
	e.state.UpdatedAt = e.now().UTC()
	e.record(ctx, reason)
	e.persist(ctx)
	return nil
}

// markComplete appends to the completed set; indices never leave it.
func (e *execution) markComplete(ctx context.Context, batchIndex int) error {
	if e.state.Status.Terminal() {
		return domain.ErrExecutionDone
	}
	if _, ok := e.plan.BatchByIndex(batchIndex); !ok {
		return domain.ErrBatchNotFound.WithDetail("batch %d", batchIndex)
	}
	for _, done := range e.state.CompletedBatches {
		if done == batchIndex {
			return nil
		}
	}
	e.state.CompletedBatches = append(e.state.CompletedBatches, batchIndex)
	e.advance(ctx)
	return nil
}

// advance recomputes the current batch and completes the execution when
// nothing is left.
func (e *execution) advance(ctx context.Context) {
	doneSet := make(map[int]bool, len(e.state.CompletedBatches))
	for _, idx := range e.state.CompletedBatches {
		doneSet[idx] = true
	}
	for _, b := range e.plan.Batches {
		if !doneSet[b.Index] {
			e.state.CurrentBatch = b.Index
			e.state.UpdatedAt = e.now().UTC()
			e.persist(ctx)
			return
		}
	}
	e.state.CurrentBatch = 0
	e.transition(ctx, domain.ExecCompleted, "all batches completed")
}

// tick drives timeline progression, water-level refresh and, when armed,
// regeneration. A refresh failure never fails the execution; it is noted
// and retried on the next tick.
func (e *execution) tick(ctx context.Context) {
	metrics.ExecutionTicks.Inc()

	// Batches whose step window has fully passed are complete.
	elapsedH := e.now().Sub(e.origin).Hours()
	for _, s := range e.plan.Steps {
		if s.TEndH <= elapsedH {
			e.markComplete(ctx, s.BatchIndex)
			if e.state.Status.Terminal() {
				return
			}
		}
	}

	if e.deps.levels == nil {
		return
	}
	if err := e.deps.levels.Refresh(ctx, e.state.FarmID); err != nil {
		metrics.RefreshErrors.Inc()
		e.state.LastRefreshError = err.Error()
		e.state.UpdatedAt = e.now().UTC()
		e.deps.log.Warn("water level refresh failed, will retry",
			"execution_id", e.id, "error", err)
		return
	}
	e.state.LastRefreshError = ""
	e.state.LastRefreshAt = e.now().UTC()

	if !e.deps.regen || e.deps.replan == nil {
		return
	}
	levels := e.deps.levels.Snapshot()
	delta := regen.MaxLevelDelta(e.plan, levels, e.state.CurrentBatch)
	if delta < e.deps.threshold {
		return
	}

	newPlan, err := e.deps.replan.Refresh(e.plan, levels, e.state.CurrentBatch)
	if err != nil {
		// The schedule can no longer be honored: freeze and fail.
		e.deps.log.Error("regeneration failed",
			"execution_id", e.id, "current_batch", e.state.CurrentBatch, "error", err)
		e.state.Status = domain.ExecFailed
		e.state.StopReason = fmt.Sprintf("regeneration failed at batch %d: %v", e.state.CurrentBatch, err)
		e.state.UpdatedAt = e.now().UTC()
		e.record(ctx, e.state.StopReason)
		e.persist(ctx)
		return
	}

	e.deps.log.Info("plan regenerated on material water level change",
		"execution_id", e.id, "delta_mm", delta, "new_plan_id", newPlan.ID)
	metrics.Regenerations.WithLabelValues("waterlevel").Inc()
	e.plan = newPlan
	e.state.RegenCount++
	e.state.UpdatedAt = e.now().UTC()
	if e.deps.rec != nil {
		if err := e.deps.rec.SavePlan(ctx, e.state.FarmID, newPlan); err != nil {
			e.deps.log.Warn("persist regenerated plan", "execution_id", e.id, "error", err)
		}
	}
	e.record(ctx, fmt.Sprintf("plan regenerated (delta %.1fmm)", delta))
	e.persist(ctx)
	e.advance(ctx)
}

func (e *execution) snapshot() domain.ExecutionState {
	st := e.state
	st.CompletedBatches = append([]int(nil), e.state.CompletedBatches...)
	return st
}

func (e *execution) record(ctx context.Context, detail string) {
	if e.deps.rec == nil {
		return
	}
	e.seqNo++
	ev := domain.ExecutionEvent{
		ExecutionID: e.id,
		SeqNo:       e.seqNo,
		Status:      e.state.Status,
		Detail:      detail,
		At:          e.now().UTC(),
	}
	if err := e.deps.rec.RecordEvent(ctx, ev); err != nil {
		e.deps.log.Warn("record execution event", "execution_id", e.id, "error", err)
	}
}

func (e *execution) persist(ctx context.Context) {
	if e.deps.rec == nil {
		return
	}
	if err := e.deps.rec.SaveState(ctx, e.snapshot()); err != nil {
		e.deps.log.Warn("persist execution state", "execution_id", e.id, "error", err)
	}
}

// send delivers a command to the loop, or reports a finished execution.
func (e *execution) send(ctx context.Context, kind cmdKind, batch int, reason string) error {
	cmd := command{kind: kind, batch: batch, reason: reason, reply: make(chan reply, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return domain.ErrExecutionDone
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *execution) status(ctx context.Context) (domain.ExecutionState, error) {
	cmd := command{kind: cmdStatus, reply: make(chan reply, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return e.state, nil
	case <-ctx.Done():
		return domain.ExecutionState{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.state, nil
	case <-ctx.Done():
		return domain.ExecutionState{}, ctx.Err()
	}
}

func (e *execution) currentPlan(ctx context.Context) (*domain.Plan, error) {
	cmd := command{kind: cmdPlan, reply: make(chan reply, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return e.plan, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.plan, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func planStartH(p *domain.Plan) float64 {
	if len(p.Steps) > 0 {
		return p.Steps[0].TStartH
	}
	return 0
}
