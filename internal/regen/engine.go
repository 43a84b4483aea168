// Package regen rebuilds plans in response to modification requests and
// refreshed water levels.
package regen

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gzpfarm/irrigation-engine/internal/demand"
	"github.com/gzpfarm/irrigation-engine/internal/domain"
	"github.com/gzpfarm/irrigation-engine/internal/planner"
)

// Engine applies plan modifications against one topology snapshot.
type Engine struct {
	topo    *domain.Topology
	planner *planner.Planner
}

// New returns a regeneration engine for the topology.
func New(topo *domain.Topology) *Engine {
	return &Engine{topo: topo, planner: planner.New(topo)}
}

// Options scope a regeneration pass.
type Options struct {
	// FromBatch is the first batch index open to rebuilding; batches
	// before it are reused by reference. Zero means 1.
	FromBatch int
}

// workingSet is the mutable state threaded through a modification pass.
// dirty marks the scoped batches for re-accumulation; a clean set keeps
// them by reference and only retimes or re-equips them.
type workingSet struct {
	fields   []domain.FieldDemand
	roster   []string
	dirty    bool
	shifts   map[int]timeShift
	reassign map[int][]string
	present  map[string]bool
}

// timeShift is one batch's pending retiming. A zero durationH keeps the
// step's current length.
type timeShift struct {
	startH    float64
	hasStart  bool
	durationH float64
}

// Regenerate validates and applies the request, then rebuilds the scoped
// batches. The input plan is never mutated. Without force, the first
// failing modification aborts the pass and the caller keeps the original
// plan; with force, failing modifications are skipped and itemized.
// An empty request yields a plan numerically equal to the input.
func (e *Engine) Regenerate(plan *domain.Plan, levels map[string]domain.WaterLevelReading, req domain.RegenerationRequest) (*domain.Plan, *domain.RegenerationSummary, error) {
	opts := Options{}
	return e.regenerate(plan, levels, req, opts)
}

// RegenerateFrom is Regenerate scoped to batches at or after fromBatch.
func (e *Engine) RegenerateFrom(plan *domain.Plan, levels map[string]domain.WaterLevelReading, req domain.RegenerationRequest, fromBatch int) (*domain.Plan, *domain.RegenerationSummary, error) {
	return e.regenerate(plan, levels, req, Options{FromBatch: fromBatch})
}

func (e *Engine) regenerate(plan *domain.Plan, levels map[string]domain.WaterLevelReading, req domain.RegenerationRequest, opts Options) (*domain.Plan, *domain.RegenerationSummary, error) {
	scope := opts.FromBatch
	if scope < 1 {
		scope = 1
	}
	if scope > len(plan.Batches)+1 {
		return nil, nil, domain.ErrBatchNotFound.WithDetail("scope %d, plan has %d batches", scope, len(plan.Batches))
	}

	ws := &workingSet{
		roster:   append([]string(nil), plan.Calc.ActivePumps...),
		shifts:   make(map[int]timeShift),
		reassign: make(map[int][]string),
		present:  plan.FieldIDSet(),
	}
	for _, b := range plan.Batches {
		if b.Index >= scope {
			ws.fields = append(ws.fields, b.Fields...)
		}
	}

	summary := &domain.RegenerationSummary{PlanID: plan.ID, Forced: req.Force}
	for _, mod := range req.Modifications {
		err := e.apply(ws, plan, mod, levels, scope)
		res := domain.ModificationResult{Modification: mod, Applied: err == nil}
		if err != nil {
			res.Error = err.Error()
			if !req.Force {
				return nil, nil, fmt.Errorf("apply %s: %w", mod.Kind, err)
			}
			summary.Failed = append(summary.Failed, res)
			continue
		}
		summary.Applied = append(summary.Applied, res)
	}

	rebuilt, err := e.rebuild(plan, ws, scope)
	if err != nil {
		return nil, nil, err
	}

	summary.NewPlanID = rebuilt.ID
	summary.TotalETADeltaH = rebuilt.TotalETAH - plan.TotalETAH
	for _, b := range plan.Batches {
		if b.Index < scope {
			summary.BatchesReused = append(summary.BatchesReused, b.Index)
		}
	}
	for _, b := range rebuilt.Batches {
		if b.Index >= scope {
			summary.BatchesRebuilt = append(summary.BatchesRebuilt, b.Index)
		}
	}
	return rebuilt, summary, nil
}

// apply mutates the working set for one modification or reports why it
// cannot.
func (e *Engine) apply(ws *workingSet, plan *domain.Plan, mod domain.Modification, levels map[string]domain.WaterLevelReading, scope int) error {
	switch mod.Kind {
	case domain.ModAddField:
		f, ok := e.topo.Fields[mod.FieldID]
		if !ok {
			return domain.ErrFieldNotFound.WithDetail("%s", mod.FieldID)
		}
		if ws.present[mod.FieldID] {
			return domain.ErrFieldExists.WithDetail("%s", mod.FieldID)
		}
		var level float64
		switch {
		case mod.CustomLevelMM != nil:
			level = *mod.CustomLevelMM
		default:
			r, ok := levels[mod.FieldID]
			if !ok || !r.Usable() {
				return domain.ErrUnknownWaterLevel.WithDetail("%s", mod.FieldID)
			}
			level = r.LevelMM
		}
		fd := demand.EvaluateOne(f, level, plan.Calc.TargetDepthMM)
		ws.fields = append(ws.fields, fd)
		ws.present[mod.FieldID] = true
		ws.dirty = true
		return nil

	case domain.ModRemoveField:
		for i, fd := range ws.fields {
			if fd.Field.ID == mod.FieldID {
				ws.fields = append(ws.fields[:i], ws.fields[i+1:]...)
				delete(ws.present, mod.FieldID)
				ws.dirty = true
				return nil
			}
		}
		if ws.present[mod.FieldID] {
			return domain.ErrInvalidRequest.WithDetail("field %s is in an already completed batch", mod.FieldID)
		}
		return domain.ErrFieldNotFound.WithDetail("%s not scheduled in plan", mod.FieldID)

	case domain.ModReassignPumps:
		if len(mod.PumpIDs) == 0 {
			return domain.ErrEmptyRoster
		}
		var flow float64
		for _, id := range mod.PumpIDs {
			p, ok := e.topo.Pumps[id]
			if !ok {
				return domain.ErrPumpNotFound.WithDetail("%s", id)
			}
			flow += p.EffectiveFlow()
		}
		if flow <= 0 {
			return domain.ErrNoCapacity
		}
		var cover []domain.FieldDemand
		if mod.BatchIndex == 0 {
			cover = ws.fields
		} else {
			b, ok := plan.BatchByIndex(mod.BatchIndex)
			if !ok || mod.BatchIndex < scope {
				return domain.ErrBatchNotFound.WithDetail("batch %d", mod.BatchIndex)
			}
			cover = b.Fields
		}
		var remaining float64
		for _, fd := range cover {
			remaining += fd.DeficitVolumeM3
			sid := baseSegmentID(fd.Field.SegmentID)
			seg, ok := e.topo.Segments[sid]
			if !ok {
				return domain.ErrSegmentNotFound.WithDetail("%s", sid)
			}
			if !reachable(seg, mod.PumpIDs) {
				return domain.ErrInsufficientFlow.WithDetail("segment %s not fed by %v", seg.ID, mod.PumpIDs)
			}
		}
		if remaining > flow*plan.Calc.TimeWindowH+1e-9 {
			return domain.ErrInsufficientFlow.WithDetail(
				"remaining deficit %.1f m3 exceeds %.1f m3 available in window", remaining, flow*plan.Calc.TimeWindowH)
		}
		if mod.BatchIndex == 0 {
			ws.roster = append([]string(nil), mod.PumpIDs...)
			ws.dirty = true
		} else {
			ws.reassign[mod.BatchIndex] = append([]string(nil), mod.PumpIDs...)
		}
		return nil

	case domain.ModShiftTime:
		if _, ok := plan.BatchByIndex(mod.BatchIndex); !ok || mod.BatchIndex < scope {
			return domain.ErrBatchNotFound.WithDetail("batch %d", mod.BatchIndex)
		}
		if mod.NewDurationH < 0 {
			return domain.ErrInvalidShift.WithDetail("duration %.2fh is negative", mod.NewDurationH)
		}
		sh := timeShift{durationH: mod.NewDurationH}
		switch {
		case mod.DeltaH != 0:
			for _, s := range plan.Steps {
				if s.BatchIndex == mod.BatchIndex {
					sh.startH = s.TStartH + mod.DeltaH
					sh.hasStart = true
				}
			}
		case mod.NewStartH != 0 || mod.NewDurationH == 0:
			sh.startH = mod.NewStartH
			sh.hasStart = true
		}
		if sh.hasStart && sh.startH < 0 {
			return domain.ErrInvalidShift.WithDetail("start %.2fh is negative", sh.startH)
		}
		ws.shifts[mod.BatchIndex] = sh
		return nil

	default:
		return domain.ErrInvalidModKind.WithDetail("%q", mod.Kind)
	}
}

// rebuild assembles the output plan: a dirty working set re-plans the
// scoped batches, a clean one keeps them by reference. Per-batch pump
// reassignments and time shifts are then applied with their end-time
// deltas cascaded through the later steps.
func (e *Engine) rebuild(plan *domain.Plan, ws *workingSet, scope int) (*domain.Plan, error) {
	startOffset := planStartH(plan)
	var prefixBatches []domain.Batch
	var prefixSteps []domain.Step
	for i, b := range plan.Batches {
		if b.Index < scope {
			prefixBatches = append(prefixBatches, b)
			prefixSteps = append(prefixSteps, plan.Steps[i])
		}
	}
	if len(prefixSteps) > 0 {
		startOffset = prefixSteps[len(prefixSteps)-1].TEndH
	}

	var out domain.Plan
	var batches []domain.Batch
	var steps []domain.Step
	if ws.dirty {
		built, err := e.planner.Build(
			domain.DemandSet{Active: ws.fields, TargetDepthMM: plan.Calc.TargetDepthMM},
			planner.Options{
				TargetDepthMM: plan.Calc.TargetDepthMM,
				TimeWindowH:   plan.Calc.TimeWindowH,
				ActivePumps:   ws.roster,
				AllowedZones:  plan.Calc.AllowedZones,
				StartOffsetH:  startOffset,
			})
		if err != nil {
			return nil, err
		}
		out = *built
		offset := len(prefixBatches)
		batches = append([]domain.Batch(nil), prefixBatches...)
		steps = append([]domain.Step(nil), prefixSteps...)
		for _, b := range built.Batches {
			b.Index += offset
			batches = append(batches, b)
		}
		for _, s := range built.Steps {
			s.BatchIndex += offset
			s.Label = fmt.Sprintf("batch %d", s.BatchIndex)
			steps = append(steps, s)
		}
	} else {
		out = *plan
		out.ID = uuid.NewString()
		out.GeneratedAt = time.Now().UTC()
		batches = append([]domain.Batch(nil), plan.Batches...)
		steps = append([]domain.Step(nil), plan.Steps...)
	}

	if err := e.applyReassignments(batches, steps, ws.reassign, plan.Calc.TimeWindowH); err != nil {
		return nil, err
	}
	if err := applyShifts(steps, ws.shifts); err != nil {
		return nil, err
	}
	reflagShortened(batches, ws.shifts)

	out.Batches = batches
	out.Steps = steps
	out.TotalETAH = 0
	out.TotalDeficitM3 = 0
	out.TotalAreaMu = 0
	runtime := make(map[string]float64)
	for i, b := range batches {
		out.TotalETAH += b.Stats.ETAHours
		out.TotalDeficitM3 += b.Stats.DeficitVolM3
		out.TotalAreaMu += b.AreaMu
		for _, id := range b.PumpIDs {
			runtime[id] += steps[i].DurationH()
		}
	}
	out.PumpRuntimeH = runtime
	out.Calc.SkippedNoLevel = plan.Calc.SkippedNoLevel
	return &out, nil
}

// applyReassignments swaps one batch's pump roster without disturbing its
// field set: stats and the step's command sequence are recomputed for the
// new flow, and later steps move by the resulting end-time delta.
func (e *Engine) applyReassignments(batches []domain.Batch, steps []domain.Step, reassign map[int][]string, windowH float64) error {
	if len(reassign) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(reassign))
	for idx := range reassign {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	for _, idx := range idxs {
		pos := -1
		for i, b := range batches {
			if b.Index == idx {
				pos = i
				break
			}
		}
		if pos < 0 {
			return domain.ErrBatchNotFound.WithDetail("batch %d", idx)
		}
		var flow float64
		for _, id := range reassign[idx] {
			flow += e.topo.Pumps[id].EffectiveFlow()
		}

		b := batches[pos]
		b.PumpIDs = append([]string(nil), reassign[idx]...)
		b.Stats.CapVolM3 = flow * windowH
		b.Stats.ETAHours = b.Stats.DeficitVolM3 / flow
		b.TimeExceeded = b.Stats.DeficitVolM3 > b.Stats.CapVolM3+1e-9
		batches[pos] = b

		oldEnd := steps[pos].TEndH
		start := steps[pos].TStartH
		steps[pos] = e.planner.BuildStep(b, start, start+b.Stats.ETAHours, b.PumpIDs)
		delta := steps[pos].TEndH - oldEnd
		for i := pos + 1; i < len(steps); i++ {
			shiftStep(&steps[i], delta)
		}
	}
	return nil
}

// applyShifts retimes each named batch and cascades the end-time delta
// through every later step. A shift may not pull a batch before the end
// of its predecessor.
func applyShifts(steps []domain.Step, shifts map[int]timeShift) error {
	if len(shifts) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(shifts))
	for idx := range shifts {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	for _, idx := range idxs {
		pos := -1
		for i, s := range steps {
			if s.BatchIndex == idx {
				pos = i
				break
			}
		}
		if pos < 0 {
			return domain.ErrBatchNotFound.WithDetail("batch %d", idx)
		}
		sh := shifts[idx]
		start := steps[pos].TStartH
		if sh.hasStart {
			start = sh.startH
		}
		if pos > 0 && start < steps[pos-1].TEndH-1e-9 {
			return domain.ErrInvalidShift.WithDetail(
				"batch %d start %.2fh precedes end of batch %d at %.2fh",
				idx, start, steps[pos-1].BatchIndex, steps[pos-1].TEndH)
		}
		oldEnd := steps[pos].TEndH
		if sh.durationH > 0 {
			// An explicit duration spans the whole window, commands included.
			s := &steps[pos]
			s.TStartH, s.TEndH = start, start+sh.durationH
			cmds := append([]domain.Command(nil), s.Commands...)
			for i := range cmds {
				cmds[i].TStartH, cmds[i].TEndH = s.TStartH, s.TEndH
			}
			s.Commands = cmds
		} else {
			shiftStep(&steps[pos], start-steps[pos].TStartH)
		}
		delta := steps[pos].TEndH - oldEnd
		for i := pos + 1; i < len(steps); i++ {
			shiftStep(&steps[i], delta)
		}
	}
	return nil
}

// reflagShortened re-checks TimeExceeded for batches given an explicit
// duration: the allotted hours now bound what the batch can deliver.
func reflagShortened(batches []domain.Batch, shifts map[int]timeShift) {
	for idx, sh := range shifts {
		if sh.durationH <= 0 {
			continue
		}
		for i, b := range batches {
			if b.Index == idx {
				b.TimeExceeded = b.Stats.ETAHours > sh.durationH+1e-9
				batches[i] = b
				break
			}
		}
	}
}

// shiftStep moves a step without aliasing the source plan's commands.
func shiftStep(s *domain.Step, delta float64) {
	if delta == 0 {
		return
	}
	s.TStartH += delta
	s.TEndH += delta
	cmds := append([]domain.Command(nil), s.Commands...)
	for i := range cmds {
		cmds[i].TStartH += delta
		cmds[i].TEndH += delta
	}
	s.Commands = cmds
}

func planStartH(plan *domain.Plan) float64 {
	if len(plan.Steps) > 0 {
		return plan.Steps[0].TStartH
	}
	return 0
}

func baseSegmentID(segID string) string {
	for i := 0; i+1 < len(segID); i++ {
		if segID[i] == '-' && segID[i+1] == 'G' {
			return segID[:i]
		}
	}
	return segID
}

func reachable(seg domain.Segment, pumps []string) bool {
	if len(seg.FedBy) == 0 {
		return true
	}
	for _, f := range seg.FedBy {
		for _, p := range pumps {
			if f == p {
				return true
			}
		}
	}
	return false
}
