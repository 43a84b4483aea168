package regen

import (
	"math"

	"github.com/gzpfarm/irrigation-engine/internal/demand"
	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// MaxLevelDelta returns the largest absolute difference, in mm, between
// the levels a plan's uncompleted batches were computed from and the
// fresh readings. Fields without a usable fresh reading contribute zero.
func MaxLevelDelta(plan *domain.Plan, levels map[string]domain.WaterLevelReading, fromBatch int) float64 {
	var max float64
	for _, b := range plan.Batches {
		if b.Index < fromBatch {
			continue
		}
		for _, fd := range b.Fields {
			if fd.Field.WaterLevelMM == nil {
				continue
			}
			r, ok := levels[fd.Field.ID]
			if !ok || !r.Usable() {
				continue
			}
			if d := math.Abs(r.LevelMM - *fd.Field.WaterLevelMM); d > max {
				max = d
			}
		}
	}
	return max
}

// Refresh rebuilds the batches at or after fromBatch against fresh water
// levels. Fields whose fresh reading already meets the target drop out;
// fields without a usable fresh reading keep their stored deficit.
func (e *Engine) Refresh(plan *domain.Plan, levels map[string]domain.WaterLevelReading, fromBatch int) (*domain.Plan, error) {
	if fromBatch < 1 {
		fromBatch = 1
	}
	if fromBatch > len(plan.Batches)+1 {
		return nil, domain.ErrBatchNotFound.WithDetail("scope %d, plan has %d batches", fromBatch, len(plan.Batches))
	}

	ws := &workingSet{
		roster:  append([]string(nil), plan.Calc.ActivePumps...),
		dirty:   true,
		present: plan.FieldIDSet(),
	}
	target := plan.Calc.TargetDepthMM
	for _, b := range plan.Batches {
		if b.Index < fromBatch {
			continue
		}
		for _, fd := range b.Fields {
			r, ok := levels[fd.Field.ID]
			if !ok || !r.Usable() {
				ws.fields = append(ws.fields, fd)
				continue
			}
			if r.LevelMM >= target {
				continue
			}
			ws.fields = append(ws.fields, demand.EvaluateOne(fd.Field, r.LevelMM, target))
		}
	}

	return e.rebuild(plan, ws, fromBatch)
}
