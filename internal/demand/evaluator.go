// Package demand computes per-field irrigation deficits.
package demand

import (
	"sort"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// Evaluate builds the active demand set for a target depth. Fields with no
// usable reading are skipped and reported, never given a default level.
// Fields at or above the target are reported as satisfied. Poor readings
// participate like good ones; only invalid ones are treated as unknown.
func Evaluate(fields map[string]domain.Field, levels map[string]domain.WaterLevelReading, targetDepthMM float64) (domain.DemandSet, error) {
	if targetDepthMM <= 0 {
		return domain.DemandSet{}, domain.ErrInvalidTarget
	}

	set := domain.DemandSet{
		TargetDepthMM: targetDepthMM,
		QualityCounts: make(map[domain.ReadingQuality]int),
	}

	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		f := fields[id]
		reading, ok := levels[id]
		if !ok || !reading.Usable() {
			set.SkippedNoLevel = append(set.SkippedNoLevel, id)
			continue
		}
		set.QualityCounts[reading.Quality]++

		if reading.LevelMM >= targetDepthMM {
			set.Satisfied = append(set.Satisfied, id)
			continue
		}

		deficitMM := targetDepthMM - reading.LevelMM
		level := reading.LevelMM
		f.WaterLevelMM = &level
		set.Active = append(set.Active, domain.FieldDemand{
			Field:           f,
			DeficitMM:       deficitMM,
			DeficitVolumeM3: deficitMM * f.AreaMu * domain.CubicMetersPerMuMM,
		})
	}

	return set, nil
}

// EvaluateOne computes a single field's demand from an explicit level,
// used when a regeneration request supplies a custom reading.
func EvaluateOne(f domain.Field, levelMM, targetDepthMM float64) domain.FieldDemand {
	deficitMM := targetDepthMM - levelMM
	if deficitMM < 0 {
		deficitMM = 0
	}
	lv := levelMM
	f.WaterLevelMM = &lv
	return domain.FieldDemand{
		Field:           f,
		DeficitMM:       deficitMM,
		DeficitVolumeM3: deficitMM * f.AreaMu * domain.CubicMetersPerMuMM,
	}
}
