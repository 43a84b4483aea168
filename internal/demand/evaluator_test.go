package demand

import (
	"math"
	"testing"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

func reading(fieldID string, level float64, q domain.ReadingQuality) domain.WaterLevelReading {
	return domain.WaterLevelReading{
		FieldID:    fieldID,
		LevelMM:    level,
		Source:     domain.SourceSensor,
		Quality:    q,
		ObservedAt: time.Now(),
	}
}

func TestEvaluate_DeficitVolume(t *testing.T) {
	fields := map[string]domain.Field{
		"F1": {ID: "F1", AreaMu: 10, SegmentID: "S1"},
	}
	levels := map[string]domain.WaterLevelReading{
		"F1": reading("F1", 30, domain.QualityGood),
	}

	set, err := Evaluate(fields, levels, 90)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(set.Active) != 1 {
		t.Fatalf("active = %d, want 1", len(set.Active))
	}
	fd := set.Active[0]
	if fd.DeficitMM != 60 {
		t.Errorf("DeficitMM = %v, want 60", fd.DeficitMM)
	}
	want := 60 * 10 * domain.CubicMetersPerMuMM
	if math.Abs(fd.DeficitVolumeM3-want) > 1e-9 {
		t.Errorf("DeficitVolumeM3 = %v, want %v", fd.DeficitVolumeM3, want)
	}
}

func TestEvaluate_UnknownLevelSkipped(t *testing.T) {
	fields := map[string]domain.Field{
		"F1": {ID: "F1", AreaMu: 10},
		"F2": {ID: "F2", AreaMu: 10},
		"F3": {ID: "F3", AreaMu: 10},
	}
	levels := map[string]domain.WaterLevelReading{
		"F1": reading("F1", 30, domain.QualityGood),
		"F3": reading("F3", 40, domain.QualityInvalid),
	}

	set, err := Evaluate(fields, levels, 90)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(set.Active) != 1 || set.Active[0].Field.ID != "F1" {
		t.Fatalf("active = %v, want only F1", set.Active)
	}
	if len(set.SkippedNoLevel) != 2 {
		t.Fatalf("skipped = %v, want F2 and F3", set.SkippedNoLevel)
	}
	for _, id := range set.SkippedNoLevel {
		if id != "F2" && id != "F3" {
			t.Errorf("unexpected skipped id %q", id)
		}
	}
}

func TestEvaluate_SatisfiedExcluded(t *testing.T) {
	fields := map[string]domain.Field{
		"F1": {ID: "F1", AreaMu: 10},
		"F2": {ID: "F2", AreaMu: 10},
	}
	levels := map[string]domain.WaterLevelReading{
		"F1": reading("F1", 90, domain.QualityGood),
		"F2": reading("F2", 120, domain.QualityExcellent),
	}

	set, err := Evaluate(fields, levels, 90)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(set.Active) != 0 {
		t.Errorf("active = %v, want empty", set.Active)
	}
	if len(set.Satisfied) != 2 {
		t.Errorf("satisfied = %v, want 2 entries", set.Satisfied)
	}
}

func TestEvaluate_PoorQualityParticipates(t *testing.T) {
	fields := map[string]domain.Field{
		"F1": {ID: "F1", AreaMu: 5},
	}
	levels := map[string]domain.WaterLevelReading{
		"F1": reading("F1", 20, domain.QualityPoor),
	}

	set, err := Evaluate(fields, levels, 90)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(set.Active) != 1 {
		t.Fatalf("active = %d, want 1", len(set.Active))
	}
	if set.QualityCounts[domain.QualityPoor] != 1 {
		t.Errorf("quality counts = %v, want poor:1", set.QualityCounts)
	}
}

func TestEvaluate_InvalidTarget(t *testing.T) {
	_, err := Evaluate(nil, nil, 0)
	if err != domain.ErrInvalidTarget {
		t.Fatalf("err = %v, want ErrInvalidTarget", err)
	}
}

func TestEvaluateOne_ClampsNegativeDeficit(t *testing.T) {
	fd := EvaluateOne(domain.Field{ID: "F1", AreaMu: 10}, 120, 90)
	if fd.DeficitMM != 0 || fd.DeficitVolumeM3 != 0 {
		t.Errorf("deficit = %v mm / %v m3, want zero", fd.DeficitMM, fd.DeficitVolumeM3)
	}
}
