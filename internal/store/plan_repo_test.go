package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

func samplePlan(id string) *domain.Plan {
	level := 30.0
	return &domain.Plan{
		ID: id,
		Calc: domain.PlanCalc{
			QAvailM3PerH:  240,
			TimeWindowH:   20,
			TargetDepthMM: 90,
			ActivePumps:   []string{"P1"},
		},
		Batches: []domain.Batch{{
			Index: 1,
			Fields: []domain.FieldDemand{{
				Field:           domain.Field{ID: "S1-G1-F1", AreaMu: 10, SegmentID: "S1", WaterLevelMM: &level},
				DeficitMM:       60,
				DeficitVolumeM3: 400,
			}},
			AreaMu:  10,
			Stats:   domain.BatchStats{DeficitVolM3: 400, CapVolM3: 4800, ETAHours: 400.0 / 240},
			PumpIDs: []string{"P1"},
		}},
		Steps: []domain.Step{{
			BatchIndex: 1, TStartH: 0, TEndH: 400.0 / 240, Label: "batch 1",
		}},
		TotalETAH:      400.0 / 240,
		TotalDeficitM3: 400,
		TotalAreaMu:    10,
		GeneratedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestPlanRepo_SaveAndGet(t *testing.T) {
	db := testDB(t)
	repo := &PlanRepo{}
	ctx := context.Background()

	plan := samplePlan("plan-1")
	if err := repo.Save(ctx, db, "farm-1", plan); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.GetByID(ctx, db, "plan-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ID != plan.ID || len(got.Batches) != 1 {
		t.Errorf("round trip lost data: %+v", got)
	}
	if got.Batches[0].Fields[0].Field.ID != "S1-G1-F1" {
		t.Errorf("field id = %q", got.Batches[0].Fields[0].Field.ID)
	}
	if got.Batches[0].Fields[0].Field.WaterLevelMM == nil {
		t.Error("water level dropped in round trip")
	}
}

func TestPlanRepo_GetMissing(t *testing.T) {
	db := testDB(t)
	repo := &PlanRepo{}

	_, err := repo.GetByID(context.Background(), db, "nope")
	if !errors.Is(err, domain.ErrPlanNotFound) {
		t.Fatalf("err = %v, want ErrPlanNotFound", err)
	}
}

func TestPlanRepo_ListByFarm(t *testing.T) {
	db := testDB(t)
	repo := &PlanRepo{}
	ctx := context.Background()

	old := samplePlan("plan-old")
	old.GeneratedAt = time.Now().Add(-time.Hour)
	recent := samplePlan("plan-new")
	if err := repo.Save(ctx, db, "farm-1", old); err != nil {
		t.Fatalf("Save old: %v", err)
	}
	if err := repo.Save(ctx, db, "farm-1", recent); err != nil {
		t.Fatalf("Save new: %v", err)
	}
	if err := repo.Save(ctx, db, "farm-2", samplePlan("plan-other")); err != nil {
		t.Fatalf("Save other farm: %v", err)
	}

	ids, err := repo.ListByFarm(ctx, db, "farm-1", 10)
	if err != nil {
		t.Fatalf("ListByFarm: %v", err)
	}
	if len(ids) != 2 || ids[0] != "plan-new" {
		t.Errorf("ids = %v, want [plan-new plan-old]", ids)
	}
}

func TestPlanRepo_DeleteOlderThan(t *testing.T) {
	db := testDB(t)
	repo := &PlanRepo{}
	ctx := context.Background()

	old := samplePlan("plan-old")
	old.GeneratedAt = time.Now().Add(-48 * time.Hour)
	if err := repo.Save(ctx, db, "farm-1", old); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Save(ctx, db, "farm-1", samplePlan("plan-new")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	n, err := repo.DeleteOlderThan(ctx, db, time.Now().Add(-24*time.Hour).Unix())
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	if _, err := repo.GetByID(ctx, db, "plan-new"); err != nil {
		t.Errorf("recent plan deleted: %v", err)
	}
}
