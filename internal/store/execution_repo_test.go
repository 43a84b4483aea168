package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

func sampleExecution(id string) domain.ExecutionState {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.ExecutionState{
		ID:               id,
		PlanID:           "plan-1",
		FarmID:           "farm-1",
		Status:           domain.ExecPending,
		ScenarioName:     "P1 alone",
		CompletedBatches: []int{},
		StartedAt:        now,
		UpdatedAt:        now,
	}
}

func TestExecutionRepo_CreateGetUpdate(t *testing.T) {
	db := testDB(t)
	repo := &ExecutionRepo{}
	ctx := context.Background()

	st := sampleExecution("exec-1")
	if err := repo.Create(ctx, db, st); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, db, "exec-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.ExecPending || got.PlanID != "plan-1" {
		t.Errorf("round trip: %+v", got)
	}
	if got.ScenarioName != "P1 alone" {
		t.Errorf("scenario name = %q", got.ScenarioName)
	}

	st.Status = domain.ExecRunning
	st.CurrentBatch = 2
	st.CompletedBatches = []int{1}
	st.UpdatedAt = time.Now().UTC()
	if err := repo.Update(ctx, db, st); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err = repo.GetByID(ctx, db, "exec-1")
	if err != nil {
		t.Fatalf("GetByID after update: %v", err)
	}
	if got.Status != domain.ExecRunning || got.CurrentBatch != 2 {
		t.Errorf("update lost: %+v", got)
	}
	if len(got.CompletedBatches) != 1 || got.CompletedBatches[0] != 1 {
		t.Errorf("CompletedBatches = %v, want [1]", got.CompletedBatches)
	}
}

func TestExecutionRepo_GetMissing(t *testing.T) {
	db := testDB(t)
	repo := &ExecutionRepo{}

	_, err := repo.GetByID(context.Background(), db, "nope")
	if !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Fatalf("err = %v, want ErrExecutionNotFound", err)
	}
	if err := repo.Update(context.Background(), db, sampleExecution("nope")); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Fatalf("Update err = %v, want ErrExecutionNotFound", err)
	}
}

func TestExecutionRepo_ListActive(t *testing.T) {
	db := testDB(t)
	repo := &ExecutionRepo{}
	ctx := context.Background()

	running := sampleExecution("exec-run")
	running.Status = domain.ExecRunning
	done := sampleExecution("exec-done")
	done.Status = domain.ExecCompleted
	for _, st := range []domain.ExecutionState{running, done} {
		if err := repo.Create(ctx, db, st); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	ids, err := repo.ListActive(ctx, db)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(ids) != 1 || ids[0] != "exec-run" {
		t.Errorf("ids = %v, want [exec-run]", ids)
	}
}

func TestExecutionRepo_Events(t *testing.T) {
	db := testDB(t)
	repo := &ExecutionRepo{}
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, status := range []domain.ExecutionStatus{domain.ExecPending, domain.ExecRunning, domain.ExecPaused} {
		ev := domain.ExecutionEvent{
			ExecutionID: "exec-1",
			SeqNo:       int64(i + 1),
			Status:      status,
			At:          now,
		}
		if err := repo.AppendEvent(ctx, db, ev); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	evs, err := repo.ListEvents(ctx, db, "exec-1", 1)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2 after seq 1", len(evs))
	}
	if evs[0].Status != domain.ExecRunning || evs[1].Status != domain.ExecPaused {
		t.Errorf("events out of order: %+v", evs)
	}

	// Duplicate sequence numbers are rejected by the unique index.
	dup := domain.ExecutionEvent{ExecutionID: "exec-1", SeqNo: 2, Status: domain.ExecStopped, At: now}
	if err := repo.AppendEvent(ctx, db, dup); err == nil {
		t.Error("duplicate seq_no accepted")
	}
}
