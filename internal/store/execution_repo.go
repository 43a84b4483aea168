package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// ExecutionRepo persists execution state and its status history.
type ExecutionRepo struct{}

// Create inserts a new execution row.
func (r *ExecutionRepo) Create(ctx context.Context, db *sql.DB, st domain.ExecutionState) error {
	completed, err := json.Marshal(st.CompletedBatches)
	if err != nil {
		return fmt.Errorf("marshal completed batches: %w", err)
	}
	const q = `INSERT INTO executions (execution_id, plan_id, farm_id, status, scenario_name, current_batch, completed_json, regen_count, stop_reason, started_at_unix, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		st.ID, st.PlanID, st.FarmID, string(st.Status), st.ScenarioName, st.CurrentBatch,
		string(completed), st.RegenCount, st.StopReason,
		st.StartedAt.Unix(), st.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an execution row.
func (r *ExecutionRepo) Update(ctx context.Context, db *sql.DB, st domain.ExecutionState) error {
	completed, err := json.Marshal(st.CompletedBatches)
	if err != nil {
		return fmt.Errorf("marshal completed batches: %w", err)
	}
	const q = `UPDATE executions SET
		plan_id = ?, status = ?, current_batch = ?, completed_json = ?,
		regen_count = ?, stop_reason = ?, updated_at_unix = ?
	WHERE execution_id = ?`
	res, err := db.ExecContext(ctx, q,
		st.PlanID, string(st.Status), st.CurrentBatch, string(completed),
		st.RegenCount, st.StopReason, st.UpdatedAt.Unix(), st.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrExecutionNotFound
	}
	return nil
}

// GetByID retrieves an execution by its id.
func (r *ExecutionRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.ExecutionState, error) {
	const q = `SELECT execution_id, plan_id, farm_id, status, scenario_name, current_batch, completed_json, regen_count, stop_reason, started_at_unix, updated_at_unix
FROM executions WHERE execution_id = ?`
	row := db.QueryRowContext(ctx, q, id)

	var st domain.ExecutionState
	var status, completed string
	var startedAt, updatedAt int64
	err := row.Scan(&st.ID, &st.PlanID, &st.FarmID, &status, &st.ScenarioName, &st.CurrentBatch,
		&completed, &st.RegenCount, &st.StopReason, &startedAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	st.Status = domain.ExecutionStatus(status)
	st.StartedAt = time.Unix(startedAt, 0).UTC()
	st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if err := json.Unmarshal([]byte(completed), &st.CompletedBatches); err != nil {
		return nil, fmt.Errorf("decode completed batches: %w", err)
	}
	return &st, nil
}

// ListActive returns executions not yet in a terminal state.
func (r *ExecutionRepo) ListActive(ctx context.Context, db *sql.DB) ([]string, error) {
	const q = `SELECT execution_id FROM executions WHERE status IN ('pending', 'running', 'paused')`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendEvent records a status-history entry for an execution.
func (r *ExecutionRepo) AppendEvent(ctx context.Context, db *sql.DB, ev domain.ExecutionEvent) error {
	const q = `INSERT INTO execution_events (execution_id, seq_no, status, detail, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		ev.ExecutionID, ev.SeqNo, string(ev.Status), ev.Detail, ev.At.Unix())
	if err != nil {
		return fmt.Errorf("append execution event: %w", err)
	}
	return nil
}

// ListEvents returns the history of an execution after sinceSeq, in order.
func (r *ExecutionRepo) ListEvents(ctx context.Context, db *sql.DB, execID string, sinceSeq int64) ([]domain.ExecutionEvent, error) {
	const q = `SELECT execution_id, seq_no, status, detail, created_at
FROM execution_events WHERE execution_id = ? AND seq_no > ? ORDER BY seq_no`
	rows, err := db.QueryContext(ctx, q, execID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list execution events: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionEvent
	for rows.Next() {
		var ev domain.ExecutionEvent
		var status string
		var at int64
		if err := rows.Scan(&ev.ExecutionID, &ev.SeqNo, &status, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan execution event: %w", err)
		}
		ev.Status = domain.ExecutionStatus(status)
		ev.At = time.Unix(at, 0).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
