package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// PlanRepo persists plan snapshots as JSON rows.
type PlanRepo struct{}

// Save inserts a plan. Plans are immutable, so there is no update path;
// a regenerated plan gets its own row under its new id.
func (r *PlanRepo) Save(ctx context.Context, db *sql.DB, farmID string, plan *domain.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	const q = `INSERT INTO plans (plan_id, farm_id, plan_json, total_eta_h, batch_count, generated_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		plan.ID, farmID, string(data), plan.TotalETAH, len(plan.Batches), plan.GeneratedAt.Unix())
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// GetByID retrieves a plan by its id.
func (r *PlanRepo) GetByID(ctx context.Context, db *sql.DB, planID string) (*domain.Plan, error) {
	const q = `SELECT plan_json FROM plans WHERE plan_id = ?`
	var data string
	if err := db.QueryRowContext(ctx, q, planID).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	var plan domain.Plan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", planID, err)
	}
	return &plan, nil
}

// ListByFarm returns plan ids for a farm, newest first.
func (r *PlanRepo) ListByFarm(ctx context.Context, db *sql.DB, farmID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT plan_id FROM plans WHERE farm_id = ? ORDER BY generated_at DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, q, farmID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan plan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteOlderThan removes plan rows generated before the unix timestamp.
func (r *PlanRepo) DeleteOlderThan(ctx context.Context, db *sql.DB, unix int64) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM plans WHERE generated_at < ?`, unix)
	if err != nil {
		return 0, fmt.Errorf("delete old plans: %w", err)
	}
	return res.RowsAffected()
}
