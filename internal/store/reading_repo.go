package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// ReadingRepo persists water-level reading history.
type ReadingRepo struct{}

// Insert appends one reading to the history.
func (r *ReadingRepo) Insert(ctx context.Context, db *sql.DB, reading domain.WaterLevelReading) error {
	const q = `INSERT INTO waterlevel_readings (field_id, level_mm, source, quality, observed_at)
VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		reading.FieldID, reading.LevelMM, string(reading.Source),
		string(reading.Quality), reading.ObservedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// History returns a field's readings observed after since, oldest first.
func (r *ReadingRepo) History(ctx context.Context, db *sql.DB, fieldID string, since time.Time) ([]domain.WaterLevelReading, error) {
	const q = `SELECT field_id, level_mm, source, quality, observed_at
FROM waterlevel_readings WHERE field_id = ? AND observed_at >= ? ORDER BY observed_at`
	rows, err := db.QueryContext(ctx, q, fieldID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	var out []domain.WaterLevelReading
	for rows.Next() {
		var rd domain.WaterLevelReading
		var source, quality string
		var at int64
		if err := rows.Scan(&rd.FieldID, &rd.LevelMM, &source, &quality, &at); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		rd.Source = domain.ReadingSource(source)
		rd.Quality = domain.ReadingQuality(quality)
		rd.ObservedAt = time.Unix(at, 0).UTC()
		out = append(out, rd)
	}
	return out, rows.Err()
}

// Latest returns the most recent reading per field id.
func (r *ReadingRepo) Latest(ctx context.Context, db *sql.DB) (map[string]domain.WaterLevelReading, error) {
	const q = `SELECT w.field_id, w.level_mm, w.source, w.quality, w.observed_at
FROM waterlevel_readings w
JOIN (SELECT field_id, MAX(observed_at) AS latest FROM waterlevel_readings GROUP BY field_id) m
ON w.field_id = m.field_id AND w.observed_at = m.latest`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("latest readings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.WaterLevelReading)
	for rows.Next() {
		var rd domain.WaterLevelReading
		var source, quality string
		var at int64
		if err := rows.Scan(&rd.FieldID, &rd.LevelMM, &source, &quality, &at); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		rd.Source = domain.ReadingSource(source)
		rd.Quality = domain.ReadingQuality(quality)
		rd.ObservedAt = time.Unix(at, 0).UTC()
		out[rd.FieldID] = rd
	}
	return out, rows.Err()
}

// DeleteOlderThan trims history observed before the unix timestamp.
func (r *ReadingRepo) DeleteOlderThan(ctx context.Context, db *sql.DB, unix int64) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM waterlevel_readings WHERE observed_at < ?`, unix)
	if err != nil {
		return 0, fmt.Errorf("delete old readings: %w", err)
	}
	return res.RowsAffected()
}
