package store

import (
	"context"
	"testing"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

func storedReading(id string, level float64, at time.Time) domain.WaterLevelReading {
	return domain.WaterLevelReading{
		FieldID:    id,
		LevelMM:    level,
		Source:     domain.SourceSensor,
		Quality:    domain.QualityGood,
		ObservedAt: at,
	}
}

func TestReadingRepo_HistoryWindow(t *testing.T) {
	db := testDB(t)
	repo := &ReadingRepo{}
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, r := range []domain.WaterLevelReading{
		storedReading("F1", 20, now.Add(-3*time.Hour)),
		storedReading("F1", 25, now.Add(-2*time.Hour)),
		storedReading("F1", 30, now.Add(-time.Hour)),
		storedReading("F2", 99, now),
	} {
		if err := repo.Insert(ctx, db, r); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	hist, err := repo.History(ctx, db, "F1", now.Add(-150*time.Minute))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %d entries, want 2", len(hist))
	}
	if hist[0].LevelMM != 25 || hist[1].LevelMM != 30 {
		t.Errorf("history order wrong: %+v", hist)
	}
}

func TestReadingRepo_Latest(t *testing.T) {
	db := testDB(t)
	repo := &ReadingRepo{}
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, r := range []domain.WaterLevelReading{
		storedReading("F1", 20, now.Add(-2*time.Hour)),
		storedReading("F1", 35, now.Add(-time.Minute)),
		storedReading("F2", 50, now.Add(-time.Hour)),
	} {
		if err := repo.Insert(ctx, db, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	latest, err := repo.Latest(ctx, db)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest = %d fields, want 2", len(latest))
	}
	if latest["F1"].LevelMM != 35 {
		t.Errorf("F1 latest = %v, want 35", latest["F1"].LevelMM)
	}
}

func TestReadingRepo_DeleteOlderThan(t *testing.T) {
	db := testDB(t)
	repo := &ReadingRepo{}
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	repo.Insert(ctx, db, storedReading("F1", 20, now.Add(-72*time.Hour)))
	repo.Insert(ctx, db, storedReading("F1", 30, now))

	n, err := repo.DeleteOlderThan(ctx, db, now.Add(-24*time.Hour).Unix())
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}
