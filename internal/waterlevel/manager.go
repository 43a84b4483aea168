// Package waterlevel maintains the latest usable water-level reading per
// field.
package waterlevel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// Source produces raw readings, typically from field sensors.
type Source interface {
	FetchAll(ctx context.Context, farmID string) ([]domain.WaterLevelReading, error)
}

// Sink receives every accepted reading, typically for history storage.
// A nil sink disables persistence.
type Sink interface {
	RecordReading(ctx context.Context, r domain.WaterLevelReading) error
}

// Manager keeps a latest-per-field snapshot. Fallback levels from
// configuration fill in for fields that have never reported; they carry
// fair quality and never override a live reading.
type Manager struct {
	src      Source
	sink     Sink
	fallback map[string]float64
	log      *slog.Logger

	mu     sync.RWMutex
	latest map[string]domain.WaterLevelReading

	now func() time.Time
}

// NewManager builds a manager. src may be nil when only manual updates
// and fallbacks are in play.
func NewManager(src Source, sink Sink, fallback map[string]float64, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		src:      src,
		sink:     sink,
		fallback: fallback,
		log:      log,
		latest:   make(map[string]domain.WaterLevelReading),
		now:      time.Now,
	}
}

// Refresh pulls readings from the source and folds them into the
// snapshot. Stale or malformed readings are dropped with a log line, not
// an error; a source failure is returned so the caller can retry later.
func (m *Manager) Refresh(ctx context.Context, farmID string) error {
	if m.src == nil {
		return nil
	}
	readings, err := m.src.FetchAll(ctx, farmID)
	if err != nil {
		return fmt.Errorf("fetch water levels: %w", err)
	}
	if len(readings) == 0 {
		return domain.ErrNoReadings
	}

	accepted := 0
	for _, r := range readings {
		if m.accept(ctx, r) {
			accepted++
		}
	}
	m.log.Debug("water levels refreshed",
		"farm_id", farmID, "received", len(readings), "accepted", accepted)
	return nil
}

// Seed folds persisted readings into the snapshot without re-recording
// them, used to restore state after a restart. Invalid readings are
// dropped; older readings never displace newer ones.
func (m *Manager) Seed(readings []domain.WaterLevelReading) int {
	seeded := 0
	for _, r := range readings {
		if r.FieldID == "" || r.LevelMM < 0 {
			continue
		}
		if r.Quality == "" {
			r.Quality = domain.AssessQuality(r.Source, m.now().Sub(r.ObservedAt))
		}
		if r.Quality == domain.QualityInvalid {
			continue
		}
		m.mu.Lock()
		prev, ok := m.latest[r.FieldID]
		if !ok || r.ObservedAt.After(prev.ObservedAt) {
			m.latest[r.FieldID] = r
			seeded++
		}
		m.mu.Unlock()
	}
	return seeded
}

// Set records a manual reading, as entered through the API.
func (m *Manager) Set(ctx context.Context, fieldID string, levelMM float64) domain.WaterLevelReading {
	r := domain.WaterLevelReading{
		FieldID:    fieldID,
		LevelMM:    levelMM,
		Source:     domain.SourceManual,
		Quality:    domain.QualityGood,
		ObservedAt: m.now(),
	}
	m.accept(ctx, r)
	return r
}

func (m *Manager) accept(ctx context.Context, r domain.WaterLevelReading) bool {
	if r.FieldID == "" || r.LevelMM < 0 {
		return false
	}
	if r.Quality == "" {
		r.Quality = domain.AssessQuality(r.Source, m.now().Sub(r.ObservedAt))
	}
	if r.Quality == domain.QualityInvalid {
		m.log.Warn("dropping invalid water level reading",
			"field_id", r.FieldID, "source", r.Source, "observed_at", r.ObservedAt)
		return false
	}

	m.mu.Lock()
	prev, ok := m.latest[r.FieldID]
	if ok && prev.ObservedAt.After(r.ObservedAt) {
		m.mu.Unlock()
		return false
	}
	m.latest[r.FieldID] = r
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.RecordReading(ctx, r); err != nil {
			m.log.Warn("record water level reading", "field_id", r.FieldID, "error", err)
		}
	}
	return true
}

// Get returns the latest reading for a field, falling back to the
// configured level when the field has never reported.
func (m *Manager) Get(fieldID string) (domain.WaterLevelReading, bool) {
	m.mu.RLock()
	r, ok := m.latest[fieldID]
	m.mu.RUnlock()
	if ok {
		return r, true
	}
	if lv, ok := m.fallback[fieldID]; ok {
		return m.fallbackReading(fieldID, lv), true
	}
	return domain.WaterLevelReading{}, false
}

// Snapshot returns a copy of the current per-field levels, fallbacks
// included for fields with no live reading.
func (m *Manager) Snapshot() map[string]domain.WaterLevelReading {
	m.mu.RLock()
	out := make(map[string]domain.WaterLevelReading, len(m.latest)+len(m.fallback))
	for id, r := range m.latest {
		out[id] = r
	}
	m.mu.RUnlock()
	for id, lv := range m.fallback {
		if _, ok := out[id]; !ok {
			out[id] = m.fallbackReading(id, lv)
		}
	}
	return out
}

func (m *Manager) fallbackReading(fieldID string, levelMM float64) domain.WaterLevelReading {
	return domain.WaterLevelReading{
		FieldID:    fieldID,
		LevelMM:    levelMM,
		Source:     domain.SourceConfig,
		Quality:    domain.QualityFair,
		ObservedAt: m.now(),
	}
}
