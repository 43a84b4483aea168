package domain

import "time"

// ReadingSource identifies where a water-level reading came from.
type ReadingSource string

const (
	SourceSensor   ReadingSource = "sensor"
	SourceManual   ReadingSource = "manual"
	SourceConfig   ReadingSource = "config"
	SourceEstimate ReadingSource = "estimate"
)

// ReadingQuality grades a reading by age and provenance.
type ReadingQuality string

const (
	QualityExcellent ReadingQuality = "excellent"
	QualityGood      ReadingQuality = "good"
	QualityFair      ReadingQuality = "fair"
	QualityPoor      ReadingQuality = "poor"
	QualityInvalid   ReadingQuality = "invalid"
)

// WaterLevelReading is one observation of a field's standing water depth.
type WaterLevelReading struct {
	FieldID    string         `json:"field_id"`
	LevelMM    float64        `json:"level_mm"`
	Source     ReadingSource  `json:"source"`
	Quality    ReadingQuality `json:"quality"`
	ObservedAt time.Time      `json:"observed_at"`
}

// Usable reports whether the reading may participate in planning.
// Poor readings are planned like good ones; only invalid is excluded.
func (r WaterLevelReading) Usable() bool {
	return r.Quality != QualityInvalid
}

// AssessQuality grades a reading by source and age. Sensor readings decay
// from excellent through poor as they age; manual entries start at good;
// config fallbacks are fair at best.
func AssessQuality(source ReadingSource, age time.Duration) ReadingQuality {
	switch source {
	case SourceSensor:
		switch {
		case age < 0:
			return QualityInvalid
		case age <= 30*time.Minute:
			return QualityExcellent
		case age <= 2*time.Hour:
			return QualityGood
		case age <= 12*time.Hour:
			return QualityFair
		case age <= 48*time.Hour:
			return QualityPoor
		default:
			return QualityInvalid
		}
	case SourceManual:
		switch {
		case age < 0:
			return QualityInvalid
		case age <= 6*time.Hour:
			return QualityGood
		case age <= 24*time.Hour:
			return QualityFair
		case age <= 72*time.Hour:
			return QualityPoor
		default:
			return QualityInvalid
		}
	case SourceConfig, SourceEstimate:
		return QualityFair
	default:
		return QualityInvalid
	}
}
