package model

import (
	"fmt"
	"time"
)

// Base model fields shared by persisted models
type Base struct {
	UUID      string    `json:"uuid" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityClass identifies the kind of monitored entity
type EntityClass string

const (
	// EntityClassBox represents a transport box
	EntityClassBox EntityClass = "box"
	// EntityClassSample represents a biological sample
	EntityClassSample EntityClass = "sample"
)

// EntityClassFromString converts a string to an EntityClass
func EntityClassFromString(s string) (EntityClass, error) {
	switch s {
	case "box":
		return EntityClassBox, nil
	case "sample":
		return EntityClassSample, nil
	default:
		return "", fmt.Errorf("unknown entity class: %q", s)
	}
}

// Dimension identifies a single SLA bound that a reading can violate
type Dimension string

const (
	DimensionTemperatureLow  Dimension = "temperature_low"
	DimensionTemperatureHigh Dimension = "temperature_high"
	DimensionHumidityLow     Dimension = "humidity_low"
	DimensionHumidityHigh    Dimension = "humidity_high"
)

// Threshold holds the SLA bounds for one entity class.
// At most one threshold per class is active at any instant; the registry
// resolves by latest EffectiveFrom <= now.
type Threshold struct {
	Base
	EntityClass    EntityClass `json:"entity_class" gorm:"column:entity_class;index"`
	MinTemperature float64     `json:"min_temperature"`
	MaxTemperature float64     `json:"max_temperature"`
	MinHumidity    float64     `json:"min_humidity"`
	MaxHumidity    float64     `json:"max_humidity"`
	EffectiveFrom  *time.Time  `json:"effective_from"`
}

// TableName sets the threshold table name
func (Threshold) TableName() string {
	return "sla_thresholds"
}

// Validate checks the min <= max invariant on both bound pairs
func (t *Threshold) Validate() error {
	if t.MinTemperature > t.MaxTemperature {
		return fmt.Errorf("threshold %s: min_temperature %.2f > max_temperature %.2f",
			t.UUID, t.MinTemperature, t.MaxTemperature)
	}
	if t.MinHumidity > t.MaxHumidity {
		return fmt.Errorf("threshold %s: min_humidity %.2f > max_humidity %.2f",
			t.UUID, t.MinHumidity, t.MaxHumidity)
	}
	return nil
}

// Reading is a single environmental observation. Readings are immutable
// once ingested; ordering is by Timestamp per entity.
type Reading struct {
	EntityID    string      `json:"entity_id"`
	EntityClass EntityClass `json:"entity_class"`
	Timestamp   time.Time   `json:"timestamp"`
	Temperature float64     `json:"temperature"`
	Humidity    float64     `json:"humidity"`
	Geolocation string      `json:"geolocation,omitempty"`
}

// VerdictState classifies a reading against the applicable threshold
type VerdictState string

const (
	// VerdictCompliant means every measured dimension is within bounds
	VerdictCompliant VerdictState = "compliant"
	// VerdictNonCompliant means at least one bound is violated
	VerdictNonCompliant VerdictState = "non_compliant"
	// VerdictUnevaluated means no applicable threshold was available.
	// It is a legitimate verdict, not an error, and must never be
	// interpreted as compliant.
	VerdictUnevaluated VerdictState = "unevaluated"
)

// Verdict is the derived classification of one reading
type Verdict struct {
	State              VerdictState `json:"state"`
	ViolatedDimensions []Dimension  `json:"violated_dimensions,omitempty"`
	// Severity is the largest absolute deviation from the nearest
	// violated bound, zero when compliant or unevaluated.
	Severity float64 `json:"severity"`
}

// InCompliance reports whether the verdict is compliant
func (v Verdict) InCompliance() bool {
	return v.State == VerdictCompliant
}

// ClosureReason records why an excursion episode was closed
type ClosureReason string

const (
	// ClosureResolved means a compliant reading ended the excursion
	ClosureResolved ClosureReason = "resolved"
	// ClosureStale means the entity stopped reporting and the episode
	// was closed by the idle sweep; the entity may be offline rather
	// than recovered
	ClosureStale ClosureReason = "stale"
)

// ExcursionEpisode is a contiguous run of non-compliant readings for one
// entity. EndedAt is nil while the episode is open; at most one open
// episode exists per entity at any time.
type ExcursionEpisode struct {
	Base
	EntityID           string        `json:"entity_id" gorm:"column:entity_id;index"`
	EntityClass        EntityClass   `json:"entity_class" gorm:"column:entity_class"`
	StartedAt          time.Time     `json:"started_at" gorm:"index"`
	EndedAt            *time.Time    `json:"ended_at"`
	ViolatedDimensions []Dimension   `json:"violated_dimensions" gorm:"serializer:json;type:jsonb"`
	PeakSeverity       float64       `json:"peak_severity"`
	ReadingCount       int           `json:"reading_count"`
	Reason             ClosureReason `json:"reason,omitempty"`
}

// TableName sets the episode table name
func (ExcursionEpisode) TableName() string {
	return "twin_excursion_episodes"
}

// Open reports whether the episode is still ongoing
func (e *ExcursionEpisode) Open() bool {
	return e.EndedAt == nil
}

// EntityStatus is the latest known state for one entity. It is owned by
// the excursion tracker and handed to readers as a copy.
type EntityStatus struct {
	EntityID       string            `json:"entity_id"`
	EntityClass    EntityClass       `json:"entity_class"`
	LastReading    *Reading          `json:"last_reading,omitempty"`
	CurrentVerdict Verdict           `json:"current_verdict"`
	OpenEpisode    *ExcursionEpisode `json:"open_episode,omitempty"`
	LastUpdated    time.Time         `json:"last_updated"`
}

// StatusCounts aggregates entity states for one class
type StatusCounts struct {
	Compliant   int `json:"compliant"`
	Excursion   int `json:"excursion"`
	Unevaluated int `json:"unevaluated"`
}

// Total returns the number of entities counted
func (c StatusCounts) Total() int {
	return c.Compliant + c.Excursion + c.Unevaluated
}

// ComplianceSummary is the aggregate view served to readers
type ComplianceSummary struct {
	PerClass      map[EntityClass]StatusCounts `json:"per_class"`
	TotalEntities int                          `json:"total_entities"`
	OpenEpisodes  int                          `json:"open_episodes"`
	// InRangePct is the percentage of tracked entities whose latest
	// verdict is compliant, 100 when nothing is tracked yet
	InRangePct  float64   `json:"in_range_pct"`
	GeneratedAt time.Time `json:"generated_at"`
}
