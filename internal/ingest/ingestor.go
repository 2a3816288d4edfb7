// Package ingest validates incoming telemetry readings and drives them
// through classification and the excursion state machine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/internal/cache"
	"github.com/HendrickFS/bio-supply-twin/internal/compliance"
	"github.com/HendrickFS/bio-supply-twin/internal/excursion"
	"github.com/HendrickFS/bio-supply-twin/internal/metrics"
	"github.com/HendrickFS/bio-supply-twin/internal/model"
	"github.com/HendrickFS/bio-supply-twin/internal/repository"
	"github.com/HendrickFS/bio-supply-twin/internal/search"
	"github.com/HendrickFS/bio-supply-twin/internal/thresholds"
)

// Ingest errors
var (
	// ErrInvalidReading means the payload failed validation and was dropped
	ErrInvalidReading = errors.New("invalid reading")
	// ErrUnknownEntity means the entity is absent from the authoritative
	// store and the reading was dropped
	ErrUnknownEntity = errors.New("unknown entity")
)

// ReadingPayload is the wire format of a telemetry reading, shared by the
// MQTT, Service Bus, and HTTP ingest paths
type ReadingPayload struct {
	EntityID    string   `json:"entity_id" validate:"required"`
	Temperature *float64 `json:"temperature" validate:"required"`
	Humidity    *float64 `json:"humidity" validate:"required"`
	Timestamp   string   `json:"timestamp" validate:"required"`
	Geolocation string   `json:"geolocation"`
}

// IngestResult reports the outcome of one ingested reading
type IngestResult struct {
	Applied   bool          `json:"applied"`
	Duplicate bool          `json:"duplicate"`
	Verdict   model.Verdict `json:"verdict"`
}

// Ingestor is the single entry point for telemetry readings. All ingest
// transports converge here so validation and idempotence behave the same
// regardless of how a reading arrived.
type Ingestor struct {
	registry      *thresholds.Registry
	tracker       *excursion.Tracker
	aggregates    *cache.AggregateCache
	mirror        *cache.ComplianceMirror
	validate      *validator.Validate
	maxFutureSkew time.Duration
	log           *logrus.Logger
}

// NewIngestor creates an ingestor
func NewIngestor(
	registry *thresholds.Registry,
	tracker *excursion.Tracker,
	aggregates *cache.AggregateCache,
	mirror *cache.ComplianceMirror,
	maxFutureSkew time.Duration,
	log *logrus.Logger,
) *Ingestor {
	return &Ingestor{
		registry:      registry,
		tracker:       tracker,
		aggregates:    aggregates,
		mirror:        mirror,
		validate:      validator.New(),
		maxFutureSkew: maxFutureSkew,
		log:           log,
	}
}

// Ingest validates one reading and applies it. Invalid readings return
// ErrInvalidReading, readings for entities the authoritative store does
// not know return ErrUnknownEntity; neither mutates any state.
func (i *Ingestor) Ingest(ctx context.Context, payload ReadingPayload) (IngestResult, error) {
	start := time.Now()
	collector := metrics.GetCollector()

	reading, err := i.toReading(payload)
	if err != nil {
		collector.RecordInvalid()
		i.log.WithError(err).WithField("entity_id", payload.EntityID).Debug("Dropped invalid reading")
		return IngestResult{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}

	class, known := i.registry.KnownEntity(reading.EntityID)
	if !known {
		collector.RecordUnknownEntity()
		i.log.WithField("entity_id", reading.EntityID).Warn("Dropped reading for unknown entity")
		return IngestResult{}, fmt.Errorf("%w: %s", ErrUnknownEntity, reading.EntityID)
	}
	reading.EntityClass = class

	verdict := i.classify(reading)

	result := i.tracker.Apply(reading, verdict)
	if !result.Applied {
		collector.RecordDuplicate()
		return IngestResult{Duplicate: true, Verdict: verdict}, nil
	}

	if result.Opened {
		collector.RecordEpisodeOpened()
	}
	if result.Closed != nil {
		collector.RecordEpisodeClosed(string(result.Closed.Reason))
	}
	if result.Changed {
		i.invalidate(ctx, reading.EntityID)
	}

	collector.RecordIngested(string(verdict.State), time.Since(start))
	return IngestResult{Applied: true, Verdict: verdict}, nil
}

// classify resolves the applicable threshold and evaluates the reading.
// Missing or stale threshold configuration yields an unevaluated verdict,
// never a silently compliant one.
func (i *Ingestor) classify(reading model.Reading) model.Verdict {
	threshold, err := i.registry.Resolve(reading.EntityClass, reading.Timestamp)
	if err != nil {
		if errors.Is(err, thresholds.ErrStale) {
			i.log.WithField("entity_class", reading.EntityClass).Warn("Threshold snapshot stale, reading unevaluated")
		}
		return model.Verdict{State: model.VerdictUnevaluated}
	}
	return compliance.Evaluate(reading, threshold)
}

// toReading validates the payload and converts it to a domain reading
func (i *Ingestor) toReading(payload ReadingPayload) (model.Reading, error) {
	if err := i.validate.Struct(payload); err != nil {
		return model.Reading{}, err
	}

	temp := *payload.Temperature
	hum := *payload.Humidity
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return model.Reading{}, fmt.Errorf("temperature is not a finite number")
	}
	if math.IsNaN(hum) || math.IsInf(hum, 0) {
		return model.Reading{}, fmt.Errorf("humidity is not a finite number")
	}

	ts, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		return model.Reading{}, fmt.Errorf("invalid timestamp %q: %w", payload.Timestamp, err)
	}
	if ts.After(time.Now().Add(i.maxFutureSkew)) {
		return model.Reading{}, fmt.Errorf("timestamp %s is too far in the future", payload.Timestamp)
	}

	return model.Reading{
		EntityID:    payload.EntityID,
		Timestamp:   ts,
		Temperature: temp,
		Humidity:    hum,
		Geolocation: payload.Geolocation,
	}, nil
}

// invalidate drops the aggregate cache entries an entity change affects
// and deletes the corresponding Redis mirror keys
func (i *Ingestor) invalidate(ctx context.Context, entityID string) {
	i.aggregates.Invalidate(cache.KeySummary)
	i.aggregates.Invalidate(cache.KeyOpenExcursions)
	i.aggregates.Invalidate(cache.EntityStatusKey(entityID))
	i.mirror.InvalidateEntity(ctx, entityID)
}

// EpisodeArchiver persists closed episodes and indexes them for audit.
// Both writes are best-effort: episode closure is already visible through
// the tracker, archiving failures only cost history.
type EpisodeArchiver struct {
	episodes repository.EpisodeRepository
	index    search.EpisodeIndex
	log      *logrus.Logger
}

// NewEpisodeArchiver creates an episode archiver
func NewEpisodeArchiver(episodes repository.EpisodeRepository, index search.EpisodeIndex, log *logrus.Logger) *EpisodeArchiver {
	return &EpisodeArchiver{episodes: episodes, index: index, log: log}
}

// HandleClose is the tracker's close handler
func (a *EpisodeArchiver) HandleClose(episode model.ExcursionEpisode) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fields := logrus.Fields{
		"episode_id": episode.UUID,
		"entity_id":  episode.EntityID,
		"reason":     episode.Reason,
	}

	if a.episodes != nil {
		if err := a.episodes.Save(ctx, &episode); err != nil {
			a.log.WithError(err).WithFields(fields).Error("Failed to persist closed episode")
		}
	}
	if a.index != nil {
		if err := a.index.IndexEpisode(ctx, &episode); err != nil {
			a.log.WithError(err).WithFields(fields).Error("Failed to index closed episode")
		}
	}

	a.log.WithFields(fields).Info("Excursion episode closed")
}
