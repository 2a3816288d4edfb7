// Package query serves cached compliance aggregates to readers.
package query

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/internal/cache"
	"github.com/HendrickFS/bio-supply-twin/internal/excursion"
	"github.com/HendrickFS/bio-supply-twin/internal/model"
	"github.com/HendrickFS/bio-supply-twin/internal/repository"
	"github.com/HendrickFS/bio-supply-twin/internal/search"
	"github.com/HendrickFS/bio-supply-twin/internal/thresholds"
)

// Service answers read queries from the tracker through the aggregate
// cache. Every computed aggregate is also mirrored to Redis for external
// readers.
type Service struct {
	tracker    *excursion.Tracker
	aggregates *cache.AggregateCache
	mirror     *cache.ComplianceMirror
	registry   *thresholds.Registry
	episodes   repository.EpisodeRepository
	index      search.EpisodeIndex
	useIndex   bool
	log        *logrus.Logger
}

// NewService creates a query service. When useIndex is true, episode
// searches go to Elasticsearch instead of the database.
func NewService(
	tracker *excursion.Tracker,
	aggregates *cache.AggregateCache,
	mirror *cache.ComplianceMirror,
	registry *thresholds.Registry,
	episodes repository.EpisodeRepository,
	index search.EpisodeIndex,
	useIndex bool,
	log *logrus.Logger,
) *Service {
	return &Service{
		tracker:    tracker,
		aggregates: aggregates,
		mirror:     mirror,
		registry:   registry,
		episodes:   episodes,
		index:      index,
		useIndex:   useIndex,
		log:        log,
	}
}

// ComplianceSummary returns the fleet-wide compliance summary
func (s *Service) ComplianceSummary(ctx context.Context) (model.ComplianceSummary, error) {
	value, err := s.aggregates.GetOrCompute(ctx, cache.KeySummary, 0, func(ctx context.Context) (interface{}, error) {
		summary := s.tracker.Summary()
		s.mirror.Set(ctx, cache.KeySummary, summary)
		return summary, nil
	})
	if err != nil {
		return model.ComplianceSummary{}, err
	}
	return value.(model.ComplianceSummary), nil
}

// EntityStatus returns the latest status of one entity. Entities that
// exist in the authoritative store but have never reported get an
// unevaluated status rather than a not-found error.
func (s *Service) EntityStatus(ctx context.Context, entityID string) (*model.EntityStatus, error) {
	key := cache.EntityStatusKey(entityID)
	value, err := s.aggregates.GetOrCompute(ctx, key, 0, func(ctx context.Context) (interface{}, error) {
		if status, ok := s.tracker.Status(entityID); ok {
			s.mirror.Set(ctx, key, status)
			return status, nil
		}
		class, known := s.registry.KnownEntity(entityID)
		if !known {
			return nil, repository.ErrNotFound
		}
		status := &model.EntityStatus{
			EntityID:       entityID,
			EntityClass:    class,
			CurrentVerdict: model.Verdict{State: model.VerdictUnevaluated},
		}
		s.mirror.Set(ctx, key, status)
		return status, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*model.EntityStatus), nil
}

// OpenExcursions returns every open episode, most severe first
func (s *Service) OpenExcursions(ctx context.Context) ([]model.ExcursionEpisode, error) {
	value, err := s.aggregates.GetOrCompute(ctx, cache.KeyOpenExcursions, 0, func(ctx context.Context) (interface{}, error) {
		episodes := s.tracker.OpenEpisodes()
		s.mirror.Set(ctx, cache.KeyOpenExcursions, episodes)
		return episodes, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]model.ExcursionEpisode), nil
}

// SearchEpisodes queries closed episodes by entity and time range
func (s *Service) SearchEpisodes(ctx context.Context, entityID string, from, to *time.Time) ([]model.ExcursionEpisode, error) {
	if s.useIndex {
		episodes, err := s.index.SearchEpisodes(ctx, entityID, from, to)
		if err == nil {
			return episodes, nil
		}
		s.log.WithError(err).Warn("Episode index search failed, falling back to database")
	}
	return s.episodes.FindClosed(ctx, entityID, from, to)
}

// InvalidateEntity drops the cached state for one entity and the
// aggregates derived from it
func (s *Service) InvalidateEntity(ctx context.Context, entityID string) {
	s.aggregates.Invalidate(cache.EntityStatusKey(entityID))
	s.aggregates.Invalidate(cache.KeySummary)
	s.aggregates.Invalidate(cache.KeyOpenExcursions)
	s.mirror.InvalidateEntity(ctx, entityID)
}

// InvalidateAll drops every cached aggregate
func (s *Service) InvalidateAll(ctx context.Context) {
	s.aggregates.InvalidateAll()
	s.mirror.Delete(ctx, cache.KeySummary, cache.KeyOpenExcursions)
}
