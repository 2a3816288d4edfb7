package thresholds

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/internal/model"
)

// Registry resolution errors
var (
	// ErrNotFound means no threshold has ever been configured for the class
	ErrNotFound = errors.New("no threshold configured")
	// ErrStale means the last successful refresh is older than the grace
	// period; callers must treat the class as unevaluable rather than
	// trust arbitrarily old bounds
	ErrStale = errors.New("threshold snapshot stale")
)

// Source provides the registry's backing data from the authoritative store
type Source interface {
	ListThresholds(ctx context.Context) ([]model.Threshold, error)
	ListMembership(ctx context.Context) (map[string]model.EntityClass, error)
}

// snapshot is an immutable view of threshold configuration and entity
// membership. Readers always see a complete snapshot; refresh swaps the
// whole pointer.
type snapshot struct {
	thresholds map[model.EntityClass][]model.Threshold // newest effective first
	membership map[string]model.EntityClass
	fetchedAt  time.Time
}

// Registry holds the current SLA threshold configuration per entity class,
// refreshed from the authoritative store on a poll interval or on explicit
// invalidation.
type Registry struct {
	source       Source
	pollInterval time.Duration
	gracePeriod  time.Duration
	log          *logrus.Logger

	snap    atomic.Pointer[snapshot]
	refresh chan struct{}
}

// NewRegistry creates a threshold registry. Call Refresh or Start before
// resolving.
func NewRegistry(source Source, pollInterval, gracePeriod time.Duration, log *logrus.Logger) *Registry {
	return &Registry{
		source:       source,
		pollInterval: pollInterval,
		gracePeriod:  gracePeriod,
		log:          log,
		refresh:      make(chan struct{}, 1),
	}
}

// Start runs the poll loop until the context is cancelled
func (r *Registry) Start(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.log.WithError(err).Error("Initial threshold refresh failed")
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Threshold registry stopped")
			return
		case <-ticker.C:
		case <-r.refresh:
		}

		if err := r.Refresh(ctx); err != nil {
			// Keep serving the last-known-good snapshot; Resolve
			// reports staleness once the grace period elapses
			r.log.WithError(err).Warn("Threshold refresh failed, serving last-known-good snapshot")
		}
	}
}

// Invalidate requests an immediate refresh on the next loop iteration
func (r *Registry) Invalidate() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

// Refresh fetches a new snapshot and swaps it in atomically
func (r *Registry) Refresh(ctx context.Context) error {
	rows, err := r.source.ListThresholds(ctx)
	if err != nil {
		return err
	}

	membership, err := r.source.ListMembership(ctx)
	if err != nil {
		return err
	}

	byClass := make(map[model.EntityClass][]model.Threshold)
	for _, t := range rows {
		if err := t.Validate(); err != nil {
			r.log.WithError(err).Warn("Skipping invalid threshold row")
			continue
		}
		byClass[t.EntityClass] = append(byClass[t.EntityClass], t)
	}

	r.snap.Store(&snapshot{
		thresholds: byClass,
		membership: membership,
		fetchedAt:  time.Now(),
	})

	r.log.WithFields(logrus.Fields{
		"threshold_classes": len(byClass),
		"entities":          len(membership),
	}).Debug("Threshold snapshot refreshed")

	return nil
}

// Resolve returns the threshold active for the class at the given time:
// the one with the latest EffectiveFrom <= at. Thresholds without an
// EffectiveFrom are treated as always effective and lose to any dated one.
func (r *Registry) Resolve(class model.EntityClass, at time.Time) (*model.Threshold, error) {
	snap := r.snap.Load()
	if snap == nil {
		return nil, ErrStale
	}
	if time.Since(snap.fetchedAt) > r.gracePeriod {
		return nil, ErrStale
	}

	candidates := snap.thresholds[class]
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}

	var fallback *model.Threshold
	var best *model.Threshold
	for i := range candidates {
		t := &candidates[i]
		if t.EffectiveFrom == nil {
			if fallback == nil {
				fallback = t
			}
			continue
		}
		if t.EffectiveFrom.After(at) {
			continue
		}
		if best == nil || t.EffectiveFrom.After(*best.EffectiveFrom) {
			best = t
		}
	}

	if best != nil {
		return best, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNotFound
}

// KnownEntity reports whether the entity id exists in the authoritative
// store's last-known membership set
func (r *Registry) KnownEntity(id string) (model.EntityClass, bool) {
	snap := r.snap.Load()
	if snap == nil {
		return "", false
	}
	class, ok := snap.membership[id]
	return class, ok
}

// LastRefreshed returns the time of the last successful refresh
func (r *Registry) LastRefreshed() time.Time {
	snap := r.snap.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.fetchedAt
}
