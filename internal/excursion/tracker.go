// Package excursion maintains the per-entity compliance state machine and
// its excursion episodes.
package excursion

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/internal/model"
)

const (
	shardCount = 64
	// maxSeenPerEntity bounds the dedupe set; timestamps older than the
	// retained window cannot be distinguished from new readings anymore
	maxSeenPerEntity = 4096
)

// ApplyResult reports what a single reading did to the entity state
type ApplyResult struct {
	// Applied is false when the reading was a duplicate and ignored
	Applied bool
	// Changed is true when the entity status mutated and dependent
	// cache entries must be invalidated
	Changed bool
	// Opened is true when this reading opened a new episode
	Opened bool
	// Closed carries the episode closed by this reading, if any
	Closed *model.ExcursionEpisode
}

// CloseHandler is invoked after an episode closes, outside the entity's
// critical section
type CloseHandler func(episode model.ExcursionEpisode)

// Tracker turns sequences of classified readings into excursion episodes.
// State is partitioned into shards keyed by entity id so that updates to
// different entities proceed independently.
type Tracker struct {
	shards      [shardCount]shard
	idleTimeout time.Duration
	onClose     CloseHandler
	log         *logrus.Logger
}

type shard struct {
	mu       sync.Mutex
	entities map[string]*entityState
}

type entityState struct {
	status model.EntityStatus
	// lastSeenTS is the highest reading timestamp applied so far; the
	// episode boundary clock under out-of-order delivery
	lastSeenTS time.Time
	seen       map[int64]struct{}
}

// NewTracker creates a tracker. The close handler may be nil.
func NewTracker(idleTimeout time.Duration, onClose CloseHandler, log *logrus.Logger) *Tracker {
	t := &Tracker{
		idleTimeout: idleTimeout,
		onClose:     onClose,
		log:         log,
	}
	for i := range t.shards {
		t.shards[i].entities = make(map[string]*entityState)
	}
	return t
}

func (t *Tracker) shardFor(entityID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &t.shards[h.Sum32()%shardCount]
}

// Apply feeds one classified reading into the entity's state machine.
// Reprocessing a reading with an already-seen (entity, timestamp) pair is
// a no-op.
func (t *Tracker) Apply(reading model.Reading, verdict model.Verdict) ApplyResult {
	s := t.shardFor(reading.EntityID)

	s.mu.Lock()
	st, ok := s.entities[reading.EntityID]
	if !ok {
		st = &entityState{
			status: model.EntityStatus{
				EntityID:    reading.EntityID,
				EntityClass: reading.EntityClass,
			},
			seen: make(map[int64]struct{}),
		}
		s.entities[reading.EntityID] = st
	}

	key := reading.Timestamp.UnixNano()
	if _, dup := st.seen[key]; dup {
		s.mu.Unlock()
		return ApplyResult{}
	}
	st.seen[key] = struct{}{}
	st.pruneSeen()

	result := ApplyResult{Applied: true, Changed: true}
	var closed *model.ExcursionEpisode

	switch verdict.State {
	case model.VerdictNonCompliant:
		if ep := st.status.OpenEpisode; ep == nil {
			st.openEpisode(reading, verdict)
			result.Opened = true
		} else {
			st.extendEpisode(reading, verdict)
		}

	case model.VerdictCompliant:
		// A late compliant reading that predates the episode's
		// last-seen violation stays inside the established episode:
		// reordering affects aggregates, not boundary placement
		if ep := st.status.OpenEpisode; ep != nil && !reading.Timestamp.Before(st.lastSeenTS) {
			closed = st.closeEpisode(reading.Timestamp, model.ClosureResolved)
			result.Closed = closed
		}

	case model.VerdictUnevaluated:
		// A configuration gap must not open, extend, or resolve an
		// episode; only the status bookkeeping advances
	}

	if reading.Timestamp.After(st.lastSeenTS) {
		st.lastSeenTS = reading.Timestamp
	}
	if st.status.LastReading == nil || !reading.Timestamp.Before(st.status.LastReading.Timestamp) {
		r := reading
		st.status.LastReading = &r
		st.status.CurrentVerdict = verdict
	}
	st.status.LastUpdated = time.Now()
	s.mu.Unlock()

	if closed != nil && t.onClose != nil {
		t.onClose(*closed)
	}
	return result
}

// openEpisode starts a new episode stamped with the reading's timestamp,
// not ingestion wall-clock time
func (st *entityState) openEpisode(reading model.Reading, verdict model.Verdict) {
	st.status.OpenEpisode = &model.ExcursionEpisode{
		Base:               model.Base{UUID: uuid.New().String(), CreatedAt: time.Now()},
		EntityID:           reading.EntityID,
		EntityClass:        reading.EntityClass,
		StartedAt:          reading.Timestamp,
		ViolatedDimensions: append([]model.Dimension(nil), verdict.ViolatedDimensions...),
		PeakSeverity:       verdict.Severity,
		ReadingCount:       1,
	}
}

// extendEpisode folds another violating reading into the open episode.
// Out-of-order readings update aggregates; a reading earlier than
// StartedAt re-opens the boundary to the true earliest known violation.
func (st *entityState) extendEpisode(reading model.Reading, verdict model.Verdict) {
	ep := st.status.OpenEpisode
	ep.ReadingCount++
	if verdict.Severity > ep.PeakSeverity {
		ep.PeakSeverity = verdict.Severity
	}
	ep.ViolatedDimensions = unionDimensions(ep.ViolatedDimensions, verdict.ViolatedDimensions)
	if reading.Timestamp.Before(ep.StartedAt) {
		ep.StartedAt = reading.Timestamp
	}
}

func (st *entityState) closeEpisode(endedAt time.Time, reason model.ClosureReason) *model.ExcursionEpisode {
	ep := st.status.OpenEpisode
	end := endedAt
	ep.EndedAt = &end
	ep.Reason = reason
	st.status.OpenEpisode = nil
	return ep
}

// pruneSeen bounds the dedupe set per entity
func (st *entityState) pruneSeen() {
	if len(st.seen) <= maxSeenPerEntity {
		return
	}
	cutoff := st.lastSeenTS.Add(-time.Hour).UnixNano()
	for ts := range st.seen {
		if ts < cutoff {
			delete(st.seen, ts)
		}
	}
}

// SweepStale closes open episodes for entities that have not reported
// within the idle timeout. The entity may have gone offline rather than
// recovered, so the closure reason is stale and EndedAt is the sweep
// time, not a reading timestamp. Returns the entity ids whose episodes
// were closed.
func (t *Tracker) SweepStale(now time.Time) []string {
	var closedIDs []string
	var closedEpisodes []model.ExcursionEpisode

	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, st := range s.entities {
			if st.status.OpenEpisode == nil {
				continue
			}
			if now.Sub(st.status.LastUpdated) < t.idleTimeout {
				continue
			}
			ep := st.closeEpisode(now, model.ClosureStale)
			st.status.LastUpdated = now
			closedIDs = append(closedIDs, id)
			closedEpisodes = append(closedEpisodes, *ep)
		}
		s.mu.Unlock()
	}

	if t.onClose != nil {
		for i := range closedEpisodes {
			t.onClose(closedEpisodes[i])
		}
	}
	return closedIDs
}

// StartSweeper runs the stale-episode sweep until the context is
// cancelled. Closed entity ids are reported through the callback so the
// caller can invalidate dependent cache entries.
func (t *Tracker) StartSweeper(ctx context.Context, interval time.Duration, onSwept func(entityIDs []string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("Excursion sweeper stopped")
			return
		case <-ticker.C:
			if ids := t.SweepStale(time.Now()); len(ids) > 0 {
				t.log.WithField("closed", len(ids)).Info("Closed stale excursion episodes")
				if onSwept != nil {
					onSwept(ids)
				}
			}
		}
	}
}

// Status returns a snapshot copy of one entity's status
func (t *Tracker) Status(entityID string) (*model.EntityStatus, bool) {
	s := t.shardFor(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entities[entityID]
	if !ok {
		return nil, false
	}
	snap := cloneStatus(&st.status)
	return snap, true
}

// Summary aggregates the latest state of every tracked entity
func (t *Tracker) Summary() model.ComplianceSummary {
	summary := model.ComplianceSummary{
		PerClass:    make(map[model.EntityClass]model.StatusCounts),
		GeneratedAt: time.Now(),
	}

	compliant := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, st := range s.entities {
			counts := summary.PerClass[st.status.EntityClass]
			switch {
			case st.status.OpenEpisode != nil:
				counts.Excursion++
				summary.OpenEpisodes++
			case st.status.CurrentVerdict.State == model.VerdictUnevaluated:
				counts.Unevaluated++
			default:
				counts.Compliant++
				compliant++
			}
			summary.PerClass[st.status.EntityClass] = counts
			summary.TotalEntities++
		}
		s.mu.Unlock()
	}

	if summary.TotalEntities == 0 {
		summary.InRangePct = 100.0
	} else {
		summary.InRangePct = float64(compliant) / float64(summary.TotalEntities) * 100.0
	}
	return summary
}

// OpenEpisodes returns snapshot copies of every open episode, most
// severe first
func (t *Tracker) OpenEpisodes() []model.ExcursionEpisode {
	var episodes []model.ExcursionEpisode
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, st := range s.entities {
			if ep := st.status.OpenEpisode; ep != nil {
				episodes = append(episodes, *cloneEpisode(ep))
			}
		}
		s.mu.Unlock()
	}

	sort.Slice(episodes, func(i, j int) bool {
		if episodes[i].PeakSeverity != episodes[j].PeakSeverity {
			return episodes[i].PeakSeverity > episodes[j].PeakSeverity
		}
		return episodes[i].StartedAt.Before(episodes[j].StartedAt)
	})
	return episodes
}

func unionDimensions(existing, incoming []model.Dimension) []model.Dimension {
	for _, dim := range incoming {
		found := false
		for _, have := range existing {
			if have == dim {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, dim)
		}
	}
	return existing
}

func cloneEpisode(ep *model.ExcursionEpisode) *model.ExcursionEpisode {
	clone := *ep
	clone.ViolatedDimensions = append([]model.Dimension(nil), ep.ViolatedDimensions...)
	if ep.EndedAt != nil {
		end := *ep.EndedAt
		clone.EndedAt = &end
	}
	return &clone
}

func cloneStatus(status *model.EntityStatus) *model.EntityStatus {
	snap := *status
	if status.LastReading != nil {
		r := *status.LastReading
		snap.LastReading = &r
	}
	if status.OpenEpisode != nil {
		snap.OpenEpisode = cloneEpisode(status.OpenEpisode)
	}
	return &snap
}
