package excursion

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/HendrickFS/bio-supply-twin/internal/model"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestTracker(onClose CloseHandler) *Tracker {
	return NewTracker(15*time.Minute, onClose, testLogger())
}

func at(minute int) time.Time {
	return time.Date(2026, 8, 25, 10, minute, 0, 0, time.UTC)
}

func boxReading(id string, minute int, temp float64) model.Reading {
	return model.Reading{
		EntityID:    id,
		EntityClass: model.EntityClassBox,
		Timestamp:   at(minute),
		Temperature: temp,
		Humidity:    45,
	}
}

func nonCompliant(severity float64, dims ...model.Dimension) model.Verdict {
	return model.Verdict{
		State:              model.VerdictNonCompliant,
		ViolatedDimensions: dims,
		Severity:           severity,
	}
}

var compliant = model.Verdict{State: model.VerdictCompliant}

// A full violate-then-recover sequence produces exactly one episode with
// the right boundaries and aggregates
func TestEpisodeLifecycle(t *testing.T) {
	var closed []model.ExcursionEpisode
	tracker := newTestTracker(func(ep model.ExcursionEpisode) {
		closed = append(closed, ep)
	})

	r := tracker.Apply(boxReading("BOX-1", 0, 5), compliant)
	require.True(t, r.Applied)
	require.False(t, r.Opened)

	r = tracker.Apply(boxReading("BOX-1", 1, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	require.True(t, r.Opened)

	r = tracker.Apply(boxReading("BOX-1", 2, 10), nonCompliant(2, model.DimensionTemperatureHigh))
	require.True(t, r.Applied)
	require.False(t, r.Opened)

	r = tracker.Apply(boxReading("BOX-1", 3, 6), compliant)
	require.NotNil(t, r.Closed)

	require.Len(t, closed, 1)
	ep := closed[0]
	require.Equal(t, "BOX-1", ep.EntityID)
	require.Equal(t, at(1), ep.StartedAt)
	require.NotNil(t, ep.EndedAt)
	require.Equal(t, at(3), *ep.EndedAt)
	require.Equal(t, model.ClosureResolved, ep.Reason)
	require.Equal(t, 2, ep.ReadingCount)
	require.InDelta(t, 2.0, ep.PeakSeverity, 1e-9)

	status, ok := tracker.Status("BOX-1")
	require.True(t, ok)
	require.Nil(t, status.OpenEpisode)
	require.Equal(t, model.VerdictCompliant, status.CurrentVerdict.State)
}

// At most one episode is open per entity no matter how many violations
// arrive
func TestSingleOpenEpisode(t *testing.T) {
	tracker := newTestTracker(nil)

	tracker.Apply(boxReading("BOX-1", 0, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	tracker.Apply(boxReading("BOX-1", 1, 10), nonCompliant(2, model.DimensionTemperatureHigh))
	tracker.Apply(boxReading("BOX-1", 2, 11), nonCompliant(3, model.DimensionTemperatureHigh))

	episodes := tracker.OpenEpisodes()
	require.Len(t, episodes, 1)
	require.Equal(t, 3, episodes[0].ReadingCount)
	require.InDelta(t, 3.0, episodes[0].PeakSeverity, 1e-9)
}

// Reprocessing the same (entity, timestamp) pair changes nothing
func TestDuplicateReadingIgnored(t *testing.T) {
	tracker := newTestTracker(nil)

	r := tracker.Apply(boxReading("BOX-1", 0, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	require.True(t, r.Applied)

	r = tracker.Apply(boxReading("BOX-1", 0, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	require.False(t, r.Applied)
	require.False(t, r.Changed)

	episodes := tracker.OpenEpisodes()
	require.Len(t, episodes, 1)
	require.Equal(t, 1, episodes[0].ReadingCount)
}

// A late violating reading that predates the episode start re-opens the
// boundary to the true earliest violation
func TestOutOfOrderReadingMovesStart(t *testing.T) {
	tracker := newTestTracker(nil)

	tracker.Apply(boxReading("BOX-1", 10, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	tracker.Apply(boxReading("BOX-1", 5, 10), nonCompliant(2, model.DimensionTemperatureHigh))

	episodes := tracker.OpenEpisodes()
	require.Len(t, episodes, 1)
	require.Equal(t, at(5), episodes[0].StartedAt)
	require.Equal(t, 2, episodes[0].ReadingCount)
}

// A late compliant reading older than the newest violation must not close
// the episode
func TestLateCompliantReadingDoesNotClose(t *testing.T) {
	tracker := newTestTracker(nil)

	tracker.Apply(boxReading("BOX-1", 10, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	r := tracker.Apply(boxReading("BOX-1", 5, 6), compliant)
	require.True(t, r.Applied)
	require.Nil(t, r.Closed)

	require.Len(t, tracker.OpenEpisodes(), 1)
}

// Unevaluated readings never open, extend, or close an episode
func TestUnevaluatedIsNoTransition(t *testing.T) {
	tracker := newTestTracker(nil)
	unevaluated := model.Verdict{State: model.VerdictUnevaluated}

	r := tracker.Apply(boxReading("BOX-1", 0, 5), unevaluated)
	require.True(t, r.Applied)
	require.Empty(t, tracker.OpenEpisodes())

	tracker.Apply(boxReading("BOX-1", 1, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	r = tracker.Apply(boxReading("BOX-1", 2, 5), unevaluated)
	require.Nil(t, r.Closed)
	require.Len(t, tracker.OpenEpisodes(), 1)

	ep := tracker.OpenEpisodes()[0]
	require.Equal(t, 1, ep.ReadingCount)
}

// New violated dimensions accumulate on the open episode without
// duplicates
func TestDimensionsUnion(t *testing.T) {
	tracker := newTestTracker(nil)

	tracker.Apply(boxReading("BOX-1", 0, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	tracker.Apply(boxReading("BOX-1", 1, 10), nonCompliant(2, model.DimensionTemperatureHigh, model.DimensionHumidityHigh))

	ep := tracker.OpenEpisodes()[0]
	require.ElementsMatch(t, []model.Dimension{
		model.DimensionTemperatureHigh,
		model.DimensionHumidityHigh,
	}, ep.ViolatedDimensions)
}

// Idle entities with open episodes are closed as stale at sweep time
func TestSweepStale(t *testing.T) {
	var closed []model.ExcursionEpisode
	tracker := newTestTracker(func(ep model.ExcursionEpisode) {
		closed = append(closed, ep)
	})

	tracker.Apply(boxReading("BOX-1", 0, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	tracker.Apply(boxReading("BOX-2", 0, 10), nonCompliant(2, model.DimensionTemperatureHigh))

	// Within the idle timeout: nothing closes
	require.Empty(t, tracker.SweepStale(time.Now().Add(time.Minute)))

	sweepAt := time.Now().Add(time.Hour)
	ids := tracker.SweepStale(sweepAt)
	require.ElementsMatch(t, []string{"BOX-1", "BOX-2"}, ids)
	require.Empty(t, tracker.OpenEpisodes())

	require.Len(t, closed, 2)
	for _, ep := range closed {
		require.Equal(t, model.ClosureStale, ep.Reason)
		require.NotNil(t, ep.EndedAt)
		require.Equal(t, sweepAt, *ep.EndedAt)
	}
}

// Open episodes are reported most severe first, ties broken by age
func TestOpenEpisodesOrdering(t *testing.T) {
	tracker := newTestTracker(nil)

	tracker.Apply(boxReading("BOX-A", 2, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	tracker.Apply(boxReading("BOX-B", 1, 11), nonCompliant(3, model.DimensionTemperatureHigh))
	tracker.Apply(boxReading("BOX-C", 0, 9), nonCompliant(1, model.DimensionTemperatureHigh))

	episodes := tracker.OpenEpisodes()
	require.Len(t, episodes, 3)
	require.Equal(t, "BOX-B", episodes[0].EntityID)
	require.Equal(t, "BOX-C", episodes[1].EntityID)
	require.Equal(t, "BOX-A", episodes[2].EntityID)
}

func TestSummary(t *testing.T) {
	tracker := newTestTracker(nil)

	tracker.Apply(boxReading("BOX-1", 0, 5), compliant)
	tracker.Apply(boxReading("BOX-2", 0, 9), nonCompliant(1, model.DimensionTemperatureHigh))
	tracker.Apply(model.Reading{
		EntityID:    "SAMPLE-1",
		EntityClass: model.EntityClassSample,
		Timestamp:   at(0),
		Temperature: 5,
		Humidity:    45,
	}, model.Verdict{State: model.VerdictUnevaluated})

	summary := tracker.Summary()
	require.Equal(t, 3, summary.TotalEntities)
	require.Equal(t, 1, summary.OpenEpisodes)
	require.Equal(t, 1, summary.PerClass[model.EntityClassBox].Compliant)
	require.Equal(t, 1, summary.PerClass[model.EntityClassBox].Excursion)
	require.Equal(t, 1, summary.PerClass[model.EntityClassSample].Unevaluated)
	require.InDelta(t, 100.0/3.0, summary.InRangePct, 1e-9)
}

func TestSummaryEmpty(t *testing.T) {
	tracker := newTestTracker(nil)
	summary := tracker.Summary()
	require.Zero(t, summary.TotalEntities)
	require.InDelta(t, 100.0, summary.InRangePct, 1e-9)
}

// Concurrent updates to distinct entities must not lose state
func TestConcurrentApply(t *testing.T) {
	tracker := newTestTracker(nil)

	var wg sync.WaitGroup
	ids := []string{"BOX-1", "BOX-2", "BOX-3", "BOX-4", "BOX-5", "BOX-6", "BOX-7", "BOX-8"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for minute := 0; minute < 50; minute++ {
				tracker.Apply(boxReading(id, minute, 9), nonCompliant(1, model.DimensionTemperatureHigh))
			}
		}(id)
	}
	wg.Wait()

	episodes := tracker.OpenEpisodes()
	require.Len(t, episodes, len(ids))
	for _, ep := range episodes {
		require.Equal(t, 50, ep.ReadingCount)
		require.Equal(t, at(0), ep.StartedAt)
	}
}
