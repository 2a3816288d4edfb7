package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/HendrickFS/bio-supply-twin/internal/cache"
	"github.com/HendrickFS/bio-supply-twin/internal/excursion"
	"github.com/HendrickFS/bio-supply-twin/internal/model"
	"github.com/HendrickFS/bio-supply-twin/internal/repository"
	"github.com/HendrickFS/bio-supply-twin/internal/thresholds"
)

type MockEpisodeRepository struct {
	mock.Mock
}

func (m *MockEpisodeRepository) Save(ctx context.Context, episode *model.ExcursionEpisode) error {
	args := m.Called(ctx, episode)
	return args.Error(0)
}

func (m *MockEpisodeRepository) GetByID(ctx context.Context, id string) (*model.ExcursionEpisode, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*model.ExcursionEpisode), args.Error(1)
}

func (m *MockEpisodeRepository) FindClosed(ctx context.Context, entityID string, from, to *time.Time) ([]model.ExcursionEpisode, error) {
	args := m.Called(ctx, entityID, from, to)
	return args.Get(0).([]model.ExcursionEpisode), args.Error(1)
}

type MockEpisodeIndex struct {
	mock.Mock
}

func (m *MockEpisodeIndex) IndexEpisode(ctx context.Context, episode *model.ExcursionEpisode) error {
	args := m.Called(ctx, episode)
	return args.Error(0)
}

func (m *MockEpisodeIndex) SearchEpisodes(ctx context.Context, entityID string, from, to *time.Time) ([]model.ExcursionEpisode, error) {
	args := m.Called(ctx, entityID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ExcursionEpisode), args.Error(1)
}

type stubSource struct {
	membership map[string]model.EntityClass
}

func (s *stubSource) ListThresholds(ctx context.Context) ([]model.Threshold, error) {
	return []model.Threshold{{
		EntityClass:    model.EntityClassBox,
		MinTemperature: 2,
		MaxTemperature: 8,
		MinHumidity:    30,
		MaxHumidity:    60,
	}}, nil
}

func (s *stubSource) ListMembership(ctx context.Context) (map[string]model.EntityClass, error) {
	return s.membership, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type testEnv struct {
	service  *Service
	tracker  *excursion.Tracker
	episodes *MockEpisodeRepository
	index    *MockEpisodeIndex
}

func newTestEnv(t *testing.T, useIndex bool) *testEnv {
	t.Helper()

	source := &stubSource{membership: map[string]model.EntityClass{
		"BOX-1": model.EntityClassBox,
		"BOX-2": model.EntityClassBox,
	}}
	registry := thresholds.NewRegistry(source, time.Minute, 10*time.Minute, testLogger())
	require.NoError(t, registry.Refresh(context.Background()))

	tracker := excursion.NewTracker(15*time.Minute, nil, testLogger())
	aggregates := cache.NewAggregateCache(time.Minute, time.Second, testLogger())
	mirror := cache.NewComplianceMirror(nil, 0, false, testLogger())
	episodes := new(MockEpisodeRepository)
	index := new(MockEpisodeIndex)

	service := NewService(tracker, aggregates, mirror, registry, episodes, index, useIndex, testLogger())
	return &testEnv{service: service, tracker: tracker, episodes: episodes, index: index}
}

func apply(tracker *excursion.Tracker, id string, temp float64, verdict model.Verdict) {
	tracker.Apply(model.Reading{
		EntityID:    id,
		EntityClass: model.EntityClassBox,
		Timestamp:   time.Now(),
		Temperature: temp,
		Humidity:    45,
	}, verdict)
}

func TestComplianceSummary(t *testing.T) {
	env := newTestEnv(t, false)

	apply(env.tracker, "BOX-1", 5, model.Verdict{State: model.VerdictCompliant})
	apply(env.tracker, "BOX-2", 12, model.Verdict{
		State:              model.VerdictNonCompliant,
		ViolatedDimensions: []model.Dimension{model.DimensionTemperatureHigh},
		Severity:           4,
	})

	summary, err := env.service.ComplianceSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalEntities)
	require.Equal(t, 1, summary.OpenEpisodes)
	require.InDelta(t, 50.0, summary.InRangePct, 1e-9)
}

// The summary is cached: state changes are invisible until invalidation
func TestComplianceSummaryCached(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	summary, err := env.service.ComplianceSummary(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.TotalEntities)

	apply(env.tracker, "BOX-1", 5, model.Verdict{State: model.VerdictCompliant})

	summary, err = env.service.ComplianceSummary(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.TotalEntities)

	env.service.InvalidateEntity(ctx, "BOX-1")

	summary, err = env.service.ComplianceSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalEntities)
}

func TestEntityStatusTracked(t *testing.T) {
	env := newTestEnv(t, false)

	apply(env.tracker, "BOX-1", 5, model.Verdict{State: model.VerdictCompliant})

	status, err := env.service.EntityStatus(context.Background(), "BOX-1")
	require.NoError(t, err)
	require.Equal(t, "BOX-1", status.EntityID)
	require.Equal(t, model.VerdictCompliant, status.CurrentVerdict.State)
}

// A known entity that has never reported is unevaluated, not missing
func TestEntityStatusNeverReported(t *testing.T) {
	env := newTestEnv(t, false)

	status, err := env.service.EntityStatus(context.Background(), "BOX-2")
	require.NoError(t, err)
	require.Equal(t, model.VerdictUnevaluated, status.CurrentVerdict.State)
	require.Nil(t, status.LastReading)
}

func TestEntityStatusUnknown(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.service.EntityStatus(context.Background(), "BOX-404")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOpenExcursions(t *testing.T) {
	env := newTestEnv(t, false)

	apply(env.tracker, "BOX-2", 12, model.Verdict{
		State:              model.VerdictNonCompliant,
		ViolatedDimensions: []model.Dimension{model.DimensionTemperatureHigh},
		Severity:           4,
	})

	episodes, err := env.service.OpenExcursions(context.Background())
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	require.Equal(t, "BOX-2", episodes[0].EntityID)
}

func TestSearchEpisodesUsesRepository(t *testing.T) {
	env := newTestEnv(t, false)

	want := []model.ExcursionEpisode{{EntityID: "BOX-1"}}
	env.episodes.On("FindClosed", mock.Anything, "BOX-1", (*time.Time)(nil), (*time.Time)(nil)).Return(want, nil)

	got, err := env.service.SearchEpisodes(context.Background(), "BOX-1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, want, got)
	env.index.AssertNotCalled(t, "SearchEpisodes")
}

func TestSearchEpisodesUsesIndex(t *testing.T) {
	env := newTestEnv(t, true)

	want := []model.ExcursionEpisode{{EntityID: "BOX-1"}}
	env.index.On("SearchEpisodes", mock.Anything, "BOX-1", (*time.Time)(nil), (*time.Time)(nil)).Return(want, nil)

	got, err := env.service.SearchEpisodes(context.Background(), "BOX-1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, want, got)
	env.episodes.AssertNotCalled(t, "FindClosed")
}

// An index failure falls back to the database rather than erroring
func TestSearchEpisodesIndexFallback(t *testing.T) {
	env := newTestEnv(t, true)

	env.index.On("SearchEpisodes", mock.Anything, "BOX-1", (*time.Time)(nil), (*time.Time)(nil)).
		Return(nil, errors.New("index down"))
	want := []model.ExcursionEpisode{{EntityID: "BOX-1"}}
	env.episodes.On("FindClosed", mock.Anything, "BOX-1", (*time.Time)(nil), (*time.Time)(nil)).Return(want, nil)

	got, err := env.service.SearchEpisodes(context.Background(), "BOX-1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
