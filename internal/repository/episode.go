package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/HendrickFS/bio-supply-twin/internal/model"
)

// EpisodeRepository persists closed excursion episodes for audit
type EpisodeRepository interface {
	Save(ctx context.Context, episode *model.ExcursionEpisode) error
	GetByID(ctx context.Context, id string) (*model.ExcursionEpisode, error)
	FindClosed(ctx context.Context, entityID string, from, to *time.Time) ([]model.ExcursionEpisode, error)
}

// episodeRepository implements EpisodeRepository
type episodeRepository struct {
	db *gorm.DB
}

// NewEpisodeRepository creates a new episode repository
func NewEpisodeRepository(db *gorm.DB) EpisodeRepository {
	return &episodeRepository{db: db}
}

// Save persists a closed episode
func (r *episodeRepository) Save(ctx context.Context, episode *model.ExcursionEpisode) error {
	if err := r.db.WithContext(ctx).Save(episode).Error; err != nil {
		return err
	}
	return nil
}

// GetByID gets an episode by ID
func (r *episodeRepository) GetByID(ctx context.Context, id string) (*model.ExcursionEpisode, error) {
	var episode model.ExcursionEpisode
	err := r.db.WithContext(ctx).Where("uuid = ?", id).First(&episode).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &episode, nil
}

// FindClosed finds closed episodes, optionally filtered by entity and
// time range, most recent first
func (r *episodeRepository) FindClosed(ctx context.Context, entityID string, from, to *time.Time) ([]model.ExcursionEpisode, error) {
	query := r.db.WithContext(ctx).
		Where("ended_at IS NOT NULL").
		Order("started_at DESC")

	if entityID != "" {
		query = query.Where("entity_id = ?", entityID)
	}
	if from != nil {
		query = query.Where("started_at >= ?", from)
	}
	if to != nil {
		query = query.Where("ended_at <= ?", to)
	}

	var episodes []model.ExcursionEpisode
	if err := query.Find(&episodes).Error; err != nil {
		return nil, err
	}
	return episodes, nil
}
