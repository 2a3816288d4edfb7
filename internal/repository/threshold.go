package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/HendrickFS/bio-supply-twin/internal/model"
)

// ThresholdRepository defines read access to the SLA threshold table
type ThresholdRepository interface {
	ListAll(ctx context.Context) ([]model.Threshold, error)
	GetByID(ctx context.Context, id string) (*model.Threshold, error)
}

// thresholdRepository implements ThresholdRepository
type thresholdRepository struct {
	db *gorm.DB
}

// NewThresholdRepository creates a new threshold repository
func NewThresholdRepository(db *gorm.DB) ThresholdRepository {
	return &thresholdRepository{db: db}
}

// ListAll returns every configured threshold, newest effective first.
// Rows that violate the min <= max invariant are skipped; the registry
// logs them rather than serving broken bounds.
func (r *thresholdRepository) ListAll(ctx context.Context) ([]model.Threshold, error) {
	var rows []model.Threshold
	err := r.db.WithContext(ctx).
		Order("effective_from DESC NULLS LAST").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	thresholds := rows[:0]
	for _, t := range rows {
		if t.Validate() == nil {
			thresholds = append(thresholds, t)
		}
	}
	return thresholds, nil
}

// GetByID gets a threshold by ID
func (r *thresholdRepository) GetByID(ctx context.Context, id string) (*model.Threshold, error) {
	var threshold model.Threshold
	err := r.db.WithContext(ctx).Where("uuid = ?", id).First(&threshold).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &threshold, nil
}
