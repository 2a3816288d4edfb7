package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/HendrickFS/bio-supply-twin/internal/model"
)

// EntityRepository reads the authoritative store's entity tables.
// Only identifiers and the last sensor snapshot are consumed; the twin
// never writes to these tables.
type EntityRepository interface {
	// ListMembership returns every known entity id mapped to its class
	ListMembership(ctx context.Context) (map[string]model.EntityClass, error)
	// ListLatestReadings returns the last persisted sensor snapshot per
	// entity, used for cold-start reconciliation
	ListLatestReadings(ctx context.Context) ([]model.Reading, error)
}

// entityRepository implements EntityRepository over the Django-owned tables
type entityRepository struct {
	db *gorm.DB
}

// NewEntityRepository creates a new entity repository
func NewEntityRepository(db *gorm.DB) EntityRepository {
	return &entityRepository{db: db}
}

// boxRow mirrors the columns this service reads from core_transportbox
type boxRow struct {
	BoxID       string    `gorm:"column:box_id"`
	Temperature float64   `gorm:"column:temperature"`
	Humidity    float64   `gorm:"column:humidity"`
	Geolocation string    `gorm:"column:geolocation"`
	LastUpdated time.Time `gorm:"column:last_updated"`
}

// sampleRow mirrors the columns this service reads from core_sample
type sampleRow struct {
	SampleID    string    `gorm:"column:sample_id"`
	Temperature float64   `gorm:"column:temperature"`
	Humidity    float64   `gorm:"column:humidity"`
	LastUpdated time.Time `gorm:"column:last_updated"`
}

// ListMembership returns every known entity id mapped to its class
func (r *entityRepository) ListMembership(ctx context.Context) (map[string]model.EntityClass, error) {
	membership := make(map[string]model.EntityClass)

	var boxIDs []string
	if err := r.db.WithContext(ctx).Table("core_transportbox").Pluck("box_id", &boxIDs).Error; err != nil {
		return nil, err
	}
	for _, id := range boxIDs {
		membership[id] = model.EntityClassBox
	}

	var sampleIDs []string
	if err := r.db.WithContext(ctx).Table("core_sample").Pluck("sample_id", &sampleIDs).Error; err != nil {
		return nil, err
	}
	for _, id := range sampleIDs {
		membership[id] = model.EntityClassSample
	}

	return membership, nil
}

// ListLatestReadings returns the last persisted sensor snapshot per entity
func (r *entityRepository) ListLatestReadings(ctx context.Context) ([]model.Reading, error) {
	var boxes []boxRow
	if err := r.db.WithContext(ctx).Table("core_transportbox").Find(&boxes).Error; err != nil {
		return nil, err
	}

	var samples []sampleRow
	if err := r.db.WithContext(ctx).Table("core_sample").Find(&samples).Error; err != nil {
		return nil, err
	}

	readings := make([]model.Reading, 0, len(boxes)+len(samples))
	for _, b := range boxes {
		readings = append(readings, model.Reading{
			EntityID:    b.BoxID,
			EntityClass: model.EntityClassBox,
			Timestamp:   b.LastUpdated,
			Temperature: b.Temperature,
			Humidity:    b.Humidity,
			Geolocation: b.Geolocation,
		})
	}
	for _, s := range samples {
		readings = append(readings, model.Reading{
			EntityID:    s.SampleID,
			EntityClass: model.EntityClassSample,
			Timestamp:   s.LastUpdated,
			Temperature: s.Temperature,
			Humidity:    s.Humidity,
		})
	}

	return readings, nil
}
