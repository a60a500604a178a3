package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/John-ltf/IoT-functions/internal/database"
	"github.com/John-ltf/IoT-functions/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides data access methods for telemetry records
type Repository interface {
	// Save upserts a record keyed by (device_id, id).
	Save(ctx context.Context, record *models.TelemetryRecord) error

	// History returns the device's records with timestamp >= since,
	// newest first.
	History(ctx context.Context, deviceID string, since time.Time) ([]*models.TelemetryRecord, error)

	// Delete removes one record and returns it, or ErrNotFound.
	Delete(ctx context.Context, deviceID, id string) (*models.TelemetryRecord, error)

	// Latest returns the most recently stored record for a device, or
	// ErrNotFound.
	Latest(ctx context.Context, deviceID string) (*models.TelemetryRecord, error)

	// UnbroadcastBatch returns committed records not yet re-emitted to
	// history subscribers, oldest first.
	UnbroadcastBatch(ctx context.Context, limit int) ([]*models.TelemetryRecord, error)

	// MarkBroadcast flags records as re-emitted.
	MarkBroadcast(ctx context.Context, ids []string) error
}

// repo is an implementation of the Repository interface
type repo struct {
	db database.DB
}

// NewRepository creates a new repository instance
func NewRepository(db database.DB) Repository {
	return &repo{db: db}
}

func (r *repo) Save(ctx context.Context, record *models.TelemetryRecord) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	// The id is the primary key and device_id never changes for a given
	// id, so conflict on id alone is enough for the (device, id) upsert.
	result := gormDB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(record)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, result.Error)
	}
	return nil
}

func (r *repo) History(ctx context.Context, deviceID string, since time.Time) ([]*models.TelemetryRecord, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var records []*models.TelemetryRecord
	result := gormDB.WithContext(ctx).
		Where("device_id = ? AND timestamp >= ?", deviceID, since).
		Order("timestamp DESC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, result.Error)
	}
	return records, nil
}

func (r *repo) Delete(ctx context.Context, deviceID, id string) (*models.TelemetryRecord, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var record models.TelemetryRecord
	err = gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ? AND id = ?", deviceID, id).
			First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		return tx.Where("device_id = ? AND id = ?", deviceID, id).
			Delete(&models.TelemetryRecord{}).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) Latest(ctx context.Context, deviceID string) (*models.TelemetryRecord, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var record models.TelemetryRecord
	result := gormDB.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, result.Error)
	}
	return &record, nil
}

func (r *repo) UnbroadcastBatch(ctx context.Context, limit int) ([]*models.TelemetryRecord, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var records []*models.TelemetryRecord
	result := gormDB.WithContext(ctx).
		Where("broadcast = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, result.Error)
	}
	return records, nil
}

func (r *repo) MarkBroadcast(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).
		Model(&models.TelemetryRecord{}).
		Where("id IN ?", ids).
		Update("broadcast", true).Error
}
