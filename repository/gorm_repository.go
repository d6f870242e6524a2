package repository

import (
	"context"
	"errors"
	"time"

	"challenge-backend/models"
	"challenge-backend/services"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormRepository stores queue entries and matches in Postgres.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// OpenPostgres connects with gorm's logger silenced below warnings.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

func (r *GormRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.QueueEntry{},
		&models.Match{},
	)
}

func (r *GormRepository) FindQueued(ctx context.Context, status models.QueueStatus, variant models.GameVariant, rounds int) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND game_variant = ? AND preferred_rounds = ?", status, variant, rounds).
		Order("queued_at ASC").
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *GormRepository) FindLatestByUser(ctx context.Context, userID string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("queued_at DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *GormRepository) DistinctQueuedRounds(ctx context.Context, variant models.GameVariant) ([]int, error) {
	var rounds []int
	err := r.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("status = ? AND game_variant = ?", models.QueueStatusQueued, variant).
		Distinct("preferred_rounds").
		Order("preferred_rounds ASC").
		Pluck("preferred_rounds", &rounds).Error
	if err != nil {
		return nil, err
	}
	return rounds, nil
}

func (r *GormRepository) SaveQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	return r.db.WithContext(ctx).Save(entry).Error
}

func (r *GormRepository) MatchQueuedEntry(ctx context.Context, entry *models.QueueEntry) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ? AND status = ?", entry.ID, models.QueueStatusQueued).
		Updates(map[string]interface{}{
			"status":               entry.Status,
			"matched_with_user_id": entry.MatchedWithUserID,
			"matched_match_id":     entry.MatchedMatchID,
			"matched_at":           entry.MatchedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GormRepository) DeleteQueueEntry(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.QueueEntry{}, "id = ?", id).Error
}

func (r *GormRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.QueueStatusQueued, before).
		Delete(&models.QueueEntry{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *GormRepository) SaveMatch(ctx context.Context, match *models.Match) error {
	return r.db.WithContext(ctx).Save(match).Error
}

func (r *GormRepository) Transaction(ctx context.Context, fn func(tx services.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx})
	})
}

var _ services.Repository = (*GormRepository)(nil)
