package repository

import (
	"context"
	"errors"
	"time"

	"batchgate/internal/domain"
	"gorm.io/gorm"
)

type ConflictRepository interface {
	Create(ctx context.Context, c *domain.ConfigurationConflict) error
	ListActive(ctx context.Context) ([]domain.ConfigurationConflict, error)
	MarkResolved(ctx context.Context, id string, at time.Time) error
}

type GormConflictRepo struct {
	db *gorm.DB
}

func NewGormConflictRepo(db *gorm.DB) *GormConflictRepo {
	return &GormConflictRepo{db: db}
}

func (r *GormConflictRepo) Create(ctx context.Context, c *domain.ConfigurationConflict) error {
	model := conflictModelFromDomain(c)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if c != nil {
		*c = *conflictModelToDomain(model)
	}
	return nil
}

func (r *GormConflictRepo) ListActive(ctx context.Context) ([]domain.ConfigurationConflict, error) {
	var models []ConflictModel
	err := r.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	conflicts := make([]domain.ConfigurationConflict, 0, len(models))
	for i := range models {
		conflicts = append(conflicts, *conflictModelToDomain(&models[i]))
	}

	return conflicts, nil
}

// MarkResolved stamps the resolution time on an active conflict. Resolving
// an already resolved conflict is a no-op so registry and store stay safe to
// reconcile repeatedly.
func (r *GormConflictRepo) MarkResolved(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&ConflictModel{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var model ConflictModel
		err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	return nil
}
