package repository

import (
	"context"

	"batchgate/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ResolutionRepository interface {
	Create(ctx context.Context, res *domain.ConflictResolution) error
	GetByConflictID(ctx context.Context, conflictID string) ([]domain.ConflictResolution, error)
}

type GormResolutionRepo struct {
	db *gorm.DB
}

func NewGormResolutionRepo(db *gorm.DB) *GormResolutionRepo {
	return &GormResolutionRepo{db: db}
}

// Create writes the audit record of one applied resolution.
func (r *GormResolutionRepo) Create(ctx context.Context, res *domain.ConflictResolution) error {
	if res == nil {
		return nil
	}
	model := &ResolutionModel{
		ID:           uuid.NewString(),
		ConflictID:   res.ConflictID,
		BatchID:      res.BatchID,
		Remediations: res.Remediations,
		ResolvedBy:   res.ResolvedBy,
		ResolvedAt:   res.ResolvedAt,
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormResolutionRepo) GetByConflictID(ctx context.Context, conflictID string) ([]domain.ConflictResolution, error) {
	var models []ResolutionModel
	err := r.db.WithContext(ctx).
		Where("conflict_id = ?", conflictID).
		Order("resolved_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	resolutions := make([]domain.ConflictResolution, 0, len(models))
	for i := range models {
		resolutions = append(resolutions, domain.ConflictResolution{
			ConflictID:   models[i].ConflictID,
			BatchID:      models[i].BatchID,
			Remediations: models[i].Remediations,
			ResolvedBy:   models[i].ResolvedBy,
			ResolvedAt:   models[i].ResolvedAt,
		})
	}

	return resolutions, nil
}
