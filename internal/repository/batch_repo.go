package repository

import (
	"context"
	"errors"
	"time"

	"batchgate/internal/domain"
	"gorm.io/gorm"
)

type BatchRepository interface {
	ListByDate(ctx context.Context, targetDate time.Time) ([]domain.ProductionBatch, error)
	GetByID(ctx context.Context, id string) (*domain.ProductionBatch, error)
	ApproveIfPending(ctx context.Context, id string) error
	UpdateSlots(ctx context.Context, id string, slots []domain.ProductSlot) error
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

// ListByDate returns every batch scheduled for the given production day.
// Ordering is left to the caller so in-memory views and fetches share one
// definition of submission order.
func (r *GormBatchRepo) ListByDate(ctx context.Context, targetDate time.Time) ([]domain.ProductionBatch, error) {
	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("target_date = ?", targetDate).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	batches := make([]domain.ProductionBatch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}

	return batches, nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.ProductionBatch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

// ApproveIfPending flips a batch to APPROVED only if it is still PENDING.
// The conditional update is the hard serialization guarantee: whichever
// caller loses the race sees zero rows affected and gets ErrNotPending, with
// no retry.
func (r *GormBatchRepo) ApproveIfPending(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Update("status", domain.StatusApproved)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotPending
	}
	return nil
}

// UpdateSlots replaces a batch's slot document. Slot edits are only legal
// while the batch is still pending; a terminal batch reports ErrNotPending.
func (r *GormBatchRepo) UpdateSlots(ctx context.Context, id string, slots []domain.ProductSlot) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Update("slots", slots)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotPending
	}
	return nil
}
