package repository

import (
	"time"

	"batchgate/internal/domain"
)

// BatchModel is the persistence model for the production_batches table.
// Slots are stored as one jsonb document; they are only ever read and
// written as a unit.
type BatchModel struct {
	ID          string                `gorm:"type:uuid;primaryKey"`
	MachineID   string                `gorm:"type:varchar(64);not null"`
	TargetDate  time.Time             `gorm:"type:date;not null"`
	Slots       []domain.ProductSlot  `gorm:"type:jsonb;serializer:json;not null"`
	Status      domain.ApprovalStatus `gorm:"type:varchar(20);not null"`
	SubmittedAt *time.Time            `gorm:"type:timestamptz"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (BatchModel) TableName() string {
	return "production_batches"
}

// ConflictModel is the persistence model for configuration_conflicts.
type ConflictModel struct {
	ID                 string                  `gorm:"type:uuid;primaryKey"`
	AffectedMachineIDs []string                `gorm:"type:jsonb;serializer:json;not null"`
	Category           domain.ConflictCategory `gorm:"type:varchar(40);not null"`
	Description        string                  `gorm:"type:text;not null"`
	Source             domain.ConflictSource   `gorm:"type:varchar(20);not null"`
	ReportedBy         string                  `gorm:"type:varchar(64)"`
	CreatedAt          time.Time
	ResolvedAt         *time.Time `gorm:"type:timestamptz"`
}

func (ConflictModel) TableName() string {
	return "configuration_conflicts"
}

// ResolutionModel is the persistence model for conflict_resolutions. Each
// row is the audit record of one applied resolution.
type ResolutionModel struct {
	ID           string               `gorm:"type:uuid;primaryKey"`
	ConflictID   string               `gorm:"type:uuid;not null"`
	BatchID      string               `gorm:"type:uuid;not null"`
	Remediations []domain.Remediation `gorm:"type:jsonb;serializer:json;not null"`
	ResolvedBy   string               `gorm:"type:varchar(64)"`
	ResolvedAt   time.Time            `gorm:"type:timestamptz;not null"`
}

func (ResolutionModel) TableName() string {
	return "conflict_resolutions"
}

// DispatchAttemptModel is the persistence model for dispatch_attempts.
type DispatchAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	BatchID       string  `gorm:"type:uuid;not null"`
	AttemptNumber int     `gorm:"not null"`
	StatusCode    *int    `gorm:"type:int"`
	ResponseBody  *string `gorm:"type:text"`
	Error         *string `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DispatchAttemptModel) TableName() string {
	return "dispatch_attempts"
}

func batchModelFromDomain(b *domain.ProductionBatch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:          b.ID,
		MachineID:   b.MachineID,
		TargetDate:  b.TargetDate,
		Slots:       b.Slots,
		Status:      b.Status,
		SubmittedAt: b.SubmittedAt,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.ProductionBatch {
	if m == nil {
		return nil
	}

	return &domain.ProductionBatch{
		ID:          m.ID,
		MachineID:   m.MachineID,
		TargetDate:  m.TargetDate,
		Slots:       m.Slots,
		Status:      m.Status,
		SubmittedAt: m.SubmittedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func conflictModelFromDomain(c *domain.ConfigurationConflict) *ConflictModel {
	if c == nil {
		return nil
	}

	return &ConflictModel{
		ID:                 c.ID,
		AffectedMachineIDs: c.AffectedMachineIDs,
		Category:           c.Category,
		Description:        c.Description,
		Source:             c.Source,
		ReportedBy:         c.ReportedBy,
		CreatedAt:          c.CreatedAt,
		ResolvedAt:         c.ResolvedAt,
	}
}

func conflictModelToDomain(m *ConflictModel) *domain.ConfigurationConflict {
	if m == nil {
		return nil
	}

	return &domain.ConfigurationConflict{
		ID:                 m.ID,
		AffectedMachineIDs: m.AffectedMachineIDs,
		Category:           m.Category,
		Description:        m.Description,
		Source:             m.Source,
		ReportedBy:         m.ReportedBy,
		CreatedAt:          m.CreatedAt,
		ResolvedAt:         m.ResolvedAt,
	}
}

func attemptModelFromDomain(a *domain.DispatchAttempt) *DispatchAttemptModel {
	if a == nil {
		return nil
	}

	return &DispatchAttemptModel{
		ID:            a.ID,
		BatchID:       a.BatchID,
		AttemptNumber: a.AttemptNumber,
		StatusCode:    a.StatusCode,
		ResponseBody:  a.ResponseBody,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *DispatchAttemptModel) *domain.DispatchAttempt {
	if m == nil {
		return nil
	}

	return &domain.DispatchAttempt{
		ID:            m.ID,
		BatchID:       m.BatchID,
		AttemptNumber: m.AttemptNumber,
		StatusCode:    m.StatusCode,
		ResponseBody:  m.ResponseBody,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}
