package migrations

import (
	"batchgate/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createConfigurationConflictsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_configuration_conflicts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ConflictModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_conflicts_active ON configuration_conflicts (created_at) WHERE resolved_at IS NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ConflictModel{})
		},
	}
}
