package migrations

import (
	"batchgate/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createProductionBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_production_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_batches_target_date_status ON production_batches (target_date, status)`,
				`CREATE INDEX IF NOT EXISTS idx_batches_machine_id ON production_batches (machine_id)`,
				`CREATE INDEX IF NOT EXISTS idx_batches_submitted_at ON production_batches (submitted_at) WHERE submitted_at IS NOT NULL`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchModel{})
		},
	}
}
