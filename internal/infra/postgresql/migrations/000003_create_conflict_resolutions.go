package migrations

import (
	"batchgate/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createConflictResolutionsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_conflict_resolutions",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ResolutionModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_resolutions_conflict_id ON conflict_resolutions (conflict_id)`,
				`CREATE INDEX IF NOT EXISTS idx_resolutions_batch_id ON conflict_resolutions (batch_id)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ResolutionModel{})
		},
	}
}
