package migrations

import (
	"github.com/atlastrips/notify-pipeline/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createSchedulerWatermarksTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_scheduler_watermarks",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.WatermarkModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WatermarkModel{})
		},
	}
}
