package migrations

import (
	"github.com/atlastrips/notify-pipeline/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createNotificationJobsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_notification_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.JobModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency_key ON notification_jobs (idempotency_key) WHERE idempotency_key IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON notification_jobs (scheduled_for) WHERE status = 'PENDING'`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON notification_jobs (last_attempt_at) WHERE status = 'PROCESSING'`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON notification_jobs (status, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_trip_id ON notification_jobs (trip_id) WHERE trip_id IS NOT NULL`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.JobModel{})
		},
	}
}
