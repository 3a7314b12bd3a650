package migrations

import (
	"github.com/jmylchreest/reelforge/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
//   - 001: render_jobs table
//   - 002: queue ordering index used by AcquireJob
func AllMigrations() []Migration {
	return []Migration{
		{
			Version:     "001",
			Description: "Create render_jobs",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.RenderJob{})
			},
			Down: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&models.RenderJob{})
			},
		},
		{
			Version:     "002",
			Description: "Add render_jobs queue index",
			Up: func(tx *gorm.DB) error {
				if tx.Migrator().HasIndex(&models.RenderJob{}, queueIndex) {
					return nil
				}
				return tx.Exec("CREATE INDEX " + queueIndex + " ON render_jobs (status, priority, created_at)").Error
			},
			Down: func(tx *gorm.DB) error {
				return tx.Migrator().DropIndex(&models.RenderJob{}, queueIndex)
			},
		},
	}
}

const queueIndex = "idx_render_jobs_queue"
