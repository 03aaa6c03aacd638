package journal

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all journal migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: security event log
		{
			ID: "001_security_events",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SecurityEventRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("security_events")
			},
		},

		// Migration 002: newest-first reads per session
		{
			ID: "002_security_events_session_id",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_security_events_session_id
					ON security_events (session_id, id DESC)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_security_events_session_id").Error
			},
		},
	})
	return m.Migrate()
}
