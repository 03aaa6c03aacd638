package journal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver

	"github.com/thebtf/qshield/pkg/models"
)

// Store is a GORM-backed journal.
type Store struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	}
}

// OpenSQLite opens (and migrates) a SQLite journal at path.
func OpenSQLite(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", Conn: sqlDB}, gormConfig())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent appends
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	log.Info().Str("path", path).Msg("Security journal opened (sqlite)")
	return &Store{db: db, sqlDB: sqlDB}, nil
}

// OpenPostgres opens (and migrates) a PostgreSQL journal.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(4)

	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info().Msg("Security journal opened (postgres)")
	return &Store{db: db, sqlDB: sqlDB}, nil
}

// Append inserts ev and prunes the session to Capacity events.
func (s *Store) Append(ctx context.Context, ev models.SecurityEvent) error {
	row := rowFrom(ev)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert security event: %w", err)
		}
		keep := tx.Model(&SecurityEventRow{}).
			Select("id").
			Where("session_id = ?", ev.SessionID).
			Order("id DESC").
			Limit(Capacity)
		return tx.Where("session_id = ? AND id NOT IN (?)", ev.SessionID, keep).
			Delete(&SecurityEventRow{}).Error
	})
}

// Recent returns up to limit newest events of the session, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]models.SecurityEvent, error) {
	if limit <= 0 || limit > Capacity {
		limit = Capacity
	}
	var rows []SecurityEventRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}

	out := make([]models.SecurityEvent, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.event()
	}
	return out, nil
}

// Drop deletes every event of the session.
func (s *Store) Drop(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&SecurityEventRow{}).Error
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}
