package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/config"
)

// ConnectPostgres opens the audit database and applies migrations.
func ConnectPostgres(cfg *config.Config, log zerolog.Logger) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.PostgresHost,
		cfg.PostgresPort,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresSSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", cfg.PostgresSchema)); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("SET search_path TO %s, public", cfg.PostgresSchema)); err != nil {
		return nil, fmt.Errorf("failed to set search_path: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	log.Info().Str("database", cfg.PostgresDB).Str("schema", cfg.PostgresSchema).Msg("postgres connected")
	return db, nil
}

func runMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS session_log (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			total_frames INTEGER NOT NULL DEFAULT 0,
			devices TEXT NOT NULL DEFAULT '',
			error_detail TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			closed_at TIMESTAMP WITH TIME ZONE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_session_log_status ON session_log(status)`,
		`CREATE INDEX IF NOT EXISTS idx_session_log_created_at ON session_log(created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
