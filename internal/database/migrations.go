package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Migration represents a database migration.
type Migration struct {
	Version     int
	Description string
	Up          func(db *sql.DB) error
}

// migrations contains all database migrations in order.
// Add new migrations to the end of this slice.
var migrations = []Migration{
	// Version 1 is the initial schema, created by InitSchema()

	// Version 2: track deployed-site counter per site row
	{
		Version:     2,
		Description: "Add sites_live counter to sites",
		Up: func(db *sql.DB) error {
			_, err := db.Exec(`ALTER TABLE sites ADD COLUMN sites_live INTEGER NOT NULL DEFAULT 0`)
			if err != nil && !isDuplicateColumnError(err) {
				return fmt.Errorf("failed to add sites_live: %w", err)
			}
			return nil
		},
	},
}

// Migrate applies all pending migrations.
func Migrate(db *sql.DB) error {
	if err := InitSchema(db); err != nil {
		return err
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		log.Info().Int("version", m.Version).Str("description", m.Description).Msg("Applying migration")
		if err := m.Up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v sql.NullInt64
	err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !v.Valid {
		return 1, nil
	}
	return int(v.Int64), nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
