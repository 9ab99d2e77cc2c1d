package audit

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

const currentSchemaVersion = 1

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
`

const operationsTable = `
CREATE TABLE IF NOT EXISTS operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_operations_action ON operations(action);
CREATE INDEX IF NOT EXISTS idx_operations_timestamp ON operations(timestamp);
`

// initSchema brings the database up to currentSchemaVersion.
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		version = 0
	} else if err != nil {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		log.Debug("Audit schema is up to date", "version", version)
		return nil
	}

	log.Debug("Migrating audit schema", "from", version, "to", currentSchemaVersion)

	if version < 1 {
		if err := migrateV1(db); err != nil {
			return fmt.Errorf("failed to migrate to v1: %w", err)
		}
	}

	return nil
}

func migrateV1(db *sql.DB) error {
	if _, err := db.Exec(operationsTable); err != nil {
		return fmt.Errorf("failed to create operations table: %w", err)
	}
	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}
