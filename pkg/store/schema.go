package store

import "fmt"

// Schema statements. CHECK constraints mirror the validation rules in
// pkg/pathval and pkg/cache so that no code path, present or future, can
// persist a row violating the domain invariants.
//
// Timestamps are stored as unix nanoseconds (INTEGER); 0 means "never" for
// last_verified_at.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cached_files (
		id               TEXT PRIMARY KEY,
		original_path    TEXT NOT NULL UNIQUE,
		cached_path      TEXT NOT NULL,
		filename         TEXT NOT NULL CHECK (length(filename) > 0 AND length(filename) <= 255),
		method           TEXT NOT NULL CHECK (method IN ('symlink', 'hardlink', 'copy', 'secure_copy')),
		size_bytes       INTEGER NOT NULL CHECK (size_bytes >= 0),
		checksum         TEXT NOT NULL DEFAULT '',
		state            TEXT NOT NULL CHECK (state IN ('PENDING', 'COMMITTED', 'FAILED', 'REMOVED')),
		added_by         TEXT NOT NULL,
		created_at       INTEGER NOT NULL,
		last_verified_at INTEGER NOT NULL DEFAULT 0,
		CHECK (original_path <> cached_path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_files_state ON cached_files (state)`,

	`CREATE TABLE IF NOT EXISTS security_events (
		id         TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		resource   TEXT NOT NULL,
		action     TEXT NOT NULL,
		success    INTEGER NOT NULL CHECK (success IN (0, 1)),
		details    TEXT NOT NULL DEFAULT '',
		timestamp  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events (event_type)`,
}

// initSchema creates tables and indexes if they do not exist yet.
func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
