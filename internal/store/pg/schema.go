package pg

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the migration version this binary expects.
// Bump it together with new files under migrations/.
const RequiredSchemaVersion uint = 1

// SchemaStatus is the result of comparing the database schema against the
// version this binary was built for.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
}

// CheckSchema reads golang-migrate's schema_migrations table. A fresh
// database (no table, no rows) reports version 0 and is not compatible
// until `undoable migrate up` has run.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	s := &SchemaStatus{RequiredVersion: RequiredSchemaVersion}

	var version uint
	var dirty bool
	err := db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, nil
		}
		// Missing table means a fresh database, not a query failure.
		return s, nil
	}

	s.CurrentVersion = version
	s.Dirty = dirty
	s.Compatible = !dirty && version == RequiredSchemaVersion
	return s, nil
}

// SchemaError renders the operator-facing explanation for an incompatible
// schema, including the command that fixes it.
func SchemaError(s *SchemaStatus) error {
	switch {
	case s.Dirty:
		return fmt.Errorf(
			"database schema is dirty at version %d (a migration failed partway); run `undoable migrate force %d` then `undoable migrate up`",
			s.CurrentVersion, s.CurrentVersion-1)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Errorf(
			"database schema v%d is newer than this binary (requires v%d); upgrade the undoable binary",
			s.CurrentVersion, s.RequiredVersion)
	default:
		return fmt.Errorf(
			"database schema is v%d but this binary requires v%d; run `undoable migrate up`",
			s.CurrentVersion, s.RequiredVersion)
	}
}
