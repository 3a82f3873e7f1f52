package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// ClearJournal drops all recorded transitions. Used by the CLI reset path;
// the current connection record is untouched.
func ClearJournal(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear journal tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transitions;`); err != nil {
		return fmt.Errorf("clear transitions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear journal tx: %w", err)
	}

	return nil
}
