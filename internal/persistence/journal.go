package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nmtunnel/internal/vpn"
)

// TransitionEntry is one committed state machine transition.
type TransitionEntry struct {
	From     vpn.State
	To       vpn.State
	Reason   string
	Server   string
	Protocol vpn.Protocol
	At       time.Time
}

// JournalRepo records state transitions for diagnostics and support
// tooling.
type JournalRepo struct {
	db *sql.DB
}

func NewJournalRepo(db *sql.DB) *JournalRepo {
	return &JournalRepo{db: db}
}

func (r *JournalRepo) Append(ctx context.Context, entry TransitionEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transitions(from_state, to_state, reason, server, protocol, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(entry.From), string(entry.To), entry.Reason, entry.Server, string(entry.Protocol), toUnixMillis(entry.At))
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (r *JournalRepo) Recent(ctx context.Context, limit int) ([]TransitionEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT from_state, to_state, reason, server, protocol, at
		FROM transitions
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionEntry
	for rows.Next() {
		var (
			entry              TransitionEntry
			from, to, protocol string
			atMs               int64
		)
		if err := rows.Scan(&from, &to, &entry.Reason, &entry.Server, &protocol, &atMs); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		entry.From = vpn.State(from)
		entry.To = vpn.State(to)
		entry.Protocol = vpn.Protocol(protocol)
		entry.At = fromUnixMillis(atMs)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}

	return out, nil
}
