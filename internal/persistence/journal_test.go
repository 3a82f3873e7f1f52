package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"nmtunnel/internal/vpn"
)

func TestJournalRepo_AppendAndRecent(t *testing.T) {
	db := openTestDB(t)
	repo := NewJournalRepo(db)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	entries := []TransitionEntry{
		{From: vpn.StateDisconnected, To: vpn.StateConnecting, Reason: "connection requested", Server: "NL#42", Protocol: vpn.ProtocolWireGuard, At: base},
		{From: vpn.StateConnecting, To: vpn.StateConnected, Reason: "connection activated", Server: "NL#42", Protocol: vpn.ProtocolWireGuard, At: base.Add(time.Second)},
		{From: vpn.StateConnected, To: vpn.StateDisconnecting, Reason: "disconnect requested", Server: "NL#42", Protocol: vpn.ProtocolWireGuard, At: base.Add(2 * time.Second)},
	}
	for _, entry := range entries {
		if err := repo.Append(ctx, entry); err != nil {
			t.Fatalf("append entry: %v", err)
		}
	}

	recent, err := repo.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].To != vpn.StateDisconnecting {
		t.Fatalf("expected newest entry first, got %s", recent[0].To)
	}
	if recent[1].To != vpn.StateConnected {
		t.Fatalf("unexpected second entry: %s", recent[1].To)
	}
	if !recent[0].At.Equal(entries[2].At) {
		t.Fatalf("timestamp mismatch: got %v, want %v", recent[0].At, entries[2].At)
	}
	if recent[0].Server != "NL#42" || recent[0].Protocol != vpn.ProtocolWireGuard {
		t.Fatalf("server/protocol mismatch: %+v", recent[0])
	}
}

func TestJournalRepo_RecentEmptyJournal(t *testing.T) {
	repo := NewJournalRepo(openTestDB(t))

	recent, err := repo.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected empty journal, got %d entries", len(recent))
	}
}

func TestClearJournal(t *testing.T) {
	db := openTestDB(t)
	repo := NewJournalRepo(db)
	ctx := context.Background()

	entry := TransitionEntry{From: vpn.StateDisconnected, To: vpn.StateConnecting, At: time.Now()}
	if err := repo.Append(ctx, entry); err != nil {
		t.Fatalf("append entry: %v", err)
	}

	if err := ClearJournal(ctx, db); err != nil {
		t.Fatalf("clear journal: %v", err)
	}

	recent, err := repo.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("list recent after clear: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected journal cleared, got %d entries", len(recent))
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("unexpected schema version: got %d, want %d", version, len(migrations))
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}
