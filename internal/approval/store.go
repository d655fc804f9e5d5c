package approval

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the approval audit trail: who approved what, for which
// client, and when. This is an append-only audit log, not reconnect or
// session state, so it does not conflict with never persisting client
// state across restarts.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the sqlite audit database at path.
// An empty path defaults to ~/.config/muxgate/approvals.db.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dir := filepath.Join(home, ".config", "muxgate")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config dir: %w", err)
		}
		path = filepath.Join(dir, "approvals.db")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open approvals db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS approvals (
	approval_id TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	outcome     TEXT NOT NULL DEFAULT 'pending',
	requested_at TEXT NOT NULL,
	resolved_at  TEXT
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate approvals db: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RecordRequested(ctx context.Context, approvalID, clientID, action string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, client_id, action, outcome, requested_at) VALUES (?, ?, ?, 'pending', ?)`,
		approvalID, clientID, action, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) RecordOutcome(ctx context.Context, approvalID, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET outcome = ?, resolved_at = ? WHERE approval_id = ?`,
		outcome, time.Now().UTC().Format(time.RFC3339), approvalID,
	)
	return err
}

// AuditRecord is one row of the approval history, returned by History for
// operator-facing inspection.
type AuditRecord struct {
	ApprovalID  string
	ClientID    string
	Action      string
	Outcome     string
	RequestedAt string
	ResolvedAt  sql.NullString
}

func (s *Store) History(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT approval_id, client_id, action, outcome, requested_at, resolved_at
		 FROM approvals ORDER BY requested_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ApprovalID, &r.ClientID, &r.Action, &r.Outcome, &r.RequestedAt, &r.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
