// ABOUTME: SQLite message ledger using modernc.org/sqlite.
// ABOUTME: Records every relayed message with its delivery outcome for observability.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Direction marks which way a message flowed through the relay.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // chat transport -> CRM
	DirectionOutbound Direction = "outbound" // CRM webhook -> chat transport
)

// Outcome is the delivery result of the forwarding call.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// MessageRecord is one relayed message. Failed forwards are recorded too;
// the ledger is an audit trail, not a retry queue.
type MessageRecord struct {
	ID        string
	TenantID  string
	SessionID string
	Direction Direction
	PeerID    string
	Text      string
	MessageID string // transport message ID, empty for outbound
	Outcome   Outcome
	Detail    string // error text for failed forwards
	CreatedAt time.Time
}

// Ledger persists relayed messages.
type Ledger interface {
	RecordMessage(ctx context.Context, rec *MessageRecord) error
	RecentMessages(ctx context.Context, tenantID string, limit int) ([]*MessageRecord, error)
	CountMessages(ctx context.Context) (int64, error)
	Close() error
}

// SQLiteLedger implements Ledger on a local SQLite database.
type SQLiteLedger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteLedger opens (or creates) the ledger database at path. Parent
// directories are created if needed and the schema is bootstrapped.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	logger := slog.Default().With("component", "ledger")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	// WAL keeps writers from blocking the status endpoint's reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &SQLiteLedger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// createSchema bootstraps the messages table.
func (l *SQLiteLedger) createSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		session_id TEXT NOT NULL,
		direction  TEXT NOT NULL,
		peer_id    TEXT NOT NULL,
		text       TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		outcome    TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_tenant_time
		ON messages(tenant_id, created_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("creating ledger schema: %w", err)
	}
	return nil
}

// RecordMessage appends one relayed message to the ledger.
func (l *SQLiteLedger) RecordMessage(ctx context.Context, rec *MessageRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, session_id, direction, peer_id, text, message_id, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.SessionID, string(rec.Direction),
		rec.PeerID, rec.Text, rec.MessageID, string(rec.Outcome), rec.Detail,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting message record: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit records for a tenant, newest first.
func (l *SQLiteLedger) RecentMessages(ctx context.Context, tenantID string, limit int) ([]*MessageRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, tenant_id, session_id, direction, peer_id, text, message_id, outcome, detail, created_at
		 FROM messages WHERE tenant_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		rec := &MessageRecord{}
		var direction, outcome string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.SessionID, &direction,
			&rec.PeerID, &rec.Text, &rec.MessageID, &outcome, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message record: %w", err)
		}
		rec.Direction = Direction(direction)
		rec.Outcome = Outcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountMessages returns the total number of ledger records.
func (l *SQLiteLedger) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
