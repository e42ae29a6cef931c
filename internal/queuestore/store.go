// Package queuestore is the durable mirror of the workspace's `queue/`
// directory (spec §6: "queue/ optional MCP-style durable message store"):
// a migrated sqlite database recording resolved deliveries (ack or
// timeout) for crash-forensics and replay, independent of the Router's
// in-memory DeliveryTracker and FIFO. It never gates or retries a live
// delivery; it only remembers what already happened, the way the teacher's
// own `internal/beads` package treats its sqlite database as a read side
// of record rather than a coordination primitive.
package queuestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/anamnesos/hivemind/internal/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps the queue/queue.db sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) queue/queue.db under the given queue
// directory and applies any pending migrations, grounded on the teacher's
// `internal/beads.NewClient` connect-then-ping shape.
func Open(queueDir string) (*Store, error) {
	dbPath := filepath.Join(queueDir, "queue.db")
	db, err := sql.Open("sqlite3", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening queue store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging queue store: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info(log.CatQueue, "queue store ready", "path", dbPath)
	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("loading queue store migrations: %w", err)
	}
	target, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("preparing queue store migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("constructing queue store migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying queue store migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeliveryRecord is one resolved (sender, recipient, seq) delivery, durable
// past process restart.
type DeliveryRecord struct {
	DeliveryID string
	Sender     string
	Recipient  string
	Seq        int64
	Mode       string
	Body       string
	Success    bool
	Verified   bool
	Reason     string
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// RecordDelivery upserts one resolved delivery. Re-recording the same
// deliveryId (e.g. a late timeout racing an ack) overwrites rather than
// duplicating the row.
func (s *Store) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivered_messages
			(delivery_id, sender, recipient, seq, mode, body, success, verified, reason, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(delivery_id) DO UPDATE SET
			success = excluded.success,
			verified = excluded.verified,
			reason = excluded.reason,
			resolved_at = excluded.resolved_at
	`,
		rec.DeliveryID, rec.Sender, rec.Recipient, rec.Seq, rec.Mode, rec.Body,
		boolToInt(rec.Success), boolToInt(rec.Verified), rec.Reason,
		rec.CreatedAt.UTC(), rec.ResolvedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording delivery %s: %w", rec.DeliveryID, err)
	}
	return nil
}

// RecentForRecipient returns the most recent durable records for one
// recipient, newest first, for crash-forensics/replay tooling (spec §6).
func (s *Store) RecentForRecipient(ctx context.Context, recipient string, limit int) ([]DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT delivery_id, sender, recipient, seq, mode, body, success, verified, reason, created_at, resolved_at
		FROM delivered_messages
		WHERE recipient = ?
		ORDER BY resolved_at DESC
		LIMIT ?
	`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("querying delivered messages for %s: %w", recipient, err)
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var rec DeliveryRecord
		var success, verified int
		if err := rows.Scan(&rec.DeliveryID, &rec.Sender, &rec.Recipient, &rec.Seq, &rec.Mode, &rec.Body,
			&success, &verified, &rec.Reason, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scanning delivered message: %w", err)
		}
		rec.Success = success != 0
		rec.Verified = verified != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
