// Package history persists an audit trail of facade tool calls to SQLite.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

const (
	// StatusOK marks a call that produced a tool response.
	StatusOK = "ok"
	// StatusError marks a call that failed anywhere in the bridge.
	StatusError = "error"
)

// Record is one audited facade call.
type Record struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	Method     string    `json:"method"`
	Status     string    `json:"status"`
	ErrorCode  string    `json:"error_code,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// StoreConfig configures the SQLite call-history store.
type StoreConfig struct {
	// DSN is the database connection string (usually a file path).
	DSN string

	// RetentionAge deletes records older than this duration (0 = keep all).
	RetentionAge time.Duration

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// Store persists call records to a SQLite database. WAL mode keeps reads
// concurrent with the single writer; retention pruning runs in the
// background when configured.
type Store struct {
	db   *sql.DB
	cfg  StoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewStore opens (or creates) a SQLite call-history store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("history: dsn is required")
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	s := &Store{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores one record. A missing ID or CreatedAt is filled in.
func (s *Store) Append(ctx context.Context, record Record) (Record, error) {
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = StatusOK
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, tool, method, status, error_code, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Tool,
		record.Method,
		record.Status,
		record.ErrorCode,
		record.DurationMS,
		record.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("history: append: %w", err)
	}
	return record, nil
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool, method, status, error_code, duration_ms, created_at
		   FROM tool_calls ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var createdAt string
		if err := rows.Scan(
			&record.ID,
			&record.Tool,
			&record.Method,
			&record.Status,
			&record.ErrorCode,
			&record.DurationMS,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("history: scan record: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("history: parse created_at: %w", err)
		}
		record.CreatedAt = parsed
		records = append(records, record)
	}
	return records, rows.Err()
}

// Prune runs a single retention pass. Exported for testing.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_calls WHERE created_at < ?`, cutoff,
	); err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}

// Close stops the background pruner and closes the database connection.
func (s *Store) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

func (s *Store) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}
