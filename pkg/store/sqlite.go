package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	log  logrus.FieldLogger
	path string
	db   *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(log logrus.FieldLogger, path string) Store {
	return &SQLiteStore{
		log:  log.WithField("component", "store"),
		path: path,
	}
}

// Start opens the database connection.
func (s *SQLiteStore) Start(ctx context.Context) error {
	s.log.WithField("path", s.path).Info("Opening SQLite database")

	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// In-memory databases are per connection.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	s.db = db

	return nil
}

// Stop closes the database connection.
func (s *SQLiteStore) Stop() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.log.Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts(type)`,
		`CREATE TABLE IF NOT EXISTS metric_snapshots (
			id TEXT PRIMARY KEY,
			total_requests INTEGER NOT NULL,
			successful_requests INTEGER NOT NULL,
			failed_requests INTEGER NOT NULL,
			rate_limited INTEGER NOT NULL,
			success_rate REAL NOT NULL,
			requests_per_minute REAL NOT NULL,
			healthy INTEGER NOT NULL,
			summary TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_created ON metric_snapshots(created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			actor TEXT,
			details TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}

	return nil
}

// ============================================================================
// Alerts
// ============================================================================

// CreateAlert stores an alert.
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *AlertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, type, severity, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, alert.ID, alert.Type, alert.Severity, alert.Message, alert.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}

	return nil
}

// ListAlerts returns stored alerts, newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, opts AlertQueryOpts) ([]*AlertRecord, error) {
	query := `SELECT id, type, severity, message, created_at FROM alerts WHERE 1=1`

	var args []any

	if opts.Type != nil {
		query += " AND type = ?"

		args = append(args, *opts.Type)
	}

	if opts.Since != nil {
		query += " AND created_at >= ?"

		args = append(args, opts.Since.UTC())
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limitOrDefault(opts.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}

	defer rows.Close()

	var alerts []*AlertRecord

	for rows.Next() {
		var a AlertRecord

		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}

		alerts = append(alerts, &a)
	}

	return alerts, rows.Err()
}

// ============================================================================
// Snapshots
// ============================================================================

// CreateSnapshot stores a metrics snapshot.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_snapshots (id, total_requests, successful_requests, failed_requests,
			rate_limited, success_rate, requests_per_minute, healthy, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.TotalRequests, snap.SuccessfulRequests, snap.FailedRequests,
		snap.RateLimited, snap.SuccessRate, snap.RequestsPerMinute, snap.Healthy,
		snap.Summary, snap.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	return nil
}

// ListSnapshots returns snapshots taken at or after since, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, since time.Time, limit int) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, total_requests, successful_requests, failed_requests, rate_limited,
			success_rate, requests_per_minute, healthy, summary, created_at
		FROM metric_snapshots
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT %d
	`, limitOrDefault(limit)), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}

	defer rows.Close()

	var snaps []*Snapshot

	for rows.Next() {
		var (
			snap    Snapshot
			summary sql.NullString
		)

		if err := rows.Scan(&snap.ID, &snap.TotalRequests, &snap.SuccessfulRequests,
			&snap.FailedRequests, &snap.RateLimited, &snap.SuccessRate,
			&snap.RequestsPerMinute, &snap.Healthy, &summary, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}

		snap.Summary = summary.String
		snaps = append(snaps, &snap)
	}

	return snaps, rows.Err()
}

// ============================================================================
// Audit
// ============================================================================

// CreateAuditEntry stores an audit entry.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, entity_type, entity_id, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Action, entry.EntityType, entry.EntityID, entry.Actor, entry.Details,
		entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting audit_entry: %w", err)
	}

	return nil
}

// ListAuditEntries returns audit entries, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, limit int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, action, entity_type, entity_id, actor, details, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT %d
	`, limitOrDefault(limit)))
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}

	defer rows.Close()

	var entries []*AuditEntry

	for rows.Next() {
		var (
			entry          AuditEntry
			actor, details sql.NullString
		)

		if err := rows.Scan(&entry.ID, &entry.Action, &entry.EntityType, &entry.EntityID,
			&actor, &details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit_entry: %w", err)
		}

		entry.Actor = actor.String
		entry.Details = details.String
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// DeleteOlderThan removes alerts, snapshots and audit entries created before cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var total int64

	for _, table := range []string{"alerts", "metric_snapshots", "audit_log"} {
		result, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff.UTC())
		if err != nil {
			return 0, fmt.Errorf("deleting from %s: %w", table, err)
		}

		count, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("getting rows affected: %w", err)
		}

		total += count
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	return total, nil
}
