package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	log logrus.FieldLogger
	dsn string
	db  *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(log logrus.FieldLogger, dsn string) Store {
	return &PostgresStore{
		log: log.WithField("component", "store"),
		dsn: dsn,
	}
}

// Start opens the database connection.
func (s *PostgresStore) Start(ctx context.Context) error {
	s.log.Info("Opening PostgreSQL database")

	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	s.db = db

	return nil
}

// Stop closes the database connection.
func (s *PostgresStore) Stop() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.log.Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts(type)`,
		`CREATE TABLE IF NOT EXISTS metric_snapshots (
			id TEXT PRIMARY KEY,
			total_requests BIGINT NOT NULL,
			successful_requests BIGINT NOT NULL,
			failed_requests BIGINT NOT NULL,
			rate_limited BIGINT NOT NULL,
			success_rate DOUBLE PRECISION NOT NULL,
			requests_per_minute DOUBLE PRECISION NOT NULL,
			healthy BOOLEAN NOT NULL,
			summary JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_created ON metric_snapshots(created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			actor TEXT,
			details TEXT,
			created_at TIMESTAMPTZ NOT NULL
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
func (s *PostgresStore) CreateAlert(ctx context.Context, alert *AlertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, type, severity, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, alert.ID, alert.Type, alert.Severity, alert.Message, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}

	return nil
}

// ListAlerts returns stored alerts, newest first.
func (s *PostgresStore) ListAlerts(ctx context.Context, opts AlertQueryOpts) ([]*AlertRecord, error) {
	query := `SELECT id, type, severity, message, created_at FROM alerts WHERE 1=1`

	var args []any

	if opts.Type != nil {
		args = append(args, *opts.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
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
func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *Snapshot) error {
	var summary sql.NullString
	if snap.Summary != "" {
		summary = sql.NullString{String: snap.Summary, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_snapshots (id, total_requests, successful_requests, failed_requests,
			rate_limited, success_rate, requests_per_minute, healthy, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, snap.ID, snap.TotalRequests, snap.SuccessfulRequests, snap.FailedRequests,
		snap.RateLimited, snap.SuccessRate, snap.RequestsPerMinute, snap.Healthy,
		summary, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	return nil
}

// ListSnapshots returns snapshots taken at or after since, newest first.
func (s *PostgresStore) ListSnapshots(ctx context.Context, since time.Time, limit int) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, total_requests, successful_requests, failed_requests, rate_limited,
			success_rate, requests_per_minute, healthy, summary, created_at
		FROM metric_snapshots
		WHERE created_at >= $1
		ORDER BY created_at DESC
		LIMIT %d
	`, limitOrDefault(limit)), since)
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
func (s *PostgresStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, entity_type, entity_id, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.Action, entry.EntityType, entry.EntityID, entry.Actor, entry.Details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit_entry: %w", err)
	}

	return nil
}

// ListAuditEntries returns audit entries, newest first.
func (s *PostgresStore) ListAuditEntries(ctx context.Context, limit int) ([]*AuditEntry, error) {
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
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var total int64

	for _, table := range []string{"alerts", "metric_snapshots", "audit_log"} {
		result, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < $1", cutoff)
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
