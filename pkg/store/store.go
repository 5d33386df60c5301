package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Store defines the interface for database operations.
type Store interface {
	// Lifecycle.
	Start(ctx context.Context) error
	Stop() error

	// Alerts.
	CreateAlert(ctx context.Context, alert *AlertRecord) error
	ListAlerts(ctx context.Context, opts AlertQueryOpts) ([]*AlertRecord, error)

	// Metric snapshots.
	CreateSnapshot(ctx context.Context, snapshot *Snapshot) error
	ListSnapshots(ctx context.Context, since time.Time, limit int) ([]*Snapshot, error)

	// Audit.
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, limit int) ([]*AuditEntry, error)

	// Retention.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Migrations.
	Migrate(ctx context.Context) error
}

// AlertRecord is a persisted alert.
type AlertRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertQueryOpts filters ListAlerts.
type AlertQueryOpts struct {
	Type  *string
	Since *time.Time
	Limit int
}

// Snapshot is a periodic copy of the metrics summary.
type Snapshot struct {
	ID                 string    `json:"id"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RateLimited        int64     `json:"rate_limited"`
	SuccessRate        float64   `json:"success_rate"`
	RequestsPerMinute  float64   `json:"requests_per_minute"`
	Healthy            bool      `json:"healthy"`
	Summary            string    `json:"summary"` // JSON-encoded monitor summary.
	CreatedAt          time.Time `json:"created_at"`
}

// AuditEntry records an administrative action.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Actor      string    `json:"actor"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Audit actions.
const (
	AuditActionToolCall      = "tool_call"
	AuditActionSessionRotate = "session_rotate"
	AuditActionAlertClear    = "alert_clear"
)

// New creates a store for the named driver.
func New(log logrus.FieldLogger, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteStore(log, dsn), nil
	case "postgres":
		return NewPostgresStore(log, dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}

	return limit
}
