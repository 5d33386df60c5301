package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/wpgate/pkg/monitor"
	"github.com/ethpandaops/wpgate/pkg/store"
)

// Config contains persistence cadence and retention settings.
type Config struct {
	SnapshotInterval time.Duration
	RetentionDays    int // -1 disables cleanup
	CleanupInterval  time.Duration
}

// Service persists raised alerts and periodic metric snapshots, and prunes
// rows past the retention window.
type Service interface {
	Start(ctx context.Context) error
	Stop() error

	RecordAlerts(ctx context.Context, alerts []monitor.Alert)
	Snapshot(ctx context.Context) error
	Cleanup(ctx context.Context) (int64, error)
}

// service implements Service.
type service struct {
	log       logrus.FieldLogger
	cfg       Config
	store     store.Store
	collector *monitor.Collector
	health    *monitor.HealthChecker
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Ensure service implements Service.
var _ Service = (*service)(nil)

// NewService creates a new history service.
func NewService(
	log logrus.FieldLogger,
	cfg Config,
	st store.Store,
	collector *monitor.Collector,
	health *monitor.HealthChecker,
) Service {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}

	return &service{
		log:       log.WithField("component", "history"),
		cfg:       cfg,
		store:     st,
		collector: collector,
		health:    health,
		now:       time.Now,
	}
}

// Start begins the snapshot and cleanup loops.
func (s *service) Start(ctx context.Context) error {
	s.log.Info("Starting history service")

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)

	go s.run(ctx, s.cfg.SnapshotInterval, func(ctx context.Context) {
		if err := s.Snapshot(ctx); err != nil {
			s.log.WithError(err).Error("Failed to store metrics snapshot")
		}
	})

	if s.cfg.RetentionDays > 0 {
		s.log.WithFields(logrus.Fields{
			"retention_days":   s.cfg.RetentionDays,
			"cleanup_interval": s.cfg.CleanupInterval,
		}).Info("Starting history cleanup")

		s.wg.Add(1)

		go s.run(ctx, s.cfg.CleanupInterval, func(ctx context.Context) {
			count, err := s.Cleanup(ctx)
			if err != nil {
				s.log.WithError(err).Error("Failed to clean up history")
			} else if count > 0 {
				s.log.WithFields(logrus.Fields{
					"deleted_count":  count,
					"retention_days": s.cfg.RetentionDays,
				}).Info("Cleaned up history")
			}
		})
	}

	return nil
}

// Stop shuts down the loops.
func (s *service) Stop() error {
	s.log.Info("Stopping history service")

	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()

	return nil
}

func (s *service) run(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// RecordAlerts stores alerts. It has the monitor.AlertSink signature.
func (s *service) RecordAlerts(ctx context.Context, alerts []monitor.Alert) {
	for _, a := range alerts {
		createdAt := a.Timestamp
		if createdAt.IsZero() {
			createdAt = s.now()
		}

		if err := s.store.CreateAlert(ctx, &store.AlertRecord{
			ID:        uuid.New().String(),
			Type:      a.Type,
			Severity:  a.Severity,
			Message:   a.Message,
			CreatedAt: createdAt,
		}); err != nil {
			s.log.WithError(err).WithField("alert", a.Key()).Error("Failed to store alert")
		}
	}
}

// Snapshot stores the current metrics summary.
func (s *service) Snapshot(ctx context.Context) error {
	summary := s.collector.Summary()

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	snap := &store.Snapshot{
		ID:                 uuid.New().String(),
		TotalRequests:      summary.TotalRequests,
		SuccessfulRequests: summary.SuccessfulRequests,
		FailedRequests:     summary.FailedRequests,
		RateLimited:        summary.RateLimited,
		SuccessRate:        summary.SuccessRate,
		RequestsPerMinute:  summary.RequestsPerMinute,
		Healthy:            s.health == nil || s.health.IsHealthy(),
		Summary:            string(data),
		CreatedAt:          s.now(),
	}

	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}

	return nil
}

// Cleanup deletes rows older than the retention window.
func (s *service) Cleanup(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)

	count, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old history: %w", err)
	}

	return count, nil
}
