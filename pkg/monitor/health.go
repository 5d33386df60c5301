package monitor

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Component names tracked by the HealthChecker.
const (
	ComponentWordPress = "wordpress_connection"
	ComponentRateLimit = "rate_limiter"
	ComponentSession   = "session_manager"
	ComponentAuth      = "auth_manager"
)

// Probe checks downstream connectivity.
type Probe func(ctx context.Context) error

// HealthStatus is the detailed health report.
type HealthStatus struct {
	Status          string          `json:"status"`
	UptimeSeconds   int64           `json:"uptime_seconds"`
	LastCheck       *time.Time      `json:"last_check"`
	LastError       string          `json:"last_error,omitempty"`
	ChecksPerformed int64           `json:"checks_performed"`
	ChecksFailed    int64           `json:"checks_failed"`
	SuccessRate     float64         `json:"success_rate"`
	Components      map[string]bool `json:"components"`
	Timestamp       time.Time       `json:"timestamp"`
}

// HealthChecker tracks the overall health flag and per-component health.
type HealthChecker struct {
	log          logrus.FieldLogger
	now          func() time.Time
	probeTimeout time.Duration

	mu              sync.RWMutex
	healthy         bool
	start           time.Time
	lastCheck       time.Time
	lastError       string
	checksPerformed int64
	checksFailed    int64
	components      map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker. The downstream connection starts unhealthy
// until the first successful probe.
func NewHealthChecker(log logrus.FieldLogger, probeTimeout time.Duration) *HealthChecker {
	if probeTimeout <= 0 {
		probeTimeout = 30 * time.Second
	}

	return &HealthChecker{
		log:          log.WithField("component", "health"),
		now:          time.Now,
		probeTimeout: probeTimeout,
		start:        time.Now(),
		components: map[string]bool{
			ComponentWordPress: false,
			ComponentRateLimit: true,
			ComponentSession:   true,
			ComponentAuth:      true,
		},
	}
}

// SetHealthy records the outcome of a health check.
func (h *HealthChecker) SetHealthy(healthy bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.healthy = healthy
	h.lastCheck = h.now()
	h.checksPerformed++

	if healthy {
		h.lastError = ""
	} else {
		h.checksFailed++

		if err != nil {
			h.lastError = err.Error()
		}
	}

	h.components[ComponentWordPress] = healthy
}

// SetComponent updates a known component. Unknown names are ignored.
func (h *HealthChecker) SetComponent(name string, healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.components[name]; ok {
		h.components[name] = healthy
	}
}

// IsHealthy reports whether the overall flag and every component are healthy.
func (h *HealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.isHealthyLocked()
}

func (h *HealthChecker) isHealthyLocked() bool {
	if !h.healthy {
		return false
	}

	for _, ok := range h.components {
		if !ok {
			return false
		}
	}

	return true
}

// RunChecks invokes the probe and records the result.
func (h *HealthChecker) RunChecks(ctx context.Context, probe Probe) bool {
	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	err := probe(ctx)
	if err != nil {
		h.log.WithError(err).Error("Downstream health check failed")
	}

	h.SetHealthy(err == nil, err)

	return err == nil
}

// Status returns the detailed health report.
func (h *HealthChecker) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()

	st := HealthStatus{
		Status:          "unhealthy",
		UptimeSeconds:   int64(now.Sub(h.start).Seconds()),
		LastError:       h.lastError,
		ChecksPerformed: h.checksPerformed,
		ChecksFailed:    h.checksFailed,
		Components:      maps.Clone(h.components),
		Timestamp:       now,
	}

	if h.isHealthyLocked() {
		st.Status = "healthy"
	}

	if !h.lastCheck.IsZero() {
		last := h.lastCheck
		st.LastCheck = &last
	}

	if h.checksPerformed > 0 {
		st.SuccessRate = round(float64(h.checksPerformed-h.checksFailed)/float64(h.checksPerformed)*100, 2)
	}

	return st
}

// Start runs the probe immediately and then on every interval tick. The onTick
// callback, if set, runs after each probe.
func (h *HealthChecker) Start(ctx context.Context, interval time.Duration, probe Probe, onTick func()) error {
	h.log.WithField("interval", interval).Info("Starting health checker")

	ctx, h.cancel = context.WithCancel(ctx)

	h.RunChecks(ctx, probe)

	h.wg.Add(1)

	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.RunChecks(ctx, probe)

				if onTick != nil {
					onTick()
				}
			}
		}
	}()

	return nil
}

// Stop stops the periodic checks.
func (h *HealthChecker) Stop() error {
	h.log.Info("Stopping health checker")

	if h.cancel != nil {
		h.cancel()
	}

	h.wg.Wait()

	return nil
}
