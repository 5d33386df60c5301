package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Alert types.
const (
	AlertHighErrorRate   = "high_error_rate"
	AlertSlowResponse    = "slow_response"
	AlertExcessRateLimit = "excessive_rate_limiting"
)

const (
	alertHistorySize = 100
	// activationFloor is the request count below which the error rate is not evaluated.
	activationFloor = 100
)

// Alert is a threshold breach.
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Key identifies an active alert.
func (a Alert) Key() string {
	return a.Type + ":" + a.Severity
}

// Thresholds configures the AlertManager.
type Thresholds struct {
	ErrorRate     float64
	ResponseTime  time.Duration
	RateLimitHits int64
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:     0.1,
		ResponseTime:  5 * time.Second,
		RateLimitHits: 100,
	}
}

// AlertManager evaluates summaries against thresholds. It does not schedule itself.
type AlertManager struct {
	log        logrus.FieldLogger
	thresholds Thresholds
	now        func() time.Time

	mu      sync.Mutex
	active  map[string]Alert
	history []Alert
}

// NewAlertManager creates an AlertManager.
func NewAlertManager(log logrus.FieldLogger, thresholds Thresholds) *AlertManager {
	return &AlertManager{
		log:        log.WithField("component", "alerts"),
		thresholds: thresholds,
		now:        time.Now,
		active:     make(map[string]Alert, 4),
		history:    make([]Alert, 0, alertHistorySize),
	}
}

// CheckAlerts returns the alerts raised by the given summary and records them.
func (m *AlertManager) CheckAlerts(s Summary) []Alert {
	var alerts []Alert

	if s.TotalRequests > activationFloor {
		rate := float64(s.FailedRequests) / float64(s.TotalRequests)
		if rate > m.thresholds.ErrorRate {
			alerts = append(alerts, m.raise(AlertHighErrorRate, SeverityCritical,
				fmt.Sprintf("Error rate is %.1f%%", rate*100)))
		}
	}

	tools := make([]string, 0, len(s.ResponseTimes))
	for tool := range s.ResponseTimes {
		tools = append(tools, tool)
	}

	sort.Strings(tools)

	limit := m.thresholds.ResponseTime.Seconds()

	for _, tool := range tools {
		if avg := s.ResponseTimes[tool].Avg; avg > limit {
			alerts = append(alerts, m.raise(AlertSlowResponse, SeverityWarning,
				fmt.Sprintf("%s average response time is %.2fs", tool, avg)))
		}
	}

	if s.RateLimited > m.thresholds.RateLimitHits {
		alerts = append(alerts, m.raise(AlertExcessRateLimit, SeverityWarning,
			fmt.Sprintf("Rate limited %d requests", s.RateLimited)))
	}

	return alerts
}

func (m *AlertManager) raise(alertType, severity, message string) Alert {
	a := Alert{
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Timestamp: m.now(),
	}

	m.mu.Lock()

	m.active[a.Key()] = a

	if len(m.history) == alertHistorySize {
		copy(m.history, m.history[1:])
		m.history[len(m.history)-1] = a
	} else {
		m.history = append(m.history, a)
	}

	m.mu.Unlock()

	entry := m.log.WithFields(logrus.Fields{"type": alertType, "severity": severity})
	if severity == SeverityCritical {
		entry.Error("ALERT: " + message)
	} else {
		entry.Warn("Alert: " + message)
	}

	return a
}

// ClearAlert removes an active alert.
func (m *AlertManager) ClearAlert(alertType, severity string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, alertType+":"+severity)
}

// ActiveAlerts returns the active alerts ordered by key.
func (m *AlertManager) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]Alert, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.active[k])
	}

	return out
}

// History returns up to limit of the most recent alerts, oldest first.
func (m *AlertManager) History(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}

	return append([]Alert(nil), m.history[len(m.history)-limit:]...)
}

// AlertSink receives alerts raised by the Evaluator.
type AlertSink func(ctx context.Context, alerts []Alert)

// Evaluator periodically checks the collector's summary for alerts.
type Evaluator struct {
	log       logrus.FieldLogger
	collector *Collector
	manager   *AlertManager
	interval  time.Duration
	sinks     []AlertSink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(log logrus.FieldLogger, c *Collector, m *AlertManager, interval time.Duration) *Evaluator {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Evaluator{
		log:       log.WithField("component", "alert_evaluator"),
		collector: c,
		manager:   m,
		interval:  interval,
	}
}

// AddSink registers a receiver for raised alerts. Not safe to call after Start.
func (e *Evaluator) AddSink(sink AlertSink) {
	e.sinks = append(e.sinks, sink)
}

// Evaluate runs a single check and fans out any alerts.
func (e *Evaluator) Evaluate(ctx context.Context) []Alert {
	alerts := e.manager.CheckAlerts(e.collector.Summary())
	if len(alerts) == 0 {
		return nil
	}

	for _, sink := range e.sinks {
		sink(ctx, alerts)
	}

	return alerts
}

// Start begins periodic evaluation.
func (e *Evaluator) Start(ctx context.Context) error {
	e.log.WithField("interval", e.interval).Info("Starting alert evaluator")

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Evaluate(ctx)
			}
		}
	}()

	return nil
}

// Stop stops periodic evaluation.
func (e *Evaluator) Stop() error {
	e.log.Info("Stopping alert evaluator")

	if e.cancel != nil {
		e.cancel()
	}

	e.wg.Wait()

	return nil
}
