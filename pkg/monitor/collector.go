package monitor

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
)

const namespace = "wpgate"

// Counter names.
const (
	CounterTotal      = "total_requests"
	CounterSuccessful = "successful_requests"
	CounterFailed     = "failed_requests"
	CounterRateLimit  = "rate_limited"
	CounterOversized  = "oversized_requests"
	CounterUnknown    = "unknown_tools"
)

const (
	defaultSampleSize    = 100
	defaultTimestampRing = 1000
	minuteRingSize       = 60
	errorRingSize        = 100
	recentErrorCount     = 10
	maxErrorDetail       = 200
	slowRequestThreshold = 5 * time.Second
	defaultActivityWin   = time.Hour
)

var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// ResponseTimeStats summarises the recent durations of one tool, in seconds.
type ResponseTimeStats struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
}

// ErrorRecord is one entry of the recent error ring.
type ErrorRecord struct {
	Type      string    `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is a point-in-time snapshot of the collector.
type Summary struct {
	UptimeSeconds      int64                        `json:"uptime_seconds"`
	UptimeFormatted    string                       `json:"uptime_formatted"`
	TotalRequests      int64                        `json:"total_requests"`
	SuccessfulRequests int64                        `json:"successful_requests"`
	FailedRequests     int64                        `json:"failed_requests"`
	SuccessRate        float64                      `json:"success_rate"`
	RequestsPerMinute  float64                      `json:"requests_per_minute"`
	RateLimited        int64                        `json:"rate_limited"`
	ResponseTimes      map[string]ResponseTimeStats `json:"response_times"`
	Errors             map[string]int64             `json:"errors"`
	RecentErrors       []ErrorRecord                `json:"recent_errors"`
	Counters           map[string]int64             `json:"counters"`
}

type toolStats struct {
	durations  []float64
	count      int64
	timestamps []time.Time
	next       int
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithCollectorClock overrides the time source.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		c.now = now
	}
}

// WithSampleSize sets how many recent durations are kept per tool.
func WithSampleSize(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.sampleSize = n
		}
	}
}

// WithActivityWindow sets the trailing window used for per-tool activity gauges.
func WithActivityWindow(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.activityWindow = d
		}
	}
}

// Collector aggregates request outcomes in bounded memory.
type Collector struct {
	log            logrus.FieldLogger
	now            func() time.Time
	sampleSize     int
	activityWindow time.Duration

	mu          sync.Mutex
	start       time.Time
	counters    map[string]int64
	tools       map[string]*toolStats
	minutes     []int64
	lastMinute  int64
	curMinute   int64
	errorCounts map[string]int64
	errors      []ErrorRecord

	registry *prometheus.Registry
}

// NewCollector creates a Collector with its own Prometheus registry.
func NewCollector(log logrus.FieldLogger, opts ...CollectorOption) *Collector {
	c := &Collector{
		log:            log.WithField("component", "metrics"),
		now:            time.Now,
		sampleSize:     defaultSampleSize,
		activityWindow: defaultActivityWin,
		counters:       make(map[string]int64, 8),
		tools:          make(map[string]*toolStats, 32),
		minutes:        make([]int64, 0, minuteRingSize),
		errorCounts:    make(map[string]int64, 8),
		errors:         make([]ErrorRecord, 0, errorRingSize),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.start = c.now()
	c.lastMinute = c.start.Unix() / 60

	for _, name := range []string{CounterTotal, CounterSuccessful, CounterFailed, CounterRateLimit} {
		c.counters[name] = 0
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(&registryCollector{c: c})

	return c
}

// Registry exposes the collector's values for a Prometheus scrape handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Record accounts for one finished tool invocation.
func (c *Collector) Record(tool string, d time.Duration, success bool) {
	now := c.now()
	secs := d.Seconds()

	c.mu.Lock()

	c.counters[CounterTotal]++

	if success {
		c.counters[CounterSuccessful]++
	} else {
		c.counters[CounterFailed]++
	}

	ts, ok := c.tools[tool]
	if !ok {
		ts = &toolStats{
			durations:  make([]float64, 0, c.sampleSize),
			timestamps: make([]time.Time, 0, 16),
		}
		c.tools[tool] = ts
	}

	ts.count++

	if len(ts.durations) == c.sampleSize {
		copy(ts.durations, ts.durations[1:])
		ts.durations[len(ts.durations)-1] = secs
	} else {
		ts.durations = append(ts.durations, secs)
	}

	if len(ts.timestamps) < defaultTimestampRing {
		ts.timestamps = append(ts.timestamps, now)
	} else {
		ts.timestamps[ts.next] = now
		ts.next = (ts.next + 1) % defaultTimestampRing
	}

	c.advanceMinute(now)

	c.mu.Unlock()

	if d > slowRequestThreshold {
		c.log.WithFields(logrus.Fields{
			"tool":     tool,
			"duration": fmt.Sprintf("%.2fs", secs),
		}).Warn("Slow request")
	}
}

// advanceMinute rolls the per-minute bucket. Minutes without traffic are recorded as zero.
// Must be called with c.mu held.
func (c *Collector) advanceMinute(now time.Time) {
	minute := now.Unix() / 60

	if minute != c.lastMinute {
		gap := minute - c.lastMinute
		if gap < 1 {
			gap = 1
		}

		c.pushMinute(c.curMinute)

		for i := int64(1); i < gap && i <= minuteRingSize; i++ {
			c.pushMinute(0)
		}

		c.curMinute = 0
		c.lastMinute = minute
	}

	c.curMinute++
}

func (c *Collector) pushMinute(n int64) {
	if len(c.minutes) == minuteRingSize {
		copy(c.minutes, c.minutes[1:])
		c.minutes[len(c.minutes)-1] = n

		return
	}

	c.minutes = append(c.minutes, n)
}

// Increment adds n to a named counter.
func (c *Collector) Increment(counter string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters[counter] += n
}

// RecordError counts an error by type and keeps a truncated copy of its details.
func (c *Collector) RecordError(errType, details string) {
	if len(details) > maxErrorDetail {
		details = truncate(details, maxErrorDetail)
	}

	rec := ErrorRecord{Type: errType, Details: details, Timestamp: c.now()}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorCounts[errType]++

	if len(c.errors) == errorRingSize {
		copy(c.errors, c.errors[1:])
		c.errors[len(c.errors)-1] = rec

		return
	}

	c.errors = append(c.errors, rec)
}

// Summary returns a snapshot of all aggregates.
func (c *Collector) Summary() Summary {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	uptime := now.Sub(c.start)
	total := c.counters[CounterTotal]

	s := Summary{
		UptimeSeconds:      int64(uptime.Seconds()),
		UptimeFormatted:    FormatUptime(uptime),
		TotalRequests:      total,
		SuccessfulRequests: c.counters[CounterSuccessful],
		FailedRequests:     c.counters[CounterFailed],
		RateLimited:        c.counters[CounterRateLimit],
		ResponseTimes:      make(map[string]ResponseTimeStats, len(c.tools)),
		Errors:             make(map[string]int64, len(c.errorCounts)),
		Counters:           make(map[string]int64, len(c.counters)),
	}

	if total > 0 {
		s.SuccessRate = round(float64(c.counters[CounterSuccessful])/float64(total)*100, 2)
	}

	var sum int64
	for _, n := range c.minutes {
		sum += n
	}

	s.RequestsPerMinute = round(float64(sum)/float64(max(1, len(c.minutes))), 2)

	for tool, ts := range c.tools {
		if len(ts.durations) == 0 {
			continue
		}

		s.ResponseTimes[tool] = durationStats(ts)
	}

	for k, v := range c.errorCounts {
		s.Errors[k] = v
	}

	for k, v := range c.counters {
		s.Counters[k] = v
	}

	recent := c.errors
	if len(recent) > recentErrorCount {
		recent = recent[len(recent)-recentErrorCount:]
	}

	s.RecentErrors = append(make([]ErrorRecord, 0, len(recent)), recent...)

	return s
}

// ExportExposition renders the core counters followed by one gauge per observed
// tool in the Prometheus text format. Output order is fixed.
func (c *Collector) ExportExposition() string {
	families, err := c.registry.Gather()
	if err != nil {
		c.log.WithError(err).Warn("Gathering metrics for exposition")
	}

	byName := make(map[string]int, len(families))
	for i, mf := range families {
		byName[mf.GetName()] = i
	}

	order := []string{
		namespace + "_requests_total",
		namespace + "_requests_success",
		namespace + "_requests_failed",
		namespace + "_rate_limited",
	}

	toolNames := make([]string, 0, len(families))
	prefix := namespace + "_response_time_"

	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), prefix) {
			toolNames = append(toolNames, mf.GetName())
		}
	}

	sort.Strings(toolNames)
	order = append(order, toolNames...)

	var buf bytes.Buffer

	for _, name := range order {
		i, ok := byName[name]
		if !ok {
			continue
		}

		if _, err := expfmt.MetricFamilyToText(&buf, families[i]); err != nil {
			c.log.WithError(err).WithField("metric", name).Warn("Rendering metric family")
		}
	}

	return strings.TrimRight(buf.String(), "\n")
}

// toolActivity counts invocations per tool inside the activity window.
func (c *Collector) toolActivity(now time.Time) map[string]int {
	cutoff := now.Add(-c.activityWindow)
	out := make(map[string]int, len(c.tools))

	for tool, ts := range c.tools {
		n := 0

		for _, t := range ts.timestamps {
			if !t.Before(cutoff) {
				n++
			}
		}

		out[tool] = n
	}

	return out
}

func durationStats(ts *toolStats) ResponseTimeStats {
	stats := ResponseTimeStats{
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
		Count: ts.count,
	}

	var sum float64

	for _, d := range ts.durations {
		sum += d
		stats.Min = math.Min(stats.Min, d)
		stats.Max = math.Max(stats.Max, d)
	}

	stats.Avg = sum / float64(len(ts.durations))

	return stats
}

// FormatUptime renders a duration as "1d 2h 3m 4s", omitting zero leading units.
func FormatUptime(d time.Duration) string {
	total := int64(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	parts := make([]string, 0, 4)

	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}

	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}

	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}

	parts = append(parts, fmt.Sprintf("%ds", seconds))

	return strings.Join(parts, " ")
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))

	return math.Round(v*p) / p
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}

func metricSafe(tool string) string {
	return invalidMetricChars.ReplaceAllString(tool, "_")
}

// registryCollector feeds the collector's state to its Prometheus registry.
// Tool names are only known at runtime, so it registers as an unchecked collector.
type registryCollector struct {
	c *Collector
}

var (
	descRequestsTotal = prometheus.NewDesc(namespace+"_requests_total", "Total number of requests", nil, nil)
	descRequestsOK    = prometheus.NewDesc(namespace+"_requests_success", "Successful requests", nil, nil)
	descRequestsFail  = prometheus.NewDesc(namespace+"_requests_failed", "Failed requests", nil, nil)
	descRateLimited   = prometheus.NewDesc(namespace+"_rate_limited", "Rate limited requests", nil, nil)
	descToolActivity  = prometheus.NewDesc(
		namespace+"_tool_recent_requests",
		"Invocations per tool within the activity window",
		[]string{"tool"}, nil,
	)
)

// Describe implements prometheus.Collector.
func (r *registryCollector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (r *registryCollector) Collect(ch chan<- prometheus.Metric) {
	c := r.c
	now := c.now()

	c.mu.Lock()

	counters := map[*prometheus.Desc]int64{
		descRequestsTotal: c.counters[CounterTotal],
		descRequestsOK:    c.counters[CounterSuccessful],
		descRequestsFail:  c.counters[CounterFailed],
		descRateLimited:   c.counters[CounterRateLimit],
	}

	avgs := make(map[string]float64, len(c.tools))

	for tool, ts := range c.tools {
		if len(ts.durations) > 0 {
			avgs[tool] = durationStats(ts).Avg
		}
	}

	activity := c.toolActivity(now)

	c.mu.Unlock()

	for desc, v := range counters {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}

	for tool, avg := range avgs {
		desc := prometheus.NewDesc(
			namespace+"_response_time_"+metricSafe(tool),
			"Average response time for "+tool,
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, round(avg, 3))
	}

	for tool, n := range activity {
		ch <- prometheus.MustNewConstMetric(descToolActivity, prometheus.GaugeValue, float64(n), tool)
	}
}
