package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethpandaops/wpgate/pkg/metrics"
	"github.com/ethpandaops/wpgate/pkg/monitor"
	"github.com/ethpandaops/wpgate/pkg/ratelimit"
	"github.com/ethpandaops/wpgate/pkg/tools"
	"github.com/ethpandaops/wpgate/pkg/validate"
	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

const tracerName = "github.com/ethpandaops/wpgate/pkg/dispatcher"

// Pipeline states, logged at debug on every transition.
const (
	StateReceived    = "RECEIVED"
	StateRateChecked = "RATE_CHECKED"
	StateSizeChecked = "SIZE_CHECKED"
	StateValidated   = "VALIDATED"
	StateDispatched  = "DISPATCHED"
	StateCompleted   = "COMPLETED"
	StateFailed      = "FAILED"
)

// Outcome labels for process metrics.
const (
	outcomeSuccess    = "success"
	outcomeFailure    = "failure"
	outcomeValidation = "validation_failed"
)

// CallerContext identifies who is invoking a tool.
type CallerContext struct {
	UserID    string
	IPAddress string
	UserAgent string
	RequestID string
}

// Downstream is the WordPress surface the dispatcher needs.
type Downstream interface {
	wordpress.Downstream
	TestConnection(ctx context.Context) error
}

// Config contains dispatcher settings.
type Config struct {
	MaxRequestSize int
	HandlerTimeout time.Duration
	HealthInterval time.Duration
	LogSummary     bool
}

func (c *Config) applyDefaults() {
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = 10 << 20
	}

	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 60 * time.Second
	}

	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Minute
	}
}

// Dispatcher defines the interface for the admission pipeline.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop() error
	Dispatch(ctx context.Context, tool string, args map[string]any, caller CallerContext) Response
	Tools() []string
}

// dispatcher implements Dispatcher.
type dispatcher struct {
	log       logrus.FieldLogger
	cfg       Config
	limiter   *ratelimit.Limiter
	validator *validate.Validator
	registry  *tools.Registry
	wp        Downstream
	collector *monitor.Collector
	health    *monitor.HealthChecker
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	started bool
	mu      sync.Mutex
}

// Ensure dispatcher implements Dispatcher.
var _ Dispatcher = (*dispatcher)(nil)

// NewDispatcher creates a new dispatcher.
func NewDispatcher(
	log logrus.FieldLogger,
	cfg Config,
	limiter *ratelimit.Limiter,
	validator *validate.Validator,
	registry *tools.Registry,
	wp Downstream,
	collector *monitor.Collector,
	health *monitor.HealthChecker,
	m *metrics.Metrics,
) Dispatcher {
	cfg.applyDefaults()

	return &dispatcher{
		log:       log.WithField("component", "dispatcher"),
		cfg:       cfg,
		limiter:   limiter,
		validator: validator,
		registry:  registry,
		wp:        wp,
		collector: collector,
		health:    health,
		metrics:   m,
		tracer:    otel.Tracer(tracerName),
	}
}

// Start begins the rate limiter reaper and the periodic downstream health check.
func (d *dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}

	d.log.WithField("health_interval", d.cfg.HealthInterval).Info("Starting dispatcher")

	if err := d.limiter.Start(ctx); err != nil {
		return fmt.Errorf("starting rate limiter: %w", err)
	}

	if err := d.health.Start(ctx, d.cfg.HealthInterval, d.wp.TestConnection, d.logSummary); err != nil {
		return fmt.Errorf("starting health checker: %w", err)
	}

	d.started = true

	return nil
}

// Stop stops the background loops and logs a final summary.
func (d *dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.log.Info("Stopping dispatcher")

	if err := d.health.Stop(); err != nil {
		d.log.WithError(err).Warn("Failed to stop health checker")
	}

	if err := d.limiter.Stop(); err != nil {
		d.log.WithError(err).Warn("Failed to stop rate limiter")
	}

	d.logSummary()

	d.started = false

	return nil
}

// Tools returns the registered tool names.
func (d *dispatcher) Tools() []string {
	return d.registry.Names()
}

func (d *dispatcher) logSummary() {
	if !d.cfg.LogSummary {
		return
	}

	s := d.collector.Summary()

	d.log.WithFields(logrus.Fields{
		"uptime":              s.UptimeFormatted,
		"total_requests":      s.TotalRequests,
		"success_rate":        s.SuccessRate,
		"requests_per_minute": s.RequestsPerMinute,
		"rate_limited":        s.RateLimited,
	}).Info("Metrics summary")
}

// Dispatch runs one invocation through rate limiting, size check, validation
// and the tool handler. It never returns an error; failures are structured responses.
func (d *dispatcher) Dispatch(ctx context.Context, tool string, args map[string]any, caller CallerContext) Response {
	ctx, span := d.tracer.Start(ctx, "dispatch "+tool, trace.WithAttributes(
		attribute.String("wpgate.tool", tool),
		attribute.String("wpgate.request_id", caller.RequestID),
	))
	defer span.End()

	identifier := ratelimit.Identifier(caller.UserID, caller.IPAddress)

	log := d.log.WithFields(logrus.Fields{
		"tool":       tool,
		"identifier": identifier[:8],
	})

	if caller.RequestID != "" {
		log = log.WithField("request_id", caller.RequestID)
	}

	state := func(s string) {
		log.WithField("state", s).Debug("Dispatch state")
	}

	state(StateReceived)

	resp := d.admit(tool, args, identifier)
	if resp != nil {
		state(StateFailed)
		span.SetStatus(codes.Error, resp.Failure.Error)

		return *resp
	}

	state(StateRateChecked)
	state(StateSizeChecked)

	log.Info("Tool request")

	start := time.Now()

	clean, err := d.validator.ValidateArgs(args, RulesFor(tool))
	if err != nil {
		return d.validationFailed(span, log, tool, start, err)
	}

	state(StateValidated)

	t, ok := d.registry.Lookup(tool)
	if !ok {
		d.collector.Increment(monitor.CounterUnknown, 1)
		d.metrics.RecordRejection("unknown_tool")
		state(StateFailed)
		span.SetStatus(codes.Error, "unknown tool")

		return failed(fmt.Errorf("%w: %s", ErrUnknownTool, tool), Failure{Error: "Unknown tool: " + tool})
	}

	state(StateDispatched)

	result, err := d.execute(ctx, t, clean)
	elapsed := time.Since(start)

	if err != nil {
		var verr *validate.ValidationError
		if errors.As(err, &verr) {
			return d.validationFailed(span, log, tool, start, verr)
		}

		label := errorLabel(err)

		d.collector.Record(tool, elapsed, false)
		d.collector.RecordError(label, errorDetail(tool, err))
		d.metrics.RecordDispatch(tool, outcomeFailure, elapsed.Seconds())

		log.WithError(err).WithField("type", label).Error("Tool execution failed")
		state(StateFailed)

		span.RecordError(err)
		span.SetStatus(codes.Error, label)

		return failed(err, Failure{Error: "Tool execution failed", Tool: tool, Type: label})
	}

	d.collector.Record(tool, elapsed, true)
	d.metrics.RecordDispatch(tool, outcomeSuccess, elapsed.Seconds())

	state(StateCompleted)
	span.SetStatus(codes.Ok, "")

	return Response{Result: result}
}

// admit applies the rate limit and size checks. A non-nil response means the invocation was rejected.
func (d *dispatcher) admit(tool string, args map[string]any, identifier string) *Response {
	decision := d.limiter.Check(identifier)
	if !decision.Allowed {
		d.collector.Increment(monitor.CounterRateLimit, 1)
		d.metrics.RecordRejection("rate_limited")

		resp := failed(&RateLimitedError{RetryAfter: decision.RetryAfter}, Failure{
			Error:      "Rate limit exceeded",
			RetryAfter: decision.RetryAfter,
		})

		return &resp
	}

	payload, err := json.Marshal(args)
	if err != nil {
		d.collector.Record(tool, 0, false)

		resp := failed(&validate.ValidationError{Field: "arguments", Reason: "are not serializable"}, Failure{
			Error:   "Validation failed",
			Message: "arguments are not serializable",
		})

		return &resp
	}

	if len(payload) > d.cfg.MaxRequestSize {
		d.collector.Increment(monitor.CounterOversized, 1)
		d.metrics.RecordRejection("oversized")

		resp := failed(&OversizedRequestError{Size: len(payload), Max: d.cfg.MaxRequestSize}, Failure{
			Error:   "Request too large",
			MaxSize: d.cfg.MaxRequestSize,
		})

		return &resp
	}

	return nil
}

func (d *dispatcher) validationFailed(span trace.Span, log logrus.FieldLogger, tool string, start time.Time, err error) Response {
	elapsed := time.Since(start)

	d.collector.Record(tool, elapsed, false)
	d.metrics.RecordDispatch(tool, outcomeValidation, elapsed.Seconds())
	d.metrics.RecordRejection("validation")

	log.WithError(err).Warn("Validation failed")
	log.WithField("state", StateFailed).Debug("Dispatch state")

	span.SetStatus(codes.Error, "validation failed")

	message := "invalid arguments"

	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		message = verr.Error()
	}

	return failed(err, Failure{Error: "Validation failed", Message: message})
}

// execute runs the handler with a timeout, converting panics into errors.
func (d *dispatcher) execute(ctx context.Context, t tools.Tool, args map[string]any) (result any, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()

	return t.Handler(ctx, d.wp, args)
}

var categoryLabels = map[wordpress.Category]string{
	wordpress.CategoryAuthentication: "AuthenticationError",
	wordpress.CategoryPermission:     "PermissionError",
	wordpress.CategoryNotFound:       "NotFoundError",
	wordpress.CategoryRateLimited:    "DownstreamRateLimitError",
	wordpress.CategoryUpstream:       "UpstreamError",
	wordpress.CategoryRejected:       "RejectedError",
	wordpress.CategoryTransport:      "TransportError",
	wordpress.CategoryTimeout:        "TimeoutError",
	wordpress.CategoryInvalid:        "InvalidRequestError",
	wordpress.CategoryDecode:         "DecodeError",
}

// errorLabel reduces err to a stable type label safe to return to callers.
func errorLabel(err error) string {
	// A caller cancellation surfaces as a transport failure; report the cause.
	if errors.Is(err, context.Canceled) {
		return "CancelledError"
	}

	if werr, ok := wordpress.AsError(err); ok {
		if label, ok := categoryLabels[werr.Category]; ok {
			return label
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, tools.ErrUnexpectedResponse):
		return "UnexpectedResponseError"
	}

	return "InternalError"
}

// errorDetail is the text kept in the local error ring. Only sanitized messages are included.
func errorDetail(tool string, err error) string {
	if werr, ok := wordpress.AsError(err); ok {
		return tool + ": " + werr.Error()
	}

	return tool
}
