package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/wpgate/pkg/metrics"
	"github.com/ethpandaops/wpgate/pkg/monitor"
	"github.com/ethpandaops/wpgate/pkg/ratelimit"
	"github.com/ethpandaops/wpgate/pkg/tools"
	"github.com/ethpandaops/wpgate/pkg/validate"
	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type fakeDownstream struct {
	mu       sync.Mutex
	probeErr error
	probes   int
}

func (f *fakeDownstream) Get(context.Context, string, map[string]any) (any, error) {
	return map[string]any{}, nil
}

func (f *fakeDownstream) Post(context.Context, string, map[string]any) (any, error) {
	return map[string]any{}, nil
}

func (f *fakeDownstream) Put(context.Context, string, map[string]any) (any, error) {
	return map[string]any{}, nil
}

func (f *fakeDownstream) Delete(context.Context, string, map[string]any) (any, error) {
	return map[string]any{}, nil
}

func (f *fakeDownstream) TestConnection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.probes++

	return f.probeErr
}

type fixture struct {
	d         Dispatcher
	collector *monitor.Collector
	health    *monitor.HealthChecker
	registry  *tools.Registry
	wp        *fakeDownstream
	calls     map[string]map[string]any
	mu        sync.Mutex
}

func newFixture(t *testing.T, limits ratelimit.Config, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		collector: monitor.NewCollector(testLogger()),
		health:    monitor.NewHealthChecker(testLogger(), time.Second),
		registry:  tools.NewRegistry(testLogger()),
		wp:        &fakeDownstream{},
		calls:     make(map[string]map[string]any),
	}

	record := func(name string, result any, err error) tools.Handler {
		return func(_ context.Context, _ wordpress.Downstream, args map[string]any) (any, error) {
			f.mu.Lock()
			f.calls[name] = args
			f.mu.Unlock()

			return result, err
		}
	}

	f.registry.Register(
		tools.Tool{Name: "wp_get_post", Handler: record("wp_get_post", map[string]any{"id": 1}, nil)},
		tools.Tool{Name: "wp_create_post", Handler: record("wp_create_post", map[string]any{"success": true}, nil)},
		tools.Tool{Name: "wp_read_template", Handler: record("wp_read_template", map[string]any{}, nil)},
		tools.Tool{Name: "wp_get_posts", Handler: record("wp_get_posts", nil, &wordpress.Error{
			Category: wordpress.CategoryNotFound, Status: 404, Message: "Resource not found",
		})},
		tools.Tool{Name: "wp_get_pages", Handler: record("wp_get_pages", nil, errors.New("database password leaked"))},
		tools.Tool{Name: "wp_get_media", Handler: func(context.Context, wordpress.Downstream, map[string]any) (any, error) {
			panic("boom")
		}},
		tools.Tool{Name: "wp_get_themes", Handler: func(ctx context.Context, _ wordpress.Downstream, _ map[string]any) (any, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		}},
	)

	limiter := ratelimit.New(testLogger(), limits)

	f.d = NewDispatcher(testLogger(), cfg, limiter, validate.Default(), f.registry, f.wp,
		f.collector, f.health, metrics.New(prometheus.NewRegistry()))

	return f
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, ratelimit.Config{RequestsPerMinute: 1000, Burst: 1000}, Config{})
}

var caller = CallerContext{UserID: "u1", IPAddress: "10.0.0.1"}

func TestDispatchSuccess(t *testing.T) {
	f := defaultFixture(t)

	resp := f.d.Dispatch(context.Background(), "wp_get_post", map[string]any{"post_id": "5"}, caller)
	require.True(t, resp.OK())
	assert.Equal(t, map[string]any{"id": 1}, resp.Result)

	// The validated argument reaches the handler converted.
	assert.Equal(t, 5, f.calls["wp_get_post"]["post_id"])

	s := f.collector.Summary()
	assert.Equal(t, int64(1), s.SuccessfulRequests)
	assert.Equal(t, int64(1), s.ResponseTimes["wp_get_post"].Count)
}

func TestDispatchSanitizesArguments(t *testing.T) {
	f := defaultFixture(t)

	resp := f.d.Dispatch(context.Background(), "wp_create_post", map[string]any{
		"title":   "<b>Hi</b>",
		"content": "ok",
		"status":  "draft",
		"extra":   "kept",
	}, caller)
	require.True(t, resp.OK())

	args := f.calls["wp_create_post"]
	assert.Equal(t, "Hi", args["title"])
	assert.Equal(t, "kept", args["extra"])
}

func TestDispatchRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.Config{RequestsPerMinute: 60, Burst: 2}, Config{})

	for i := 0; i < 2; i++ {
		require.True(t, f.d.Dispatch(context.Background(), "wp_get_post", map[string]any{"post_id": 1}, caller).OK())
	}

	resp := f.d.Dispatch(context.Background(), "wp_get_post", map[string]any{"post_id": 1}, caller)
	require.False(t, resp.OK())
	assert.Equal(t, "Rate limit exceeded", resp.Failure.Error)
	assert.Positive(t, resp.Failure.RetryAfter)

	var rl *RateLimitedError
	require.ErrorAs(t, resp.Err(), &rl)
	assert.Equal(t, resp.Failure.RetryAfter, rl.RetryAfter)

	s := f.collector.Summary()
	assert.Equal(t, int64(1), s.RateLimited)
	assert.Equal(t, int64(2), s.TotalRequests)

	// Another caller is unaffected.
	other := CallerContext{UserID: "u2", IPAddress: "10.0.0.2"}
	require.True(t, f.d.Dispatch(context.Background(), "wp_get_post", map[string]any{"post_id": 1}, other).OK())
}

func TestDispatchOversized(t *testing.T) {
	f := newFixture(t, ratelimit.Config{RequestsPerMinute: 1000, Burst: 1000}, Config{MaxRequestSize: 64})

	resp := f.d.Dispatch(context.Background(), "wp_create_post", map[string]any{
		"title": strings.Repeat("a", 100),
	}, caller)
	require.False(t, resp.OK())
	assert.Equal(t, "Request too large", resp.Failure.Error)
	assert.Equal(t, 64, resp.Failure.MaxSize)

	var oe *OversizedRequestError
	require.ErrorAs(t, resp.Err(), &oe)

	assert.Equal(t, int64(1), f.collector.Summary().Counters[monitor.CounterOversized])
	assert.NotContains(t, f.calls, "wp_create_post")
}

func TestDispatchValidationFailure(t *testing.T) {
	f := defaultFixture(t)

	resp := f.d.Dispatch(context.Background(), "wp_read_template", map[string]any{
		"template_path": "../../etc/passwd",
	}, caller)
	require.False(t, resp.OK())
	assert.Equal(t, "Validation failed", resp.Failure.Error)
	assert.Contains(t, resp.Failure.Message, "template_path")
	assert.NotContains(t, f.calls, "wp_read_template")

	s := f.collector.Summary()
	assert.Equal(t, int64(1), s.FailedRequests)
}

func TestDispatchUnknownTool(t *testing.T) {
	f := defaultFixture(t)

	resp := f.d.Dispatch(context.Background(), "wp_nope", nil, caller)
	require.False(t, resp.OK())
	assert.Equal(t, "Unknown tool: wp_nope", resp.Failure.Error)
	require.ErrorIs(t, resp.Err(), ErrUnknownTool)

	s := f.collector.Summary()
	assert.Equal(t, int64(1), s.Counters[monitor.CounterUnknown])
	assert.Equal(t, int64(0), s.TotalRequests)
}

func TestDispatchDownstreamError(t *testing.T) {
	f := defaultFixture(t)

	resp := f.d.Dispatch(context.Background(), "wp_get_posts", nil, caller)
	require.False(t, resp.OK())
	assert.Equal(t, Failure{Error: "Tool execution failed", Tool: "wp_get_posts", Type: "NotFoundError"}, *resp.Failure)

	s := f.collector.Summary()
	assert.Equal(t, int64(1), s.Errors["NotFoundError"])
}

func TestDispatchInternalErrorIsNotLeaked(t *testing.T) {
	f := defaultFixture(t)

	resp := f.d.Dispatch(context.Background(), "wp_get_pages", nil, caller)
	require.False(t, resp.OK())
	assert.Equal(t, "InternalError", resp.Failure.Type)

	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "password")

	s := f.collector.Summary()
	require.Len(t, s.RecentErrors, 1)
	assert.NotContains(t, s.RecentErrors[0].Details, "password")
}

func TestDispatchRecoversPanics(t *testing.T) {
	f := defaultFixture(t)

	resp := f.d.Dispatch(context.Background(), "wp_get_media", nil, caller)
	require.False(t, resp.OK())
	assert.Equal(t, "InternalError", resp.Failure.Type)
	require.ErrorIs(t, resp.Err(), errHandlerPanic)
}

func TestDispatchHandlerTimeout(t *testing.T) {
	f := newFixture(t, ratelimit.Config{RequestsPerMinute: 1000, Burst: 1000}, Config{HandlerTimeout: 20 * time.Millisecond})

	resp := f.d.Dispatch(context.Background(), "wp_get_themes", nil, caller)
	require.False(t, resp.OK())
	assert.Equal(t, "TimeoutError", resp.Failure.Type)
}

func TestErrorLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "caller cancelled during request",
			err: &wordpress.Error{
				Category: wordpress.CategoryTransport,
				Message:  "Connection failed",
				Err:      fmt.Errorf("Get \"http://site/wp-json\": %w", context.Canceled),
			},
			want: "CancelledError",
		},
		{
			name: "connection refused",
			err:  &wordpress.Error{Category: wordpress.CategoryTransport, Message: "Connection failed", Err: errors.New("refused")},
			want: "TransportError",
		},
		{name: "deadline", err: fmt.Errorf("handler: %w", context.DeadlineExceeded), want: "TimeoutError"},
		{name: "other", err: errors.New("boom"), want: "InternalError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorLabel(tt.err))
		})
	}
}

func TestResponseJSON(t *testing.T) {
	ok, err := json.Marshal(Response{Result: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(ok))

	rl, err := json.Marshal(failed(nil, Failure{Error: "Rate limit exceeded", RetryAfter: 3}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Rate limit exceeded","retry_after":3}`, string(rl))
}

func TestStartRunsHealthProbe(t *testing.T) {
	f := defaultFixture(t)

	require.NoError(t, f.d.Start(context.Background()))
	require.NoError(t, f.d.Start(context.Background()))

	assert.True(t, f.health.Status().Components[monitor.ComponentWordPress])

	require.NoError(t, f.d.Stop())
	require.NoError(t, f.d.Stop())

	f.wp.mu.Lock()
	defer f.wp.mu.Unlock()

	assert.Equal(t, 1, f.wp.probes)
}

func TestToolsListsRegistry(t *testing.T) {
	f := defaultFixture(t)

	assert.Equal(t, f.registry.Names(), f.d.Tools())
}

func TestEveryRuleSetNamesKnownRules(t *testing.T) {
	v := validate.Default()

	for tool, set := range toolRules {
		for arg, rule := range set {
			_, ok := v.Rule(rule)
			assert.Truef(t, ok, "tool %s arg %s references unknown rule %s", tool, arg, rule)
		}
	}
}

func TestEveryToolHasKnownName(t *testing.T) {
	names := make(map[string]bool)
	for _, tool := range append(tools.Core(), tools.WooCommerce()...) {
		names[tool.Name] = true
	}

	for tool := range toolRules {
		assert.Truef(t, names[tool], "rule set for unregistered tool %s", tool)
	}
}
