package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/wpgate/pkg/metrics"
	"github.com/ethpandaops/wpgate/pkg/session"
	"github.com/ethpandaops/wpgate/pkg/validate"
	"github.com/ethpandaops/wpgate/pkg/vault"
)

const (
	maxResponseBody = 10 << 20
	maxErrorCode    = 64
)

var errorCodePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// Downstream is the request surface tool handlers use.
type Downstream interface {
	Get(ctx context.Context, endpoint string, params map[string]any) (any, error)
	Post(ctx context.Context, endpoint string, payload map[string]any) (any, error)
	Put(ctx context.Context, endpoint string, payload map[string]any) (any, error)
	Delete(ctx context.Context, endpoint string, params map[string]any) (any, error)
}

// Config contains the downstream connection settings.
type Config struct {
	SiteURL        string
	Username       string
	AppPassword    string
	Timeout        time.Duration
	MaxTries       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	if c.MaxTries == 0 {
		c.MaxTries = 3
	}

	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}

	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
}

// Stats holds client-level counters.
type Stats struct {
	TotalRequests  int64 `json:"total_requests"`
	FailedRequests int64 `json:"failed_requests"`
}

// Client talks to the WordPress REST API through the session manager.
type Client struct {
	log       logrus.FieldLogger
	cfg       Config
	siteURL   *url.URL
	vault     *vault.Vault
	token     string
	sessions  *session.Manager
	validator *validate.Validator
	metrics   *metrics.Metrics

	totalRequests  atomic.Int64
	failedRequests atomic.Int64
}

var _ Downstream = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithMetrics records per-attempt downstream metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient validates the site and username, registers the credential pair
// with the vault and returns a Client that only holds the resulting token.
func NewClient(log logrus.FieldLogger, cfg Config, v *vault.Vault, sessions *session.Manager, opts ...Option) (*Client, error) {
	cfg.applyDefaults()

	if cfg.SiteURL == "" || cfg.Username == "" || cfg.AppPassword == "" {
		return nil, errors.New("site url, username and app password are required")
	}

	validator := validate.Default()

	site, err := validator.Validate("url", cfg.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid site url: %w", err)
	}

	username, err := validator.Validate("username", cfg.Username)
	if err != nil {
		return nil, fmt.Errorf("invalid username: %w", err)
	}

	siteURL, err := url.Parse(strings.TrimRight(site.(string), "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing site url: %w", err)
	}

	token, err := v.Store(username.(string), cfg.AppPassword)
	if err != nil {
		return nil, fmt.Errorf("storing credentials: %w", err)
	}

	// The plaintext password is not kept past this point.
	cfg.AppPassword = ""

	c := &Client{
		log:       log.WithField("component", "wordpress"),
		cfg:       cfg,
		siteURL:   siteURL,
		vault:     v,
		token:     token,
		sessions:  sessions,
		validator: validator,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log.WithField("site", siteURL.Host).Info("WordPress client initialized")

	return c, nil
}

// Get performs a GET request. Each param is validated with the "param" rule.
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]any) (any, error) {
	return c.request(ctx, http.MethodGet, endpoint, params, nil)
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, endpoint string, payload map[string]any) (any, error) {
	return c.request(ctx, http.MethodPost, endpoint, nil, payload)
}

// Put performs a PUT request.
func (c *Client) Put(ctx context.Context, endpoint string, payload map[string]any) (any, error) {
	return c.request(ctx, http.MethodPut, endpoint, nil, payload)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string, params map[string]any) (any, error) {
	return c.request(ctx, http.MethodDelete, endpoint, params, nil)
}

// TestConnection checks that the credentials are accepted by the site.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.Get(ctx, "wp/users/me", nil); err != nil {
		return fmt.Errorf("testing connection: %w", err)
	}

	return nil
}

// Stats returns the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		TotalRequests:  c.totalRequests.Load(),
		FailedRequests: c.failedRequests.Load(),
	}
}

func (c *Client) request(ctx context.Context, method, endpoint string, params, payload map[string]any) (any, error) {
	target, err := c.buildURL(endpoint, params)
	if err != nil {
		return nil, err
	}

	var body []byte

	if payload != nil {
		clean, err := c.validateBody(endpoint, payload)
		if err != nil {
			return nil, err
		}

		body, err = json.Marshal(clean)
		if err != nil {
			return nil, &Error{Category: CategoryInvalid, Message: "Invalid request body", Err: err}
		}
	}

	c.totalRequests.Add(1)

	retryable := method != http.MethodPost
	attempt := 0

	op := func() (any, error) {
		attempt++

		result, err := c.attempt(ctx, method, target, body)
		if err == nil {
			return result, nil
		}

		if werr, ok := AsError(err); ok && werr.Retryable && retryable && ctx.Err() == nil {
			return nil, err
		}

		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.RecordDownstreamRetry()

			c.log.WithFields(logrus.Fields{
				"method":  method,
				"attempt": attempt,
				"next":    next,
			}).WithError(err).Debug("Retrying downstream request")
		}),
	)
	if err != nil {
		c.failedRequests.Add(1)

		if _, ok := AsError(err); !ok {
			err = &Error{Category: CategoryTransport, Message: "Request cancelled", Err: err}
		}

		return nil, err
	}

	return result, nil
}

func (c *Client) attempt(ctx context.Context, method, target string, body []byte) (result any, err error) {
	authHeader, err := c.vault.Resolve(c.token)
	if err != nil {
		return nil, &Error{Category: CategoryAuthentication, Message: "Authentication failed", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	h, err := c.sessions.Acquire(ctx, http.Header{"Authorization": {authHeader}})
	if err != nil {
		return nil, &Error{Category: CategoryTransport, Message: "Session unavailable", Err: err}
	}

	defer func() {
		h.Release(err)
	}()

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &Error{Category: CategoryInvalid, Message: "Invalid request", Err: err}
	}

	req.Header = h.Header().Clone()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()

	resp, err := h.Client().Do(req)
	if err != nil {
		c.metrics.RecordDownstreamRequest(method, "error", time.Since(start).Seconds())

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Category: CategoryTimeout, Message: "Request timed out", Retryable: true, Err: err}
		}

		return nil, &Error{Category: CategoryTransport, Message: "Connection failed", Retryable: true, Err: err}
	}

	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		resp.Body.Close()
	}()

	c.metrics.RecordDownstreamRequest(method, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &Error{Category: CategoryTransport, Message: "Reading response failed", Retryable: true, Err: err}
	}

	c.log.WithFields(logrus.Fields{
		"method":     method,
		"status":     resp.StatusCode,
		"session_id": h.SessionID(),
	}).Debug("Downstream request completed")

	return handleResponse(resp.StatusCode, resp.Header.Get("Content-Type"), data)
}

func handleResponse(status int, contentType string, data []byte) (any, error) {
	if status == http.StatusNoContent {
		return map[string]any{"success": true}, nil
	}

	if status >= http.StatusMultipleChoices {
		return nil, statusError(status, errorCode(data))
	}

	if !isJSON(contentType) {
		return string(data), nil
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Category: CategoryDecode, Status: status, Message: "Invalid JSON response", Err: err}
	}

	return out, nil
}

// errorCode extracts a short, safe "code" member from a WordPress error body.
func errorCode(data []byte) string {
	var body struct {
		Code string `json:"code"`
	}

	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}

	if len(body.Code) > maxErrorCode || !errorCodePattern.MatchString(body.Code) {
		return ""
	}

	return body.Code
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "application/json")
	}

	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// buildURL resolves endpoint against the site's REST root and appends the
// validated query params.
func (c *Client) buildURL(endpoint string, params map[string]any) (string, error) {
	var target *url.URL

	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		if _, err := c.validator.Validate("url", endpoint); err != nil {
			return "", &Error{Category: CategoryInvalid, Message: "Invalid endpoint", Err: err}
		}

		u, err := url.Parse(endpoint)
		if err != nil || !strings.EqualFold(u.Host, c.siteURL.Host) {
			return "", &Error{Category: CategoryInvalid, Message: "Endpoint outside site", Err: err}
		}

		target = u
	} else {
		u := *c.siteURL
		u.Path = strings.TrimRight(u.Path, "/") + restPath(endpoint)
		target = &u
	}

	if len(params) > 0 {
		query := target.Query()

		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			clean, err := c.validator.Validate("param", paramString(params[k]))
			if err != nil {
				return "", &Error{Category: CategoryInvalid, Message: "Invalid parameter " + k, Err: err}
			}

			query.Set(k, clean.(string))
		}

		target.RawQuery = query.Encode()
	}

	return target.String(), nil
}

// restPath maps a short endpoint to its path under the site.
func restPath(endpoint string) string {
	if strings.HasPrefix(endpoint, "/wp-json/") {
		return endpoint
	}

	endpoint = strings.TrimLeft(endpoint, "/")

	switch {
	case strings.HasPrefix(endpoint, "wp/"):
		return "/wp-json/wp/v2/" + strings.TrimPrefix(endpoint, "wp/")
	case strings.HasPrefix(endpoint, "wc/"):
		return "/wp-json/wc/v3/" + strings.TrimPrefix(endpoint, "wc/")
	case strings.HasPrefix(endpoint, "mcp/"):
		return "/wp-json/mcp/v1/" + strings.TrimPrefix(endpoint, "mcp/")
	default:
		return "/wp-json/wp/v2/" + endpoint
	}
}

func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []string:
		return strings.Join(t, ",")
	default:
		return fmt.Sprint(v)
	}
}

var (
	postBodyRules = validate.RuleSet{
		"title":   "post_title",
		"content": "post_content",
		"status":  "post_status",
	}

	templateBodyRules = validate.RuleSet{
		"path":    "template_path",
		"content": "template_content",
	}

	// bodyRules is keyed by REST collection: /wp-json/<namespace>/<version>/<collection>.
	bodyRules = map[string]validate.RuleSet{
		"/wp-json/wp/v2/posts":      postBodyRules,
		"/wp-json/wp/v2/pages":      postBodyRules,
		"/wp-json/mcp/v1/templates": templateBodyRules,
	}
)

// collection reduces a REST path to its /wp-json/<namespace>/<version>/<collection> prefix.
func collection(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 5)
	if len(parts) < 4 || parts[0] != "wp-json" {
		return ""
	}

	return "/" + strings.Join(parts[:4], "/")
}

// validateBody applies the field rules of the target collection. Other fields
// and collections pass through.
func (c *Client) validateBody(endpoint string, payload map[string]any) (map[string]any, error) {
	path := restPath(endpoint)

	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, &Error{Category: CategoryInvalid, Message: "Invalid endpoint", Err: err}
		}

		path = strings.TrimPrefix(u.Path, strings.TrimRight(c.siteURL.Path, "/"))
	}

	set, ok := bodyRules[collection(path)]
	if !ok {
		return payload, nil
	}

	clean, err := c.validator.ValidateArgs(payload, set)
	if err != nil {
		return nil, &Error{Category: CategoryInvalid, Message: "Invalid request body", Err: err}
	}

	return clean, nil
}
