package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultUserAgent is sent on every downstream request.
const DefaultUserAgent = "WordPress-MCP/1.0 (Secure)"

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("session manager closed")

// Config contains session pool settings.
type Config struct {
	RotationInterval      time.Duration
	MaxRequests           int64
	RotationPause         time.Duration
	MaxConnections        int
	MaxConnectionsPerHost int
	Timeout               time.Duration
	KeepAlive             time.Duration
	UserAgent             string
	Headers               http.Header

	// WrapTransport, when set, decorates each session's transport (tracing).
	WrapTransport func(http.RoundTripper) http.RoundTripper
}

func (c *Config) applyDefaults() {
	if c.RotationInterval <= 0 {
		c.RotationInterval = time.Hour
	}

	if c.MaxRequests <= 0 {
		c.MaxRequests = 1000
	}

	if c.RotationPause < 0 {
		c.RotationPause = 0
	}

	if c.MaxConnections <= 0 {
		c.MaxConnections = 20
	}

	if c.MaxConnectionsPerHost <= 0 {
		c.MaxConnectionsPerHost = 10
	}

	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}

	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
}

// session is one pooled HTTP client generation.
type session struct {
	id        string
	client    *http.Client
	transport *http.Transport
	header    http.Header
	createdAt time.Time
	requests  int64
	inflight  int
	retired   bool
	closed    bool
}

// Stats describes the current session.
type Stats struct {
	SessionID string        `json:"session_id"`
	Age       time.Duration `json:"age"`
	Requests  int64         `json:"requests"`
	InFlight  int           `json:"in_flight"`
	Rotations int64         `json:"rotations"`
	Suspect   bool          `json:"suspect"`
}

// Manager owns a single live pooled session and rotates it by age, usage or after errors.
type Manager struct {
	log logrus.FieldLogger
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	current   *session
	suspect   bool
	closed    bool
	rotations int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager. No session is opened until the first Acquire.
func NewManager(log logrus.FieldLogger, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()

	m := &Manager{
		log: log.WithField("component", "session"),
		cfg: cfg,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Acquire returns a handle on the current session, rotating first if required.
// The caller must call Release exactly once.
func (m *Manager) Acquire(ctx context.Context, headers http.Header) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if reason := m.rotationReason(); reason != "" {
		if err := m.rotate(ctx, reason); err != nil {
			return nil, err
		}
	}

	s := m.current
	s.requests++
	s.inflight++

	header := s.header.Clone()
	for k, v := range headers {
		header[k] = append([]string(nil), v...)
	}

	return &Handle{m: m, s: s, header: header}, nil
}

// MarkSuspect forces a rotation on the next Acquire.
func (m *Manager) MarkSuspect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.suspect = true
}

// Close closes the current session. Further Acquire calls fail. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	if m.current != nil {
		m.retire(m.current)
		m.current = nil
	}

	m.log.Info("Session manager closed")

	return nil
}

// Stats returns information about the current session.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Rotations: m.rotations, Suspect: m.suspect}

	if m.current != nil {
		st.SessionID = m.current.id
		st.Age = m.now().Sub(m.current.createdAt)
		st.Requests = m.current.requests
		st.InFlight = m.current.inflight
	}

	return st
}

// rotationReason returns why the current session must be replaced, or "".
// Must be called with m.mu held.
func (m *Manager) rotationReason() string {
	switch {
	case m.current == nil:
		return "no session"
	case m.current.closed:
		return "closed"
	case m.suspect:
		return "suspect"
	case m.now().Sub(m.current.createdAt) > m.cfg.RotationInterval:
		return "age"
	case m.current.requests > m.cfg.MaxRequests:
		return "request count"
	}

	return ""
}

// rotate retires the current session and opens a new one. Must be called with m.mu held.
func (m *Manager) rotate(ctx context.Context, reason string) error {
	if old := m.current; old != nil {
		m.retire(old)
		m.current = nil

		if m.cfg.RotationPause > 0 {
			timer := time.NewTimer(m.cfg.RotationPause)

			select {
			case <-ctx.Done():
				timer.Stop()

				return fmt.Errorf("rotating session: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}

	s := m.newSession()
	m.current = s
	m.suspect = false
	m.rotations++

	m.log.WithFields(logrus.Fields{
		"session_id": s.id,
		"reason":     reason,
	}).Debug("Opened new session")

	return nil
}

// retire stops handing out s and closes it once no handle references it.
// Must be called with m.mu held.
func (m *Manager) retire(s *session) {
	s.retired = true

	if s.inflight == 0 {
		closeSession(s)
	}
}

func (m *Manager) newSession() *session {
	dialer := &net.Dialer{
		Timeout:   m.cfg.Timeout,
		KeepAlive: m.cfg.KeepAlive,
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          m.cfg.MaxConnections,
		MaxIdleConnsPerHost:   m.cfg.MaxConnectionsPerHost,
		MaxConnsPerHost:       m.cfg.MaxConnectionsPerHost,
		IdleConnTimeout:       m.cfg.KeepAlive,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: m.cfg.Timeout,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = transport
	if m.cfg.WrapTransport != nil {
		rt = m.cfg.WrapTransport(rt)
	}

	id := uuid.NewString()

	header := make(http.Header, len(m.cfg.Headers)+2)
	for k, v := range m.cfg.Headers {
		header[k] = append([]string(nil), v...)
	}

	header.Set("User-Agent", m.cfg.UserAgent)
	header.Set("X-Request-ID", id)

	return &session{
		id:        id,
		transport: transport,
		header:    header,
		createdAt: m.now(),
		client: &http.Client{
			Transport: rt,
			Timeout:   m.cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func closeSession(s *session) {
	if s.closed {
		return
	}

	s.closed = true
	s.transport.CloseIdleConnections()
}

// Handle is a caller's lease on a session.
type Handle struct {
	m      *Manager
	s      *session
	header http.Header
	once   sync.Once
}

// Client returns the session's HTTP client.
func (h *Handle) Client() *http.Client {
	return h.s.client
}

// Header returns the headers to send with requests on this handle.
func (h *Handle) Header() http.Header {
	return h.header
}

// SessionID returns the id of the underlying session.
func (h *Handle) SessionID() string {
	return h.s.id
}

// Release returns the handle. A non-nil err marks the session suspect so the
// next Acquire rotates; requests already running on it are not affected.
func (h *Handle) Release(err error) {
	h.once.Do(func() {
		m := h.m

		m.mu.Lock()
		defer m.mu.Unlock()

		h.s.inflight--

		if err != nil && h.s == m.current {
			m.suspect = true

			m.log.WithField("session_id", h.s.id).Debug("Session marked suspect after request error")
		}

		if h.s.retired && h.s.inflight == 0 {
			closeSession(h.s)
		}
	})
}
