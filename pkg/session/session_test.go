package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newTestManager(cfg Config, clock *fakeClock) *Manager {
	if clock == nil {
		return NewManager(testLogger(), cfg)
	}

	return NewManager(testLogger(), cfg, WithClock(clock.Now))
}

func acquire(t *testing.T, m *Manager) *Handle {
	t.Helper()

	h, err := m.Acquire(context.Background(), nil)
	require.NoError(t, err)

	return h
}

func TestAcquireReusesSession(t *testing.T) {
	m := newTestManager(Config{}, nil)
	defer m.Close()

	a := acquire(t, m)
	b := acquire(t, m)

	require.Equal(t, a.SessionID(), b.SessionID())
	require.Same(t, a.Client(), b.Client())
	assert.Equal(t, DefaultUserAgent, a.Header().Get("User-Agent"))
	assert.Equal(t, a.SessionID(), a.Header().Get("X-Request-ID"))

	a.Release(nil)
	b.Release(nil)

	st := m.Stats()
	assert.Equal(t, int64(2), st.Requests)
	assert.Equal(t, 0, st.InFlight)
	assert.Equal(t, int64(1), st.Rotations)
}

func TestRotateOnRequestCount(t *testing.T) {
	m := newTestManager(Config{MaxRequests: 2}, nil)
	defer m.Close()

	first := acquire(t, m)
	first.Release(nil)

	for i := 0; i < 2; i++ {
		h := acquire(t, m)
		require.Equal(t, first.SessionID(), h.SessionID())
		h.Release(nil)
	}

	rotated := acquire(t, m)
	defer rotated.Release(nil)

	require.NotEqual(t, first.SessionID(), rotated.SessionID())
}

func TestRotateOnAge(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestManager(Config{RotationInterval: time.Hour}, clock)
	defer m.Close()

	a := acquire(t, m)
	a.Release(nil)

	clock.Advance(59 * time.Minute)

	b := acquire(t, m)
	b.Release(nil)
	require.Equal(t, a.SessionID(), b.SessionID())

	clock.Advance(2 * time.Minute)

	c := acquire(t, m)
	c.Release(nil)
	require.NotEqual(t, a.SessionID(), c.SessionID())
}

func TestErrorForcesRotationWithoutDisturbingInFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(Config{}, nil)
	defer m.Close()

	inflight := acquire(t, m)
	failing := acquire(t, m)

	failing.Release(errors.New("boom"))
	require.True(t, m.Stats().Suspect)

	next := acquire(t, m)
	defer next.Release(nil)

	require.NotEqual(t, inflight.SessionID(), next.SessionID())
	require.False(t, m.Stats().Suspect)

	// The handle acquired before the rotation still works.
	resp, err := inflight.Client().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.False(t, inflight.s.closed)
	inflight.Release(nil)
	require.True(t, inflight.s.closed)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(Config{}, nil)
	defer m.Close()

	h := acquire(t, m)
	h.Release(nil)
	h.Release(errors.New("ignored"))

	st := m.Stats()
	assert.Equal(t, 0, st.InFlight)
	assert.False(t, st.Suspect)
}

func TestRotationPauseHonoursContext(t *testing.T) {
	m := newTestManager(Config{RotationPause: time.Hour}, nil)
	defer m.Close()

	h := acquire(t, m)
	h.Release(nil)

	m.MarkSuspect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPerCallHeadersMerged(t *testing.T) {
	m := newTestManager(Config{Headers: http.Header{"Accept": {"application/json"}}}, nil)
	defer m.Close()

	h, err := m.Acquire(context.Background(), http.Header{"Authorization": {"Basic abc"}})
	require.NoError(t, err)
	defer h.Release(nil)

	assert.Equal(t, "application/json", h.Header().Get("Accept"))
	assert.Equal(t, "Basic abc", h.Header().Get("Authorization"))

	other := acquire(t, m)
	defer other.Release(nil)

	assert.Empty(t, other.Header().Get("Authorization"))
}

func TestNoRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	m := newTestManager(Config{}, nil)
	defer m.Close()

	h := acquire(t, m)
	defer h.Release(nil)

	resp, err := h.Client().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestConcurrentAcquireShareSession(t *testing.T) {
	m := newTestManager(Config{}, nil)
	defer m.Close()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			h, err := m.Acquire(context.Background(), nil)
			if err != nil {
				return
			}
			defer h.Release(nil)

			mu.Lock()
			ids[h.SessionID()] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()

	require.Len(t, ids, 1)
}

func TestClose(t *testing.T) {
	m := newTestManager(Config{}, nil)

	h := acquire(t, m)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Acquire(context.Background(), nil)
	require.ErrorIs(t, err, ErrClosed)

	require.False(t, h.s.closed)
	h.Release(nil)
	require.True(t, h.s.closed)
}
