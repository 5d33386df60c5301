package wordpress

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/wpgate/pkg/session"
	"github.com/ethpandaops/wpgate/pkg/vault"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *session.Manager) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	v, err := vault.NewWithKey(testLogger(), key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	sessions := session.NewManager(testLogger(), session.Config{})
	t.Cleanup(func() { _ = sessions.Close() })

	c, err := NewClient(testLogger(), Config{
		SiteURL:        srv.URL,
		Username:       "admin",
		AppPassword:    "abcd efgh ijkl",
		Timeout:        2 * time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, v, sessions)
	require.NoError(t, err)

	return c, sessions
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRestPath(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"wp/posts", "/wp-json/wp/v2/posts"},
		{"posts/5", "/wp-json/wp/v2/posts/5"},
		{"/posts", "/wp-json/wp/v2/posts"},
		{"wc/products", "/wp-json/wc/v3/products"},
		{"mcp/templates", "/wp-json/mcp/v1/templates"},
		{"/wp-json/custom/v1/thing", "/wp-json/custom/v1/thing"},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, restPath(tt.endpoint))
		})
	}
}

func TestGetSendsAuthAndParams(t *testing.T) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:abcd efgh ijkl"))

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wp-json/wp/v2/posts", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("per_page"))
		assert.Equal(t, "publish", r.URL.Query().Get("status"))
		assert.Equal(t, want, r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.Equal(t, session.DefaultUserAgent, r.Header.Get("User-Agent"))

		writeJSON(w, http.StatusOK, []map[string]any{{"id": 1}})
	})

	out, err := c.Get(context.Background(), "posts", map[string]any{"per_page": 5, "status": "publish"})
	require.NoError(t, err)

	list, ok := out.([]any)
	require.True(t, ok)
	require.Len(t, list, 1)

	assert.Equal(t, Stats{TotalRequests: 1}, c.Stats())
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status   int
		body     map[string]any
		category Category
		message  string
	}{
		{http.StatusUnauthorized, nil, CategoryAuthentication, "Authentication failed"},
		{http.StatusForbidden, nil, CategoryPermission, "Permission denied"},
		{http.StatusNotFound, nil, CategoryNotFound, "Resource not found"},
		{http.StatusBadRequest, map[string]any{"code": "rest_invalid_param", "message": "secret detail"}, CategoryRejected, "Request rejected: rest_invalid_param"},
		{http.StatusBadRequest, map[string]any{"code": "<script>"}, CategoryRejected, "Request rejected: unknown_error"},
		{http.StatusMovedPermanently, nil, CategoryRejected, "Unexpected redirect"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := c.Get(context.Background(), "posts/1", nil)
			require.Error(t, err)

			werr, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.category, werr.Category)
			assert.Equal(t, tt.message, werr.Message)
			assert.Equal(t, tt.status, werr.Status)
			assert.NotContains(t, err.Error(), "secret detail")
			assert.Equal(t, int64(1), c.Stats().FailedRequests)
		})
	}
}

func TestRedirectBodyNotReturned(t *testing.T) {
	out, err := handleResponse(http.StatusMovedPermanently, "text/html", []byte("<html>Moved</html>"))
	require.Error(t, err)
	assert.Nil(t, out)
	assert.NotContains(t, err.Error(), "Moved</html>")
}

func TestCancelReleasesHandle(t *testing.T) {
	release := make(chan struct{})

	c, sessions := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.Get(ctx, "posts", nil)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	stats := sessions.Stats()
	assert.Equal(t, 0, stats.InFlight)
	assert.True(t, stats.Suspect)
}

func TestNoContent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	out, err := c.Delete(context.Background(), "posts/1", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": true}, out)
}

func TestTextResponse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	})

	out, err := c.Get(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestRetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32

	c, sessions := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, nil)

			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	out, err := c.Get(context.Background(), "posts", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, int32(3), calls.Load())

	// Each failed attempt forced a rotation.
	assert.GreaterOrEqual(t, sessions.Stats().Rotations, int64(3))
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32

	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadGateway, nil)
	})

	_, err := c.Put(context.Background(), "posts/1", map[string]any{"title": "x"})
	require.Error(t, err)

	werr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryUpstream, werr.Category)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, nil)
	})

	_, err := c.Post(context.Background(), "posts", map[string]any{"title": "Hello"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostBodyIsValidated(t *testing.T) {
	var got map[string]any

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]any{"id": 9})
	})

	_, err := c.Post(context.Background(), "posts", map[string]any{
		"title":   "<b>Hello</b>",
		"content": `<p onclick="x()">Body</p><script>alert(1)</script>`,
		"status":  "draft",
		"sticky":  true,
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello", got["title"])
	assert.Equal(t, "<p >Body</p>", got["content"])
	assert.Equal(t, true, got["sticky"])

	_, err = c.Post(context.Background(), "posts", map[string]any{"status": "bogus"})
	require.Error(t, err)

	werr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryInvalid, werr.Category)
}

func TestBodyRulesFollowCollection(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": 1})
	})

	_, err := c.Post(context.Background(), "wp/pages/3", map[string]any{"status": "bogus"})
	require.Error(t, err)

	_, err = c.Post(context.Background(), c.siteURL.String()+"/wp-json/wp/v2/posts/3", map[string]any{"status": "bogus"})
	require.Error(t, err)

	_, err = c.Post(context.Background(), "mcp/templates/update", map[string]any{"path": "../../wp-config.php"})
	require.Error(t, err)

	// Collections whose names merely contain "posts" or "templates" carry no post rules.
	_, err = c.Post(context.Background(), "wp/reposts", map[string]any{"status": "bogus"})
	require.NoError(t, err)

	_, err = c.Post(context.Background(), "wc/products", map[string]any{"status": "bogus", "name": "Mug"})
	require.NoError(t, err)
}

func TestCollection(t *testing.T) {
	assert.Equal(t, "/wp-json/wp/v2/posts", collection("/wp-json/wp/v2/posts/5/revisions"))
	assert.Equal(t, "/wp-json/mcp/v1/templates", collection("/wp-json/mcp/v1/templates"))
	assert.Equal(t, "", collection("/wp-json/wp/v2"))
	assert.Equal(t, "", collection("/other/wp/v2/posts"))
}

func TestAbsoluteEndpointMustMatchSite(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	_, err := c.Get(context.Background(), "https://evil.example.com/wp-json/wp/v2/posts", nil)
	require.Error(t, err)

	werr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryInvalid, werr.Category)
}

func TestOversizedParamRejected(t *testing.T) {
	var calls atomic.Int32

	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, nil)
	})

	long := make([]byte, 1001)
	for i := range long {
		long[i] = 'a'
	}

	_, err := c.Get(context.Background(), "posts", map[string]any{"search": string(long)})
	require.Error(t, err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestTestConnection(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wp-json/wp/v2/users/me" {
			writeJSON(w, http.StatusNotFound, nil)

			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"id": 1, "name": "admin"})
	})

	require.NoError(t, c.TestConnection(context.Background()))
}

func TestInvalidatedTokenFailsAuthentication(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, nil)
	})

	c.vault.InvalidateAll()

	_, err := c.Get(context.Background(), "posts", nil)
	require.Error(t, err)

	werr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryAuthentication, werr.Category)
	assert.ErrorIs(t, err, vault.ErrAuthentication)
}

func TestNewClientValidatesConfig(t *testing.T) {
	v, err := vault.NewWithKey(testLogger(), make([]byte, 32))
	require.NoError(t, err)

	sessions := session.NewManager(testLogger(), session.Config{})
	defer sessions.Close()

	_, err = NewClient(testLogger(), Config{SiteURL: "ftp://site", Username: "admin", AppPassword: "x"}, v, sessions)
	require.Error(t, err)

	_, err = NewClient(testLogger(), Config{SiteURL: "https://site.example", Username: "bad user!", AppPassword: "x"}, v, sessions)
	require.Error(t, err)

	_, err = NewClient(testLogger(), Config{SiteURL: "https://site.example", Username: "admin"}, v, sessions)
	require.Error(t, err)

	require.Equal(t, 0, v.Len())
}
