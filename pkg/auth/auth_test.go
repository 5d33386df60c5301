package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ethpandaops/wpgate/pkg/config"
)

func newTestService(t *testing.T) Service {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	svc, err := NewService(log, []config.UserAuth{
		{Username: "root", Password: "rootpw", Role: config.RoleAdmin},
		{Username: "viewer", Password: "viewpw", Role: config.RoleReadOnly},
	}, bcrypt.MinCost)
	require.NoError(t, err)

	return svc
}

func TestAuthenticateBasic(t *testing.T) {
	svc := newTestService(t)
	require.True(t, svc.Enabled())

	user, err := svc.AuthenticateBasic("root", "rootpw")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, user.Role)
	assert.True(t, svc.IsAdmin(user))

	_, err = svc.AuthenticateBasic("root", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.AuthenticateBasic("nobody", "rootpw")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestHasRole(t *testing.T) {
	svc := newTestService(t)

	viewer, err := svc.AuthenticateBasic("viewer", "viewpw")
	require.NoError(t, err)

	assert.True(t, svc.HasRole(viewer, RoleReadOnly))
	assert.False(t, svc.HasRole(viewer, RoleAdmin))
	assert.False(t, svc.HasRole(nil, RoleReadOnly))
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, UserFromContext(r.Context()).Username)
	})

	h := BasicAuthMiddleware(svc)(RequireAdmin()(ok))

	tests := []struct {
		name     string
		user     string
		password string
		want     int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "root", "nope", http.StatusUnauthorized},
		{"readonly user", "viewer", "viewpw", http.StatusForbidden},
		{"admin", "root", "rootpw", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
			}

			if tt.want == http.StatusOK {
				assert.Equal(t, "root", rec.Body.String())
			}
		})
	}
}
