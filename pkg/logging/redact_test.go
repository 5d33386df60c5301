package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Tool request received", "Tool request received"},
		{"no assignment", "Invalid or expired token", "Invalid or expired token"},
		{"equals", "password=hunter2 user=admin", "password=[REDACTED] user=admin"},
		{"colon", "Authorization: Basic YWRtaW46c2VjcmV0", "Authorization: [REDACTED]"},
		{"quoted", `app_password="abcd efgh"`, "app_password=[REDACTED]"},
		{"header value", "sent Bearer abcdefghijklmnop upstream", "sent Bearer [REDACTED] upstream"},
		{"case insensitive", "API_KEY: xyz", "API_KEY: [REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactString(tt.in))
		})
	}
}

func TestIsSensitiveKey(t *testing.T) {
	assert.True(t, IsSensitiveKey("Authorization"))
	assert.True(t, IsSensitiveKey("wp_app_password"))
	assert.True(t, IsSensitiveKey("client_secret"))
	assert.False(t, IsSensitiveKey("tool"))
	assert.False(t, IsSensitiveKey("session_id"))
}

func TestHookRedactsEntries(t *testing.T) {
	var buf bytes.Buffer

	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	Install(log)

	log.WithFields(logrus.Fields{
		"authorization": "Basic YWRtaW46c2VjcmV0",
		"tool":          "wp_get_posts",
		"detail":        "token=abc123",
	}).WithError(errors.New("secret: s3cr3t")).Info("password=hunter2")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))

	assert.Equal(t, Redacted, out["authorization"])
	assert.Equal(t, "wp_get_posts", out["tool"])
	assert.Equal(t, "token=[REDACTED]", out["detail"])
	assert.Equal(t, "secret: [REDACTED]", out["error"])
	assert.Equal(t, "password=[REDACTED]", out["msg"])
	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, buf.String(), "s3cr3t")
}
