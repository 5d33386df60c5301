package logging

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Redacted replaces sensitive values.
const Redacted = "[REDACTED]"

var sensitiveWords = []string{
	"authorization",
	"app_password",
	"password",
	"api_key",
	"credential",
	"secret",
	"token",
}

var (
	assignmentPattern = regexp.MustCompile(
		`(?i)\b(` + strings.Join(sensitiveWords, "|") + `)(s?)(\s*[:=]\s*)(?:(?:basic|bearer)\s+)?("[^"]*"|'[^']*'|\S+)`,
	)
	schemePattern = regexp.MustCompile(`(?i)\b(basic|bearer)\s+[A-Za-z0-9+/=._\-]{8,}`)
)

// RedactHook is a logrus hook that masks credentials in fields and messages
// before any formatter sees them.
type RedactHook struct{}

var _ logrus.Hook = (*RedactHook)(nil)

// NewRedactHook creates a RedactHook.
func NewRedactHook() *RedactHook {
	return &RedactHook{}
}

// Levels implements logrus.Hook.
func (h *RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *RedactHook) Fire(entry *logrus.Entry) error {
	for k, v := range entry.Data {
		if IsSensitiveKey(k) {
			entry.Data[k] = Redacted

			continue
		}

		switch t := v.(type) {
		case string:
			entry.Data[k] = RedactString(t)
		case error:
			entry.Data[k] = RedactString(t.Error())
		}
	}

	entry.Message = RedactString(entry.Message)

	return nil
}

// IsSensitiveKey reports whether a field name refers to a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)

	for _, word := range sensitiveWords {
		if strings.Contains(lower, word) {
			return true
		}
	}

	return false
}

// RedactString masks "key: value" and "key=value" assignments of sensitive
// keys and HTTP Basic/Bearer credentials.
func RedactString(s string) string {
	s = assignmentPattern.ReplaceAllString(s, "${1}${2}${3}"+Redacted)
	s = schemePattern.ReplaceAllString(s, "${1} "+Redacted)

	return s
}

// Install adds a RedactHook to log.
func Install(log *logrus.Logger) {
	log.AddHook(NewRedactHook())
}
