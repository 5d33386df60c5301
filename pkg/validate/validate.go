package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	htmlTagPattern = regexp.MustCompile(`<[^<]+?>`)

	scriptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?i)\bon\w+\s*=\s*["'][^"']*["']`),
		regexp.MustCompile(`(?i)javascript\s*:`),
	}

	deniedCalls = []string{
		"eval", "exec", "system", "shell_exec", "passthru", "proc_open", "popen",
		"curl_exec", "curl_multi_exec", "parse_ini_file", "show_source",
		"file_get_contents", "file_put_contents", "fopen", "fwrite",
		"include_once", "require_once", "include", "require",
		"base64_decode", "assert", "create_function",
	}

	deniedCallPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(deniedCalls, "|") + `)\(`)
)

// ValidationError reports which field failed and why.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

func fail(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validator applies a rule table to field values.
type Validator struct {
	rules map[string]Rule
}

// New creates a validator over the given rule table.
func New(rules map[string]Rule) *Validator {
	return &Validator{rules: rules}
}

var defaultValidator = New(DefaultRules)

// Default returns the validator backed by DefaultRules.
func Default() *Validator {
	return defaultValidator
}

// Validate checks value against the default rule for field.
func Validate(field string, value any) (any, error) {
	return defaultValidator.Validate(field, value)
}

// ValidateWith checks value against an explicit rule.
func ValidateWith(field string, value any, rule Rule) (any, error) {
	return check(field, value, rule)
}

// Rule returns the rule registered for field.
func (v *Validator) Rule(field string) (Rule, bool) {
	r, ok := v.rules[field]

	return r, ok
}

// Validate checks value against the rule registered for field.
// Fields without a rule are returned unchanged.
func (v *Validator) Validate(field string, value any) (any, error) {
	rule, ok := v.rules[field]
	if !ok {
		return value, nil
	}

	return check(field, value, rule)
}

// ValidateArgs validates the arguments named in set and returns a new map with
// sanitized values. Arguments not named in set are copied as-is and absent
// arguments are left for the handler to reject.
func (v *Validator) ValidateArgs(args map[string]any, set RuleSet) (map[string]any, error) {
	out := make(map[string]any, len(args))

	for name, value := range args {
		out[name] = value
	}

	// Iterate in a fixed order so the first reported failure is stable.
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		value, present := args[name]
		if !present {
			continue
		}

		rule, ok := v.rules[set[name]]
		if !ok {
			continue
		}

		clean, err := check(name, value, rule)
		if err != nil {
			return nil, err
		}

		out[name] = clean
	}

	return out, nil
}

func check(field string, value any, rule Rule) (any, error) {
	if value == nil {
		if rule.Required {
			return nil, fail(field, "is required")
		}

		return nil, nil
	}

	if rule.Type != KindAny {
		converted, err := convert(value, rule.Type)
		if err != nil {
			return nil, fail(field, "must be of type %s", rule.Type)
		}

		value = converted
	}

	switch v := value.(type) {
	case string:
		return checkString(field, v, rule)
	case int:
		return v, checkNumber(field, float64(v), rule)
	case int64:
		return v, checkNumber(field, float64(v), rule)
	case float64:
		return v, checkNumber(field, v, rule)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fail(field, "must be numeric")
		}

		return v, checkNumber(field, f, rule)
	}

	return value, nil
}

func checkString(field, s string, rule Rule) (string, error) {
	if rule.MaxLength > 0 && utf8.RuneCountInString(s) > rule.MaxLength {
		return "", fail(field, "exceeds maximum length of %d", rule.MaxLength)
	}

	if rule.Pattern != nil && !rule.Pattern.MatchString(s) {
		return "", fail(field, "has invalid format")
	}

	if rule.NoPathTraversal && hasTraversal(s) {
		return "", fail(field, "contains path traversal")
	}

	if rule.StripHTML {
		s = htmlTagPattern.ReplaceAllString(s, "")
	}

	if rule.SanitizeScript {
		s = RemoveScripts(s)
	}

	if rule.MinLength > 0 && utf8.RuneCountInString(s) < rule.MinLength {
		return "", fail(field, "must be at least %d characters", rule.MinLength)
	}

	if rule.Required && s == "" {
		return "", fail(field, "is required")
	}

	if rule.ValidURL {
		if err := checkURL(field, s, rule.AllowedSchemes); err != nil {
			return "", err
		}
	}

	if rule.DenyCalls {
		if call := DeniedCall(s); call != "" {
			return "", fail(field, "contains disallowed function call %q", call)
		}
	}

	if len(rule.AllowedValues) > 0 && !slices.Contains(rule.AllowedValues, s) {
		return "", fail(field, "must be one of: %s", strings.Join(rule.AllowedValues, ", "))
	}

	return s, nil
}

func checkNumber(field string, n float64, rule Rule) error {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return fail(field, "must be a finite number")
	}

	if rule.MinValue != nil && n < *rule.MinValue {
		return fail(field, "must be at least %s", formatBound(*rule.MinValue))
	}

	if rule.MaxValue != nil && n > *rule.MaxValue {
		return fail(field, "must be at most %s", formatBound(*rule.MaxValue))
	}

	return nil
}

func checkURL(field, raw string, schemes []string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fail(field, "is not a valid URL")
	}

	if len(schemes) > 0 && !slices.Contains(schemes, strings.ToLower(u.Scheme)) {
		return fail(field, "uses disallowed scheme %q", u.Scheme)
	}

	return nil
}

func hasTraversal(s string) bool {
	return strings.Contains(s, "..") || strings.HasPrefix(s, "/") || strings.HasPrefix(s, `\`)
}

// RemoveScripts strips script blocks, inline event handlers and javascript: URIs.
func RemoveScripts(s string) string {
	for _, re := range scriptPatterns {
		s = re.ReplaceAllString(s, "")
	}

	return s
}

// DeniedCall returns the first disallowed function call found in s, or "".
func DeniedCall(s string) string {
	m := deniedCallPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}

	return strings.ToLower(m[1])
}

func convert(value any, kind Kind) (any, error) {
	switch kind {
	case KindString:
		switch v := value.(type) {
		case string:
			return v, nil
		case bool, int, int64, float64, json.Number:
			return fmt.Sprint(v), nil
		}
	case KindInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == math.Trunc(v) && !math.IsInf(v, 0) {
				return int(v), nil
			}
		case json.Number:
			return strconv.Atoi(v.String())
		case string:
			return strconv.Atoi(strings.TrimSpace(v))
		}
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			return strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	case KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(v))
		}
	}

	return nil, fmt.Errorf("cannot convert %T to %s", value, kind)
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
