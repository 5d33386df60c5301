package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireValidationError(t *testing.T, err error, field string) *ValidationError {
	t.Helper()

	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, field, vErr.Field)

	return vErr
}

func TestTemplatePath(t *testing.T) {
	got, err := Validate("template_path", "header.php")
	require.NoError(t, err)
	require.Equal(t, "header.php", got)

	got, err = Validate("template_path", "template-parts/content-single.php")
	require.NoError(t, err)
	require.Equal(t, "template-parts/content-single.php", got)

	for _, bad := range []string{
		"../../etc/passwd",
		"/etc/passwd.php",
		"theme/../wp-config.php",
		"header.txt",
		"header.php; rm -rf",
	} {
		_, err := Validate("template_path", bad)
		requireValidationError(t, err, "template_path")
	}
}

func TestPostTitle(t *testing.T) {
	got, err := Validate("post_title", "<b>Hi</b>")
	require.NoError(t, err)
	require.Equal(t, "Hi", got)

	_, err = Validate("post_title", nil)
	vErr := requireValidationError(t, err, "post_title")
	assert.Equal(t, "is required", vErr.Reason)

	_, err = Validate("post_title", "")
	requireValidationError(t, err, "post_title")

	_, err = Validate("post_title", "<i></i>")
	requireValidationError(t, err, "post_title")

	_, err = Validate("post_title", strings.Repeat("a", 201))
	vErr = requireValidationError(t, err, "post_title")
	assert.Equal(t, "post_title exceeds maximum length of 200", vErr.Error())

	got, err = Validate("post_title", strings.Repeat("é", 200))
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("é", 200), got)
}

func TestPostContentRemovesScripts(t *testing.T) {
	in := `<p onclick="steal()">Hello</p><script type="text/javascript">alert(1)</script>` +
		`<a href="javascript:alert(2)">x</a><SCRIPT>
multi
</SCRIPT>`

	got, err := Validate("post_content", in)
	require.NoError(t, err)

	s, ok := got.(string)
	require.True(t, ok)
	assert.NotContains(t, strings.ToLower(s), "<script")
	assert.NotContains(t, s, "onclick")
	assert.NotContains(t, strings.ToLower(s), "javascript:")
	assert.Contains(t, s, "Hello")

	_, err = Validate("post_content", strings.Repeat("a", 100001))
	requireValidationError(t, err, "post_content")
}

func TestPostStatus(t *testing.T) {
	for _, ok := range []string{"publish", "draft", "private", "pending"} {
		got, err := Validate("post_status", ok)
		require.NoError(t, err)
		require.Equal(t, ok, got)
	}

	_, err := Validate("post_status", "trash")
	vErr := requireValidationError(t, err, "post_status")
	assert.Contains(t, vErr.Reason, "publish, draft, private, pending")
}

func TestURL(t *testing.T) {
	got, err := Validate("url", "https://example.com/path")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/path", got)

	for _, bad := range []string{"ftp://example.com", "not a url", "https://", "javascript:alert(1)"} {
		_, err := Validate("url", bad)
		requireValidationError(t, err, "url")
	}

	_, err = Validate("media_url", "http://example.com/a.png")
	requireValidationError(t, err, "media_url")
}

func TestIntConversion(t *testing.T) {
	got, err := Validate("id", float64(42))
	require.NoError(t, err)
	require.Equal(t, 42, got)

	got, err = Validate("id", "7")
	require.NoError(t, err)
	require.Equal(t, 7, got)

	_, err = Validate("id", 0)
	vErr := requireValidationError(t, err, "id")
	assert.Equal(t, "must be at least 1", vErr.Reason)

	_, err = Validate("id", "abc")
	requireValidationError(t, err, "id")

	_, err = Validate("id", 1.5)
	requireValidationError(t, err, "id")

	_, err = Validate("per_page", 101)
	requireValidationError(t, err, "per_page")
}

func TestBoolConversion(t *testing.T) {
	got, err := Validate("force", "true")
	require.NoError(t, err)
	require.Equal(t, true, got)

	_, err = Validate("force", 3)
	requireValidationError(t, err, "force")
}

func TestTemplateContentDenyList(t *testing.T) {
	got, err := Validate("template_content", "<?php get_header(); the_content(); ?>")
	require.NoError(t, err)
	require.NotNil(t, got)

	for _, bad := range []string{
		"<?php eval($x); ?>",
		"<?php EXEC('ls'); ?>",
		"<?php echo base64_decode('aGk='); ?>",
		"<?php include_once 'x.php'; include('y.php'); ?>",
		"<?php shell_exec('id'); ?>",
	} {
		_, err := Validate("template_content", bad)
		requireValidationError(t, err, "template_content")
	}

	assert.Equal(t, "", DeniedCall("<?php my_system_helper(); ?>"))
	assert.Equal(t, "", DeniedCall("the evaluation was fine"))
	assert.Equal(t, "", DeniedCall("shell_exec ('id')"))

	prose := "<p>Our booking system (beta) and the eval (phase two) are live.</p>"
	assert.Equal(t, "", DeniedCall(prose))

	got, err = Validate("template_content", prose)
	require.NoError(t, err)
	assert.Equal(t, prose, got)
}

func TestUnknownFieldPassesThrough(t *testing.T) {
	in := map[string]any{"a": 1}

	got, err := Validate("not_a_field", in)
	require.NoError(t, err)
	require.Equal(t, in, got)
}

func TestValidateWithOverride(t *testing.T) {
	rule := Rule{MaxLength: 3}

	_, err := ValidateWith("code", "abcd", rule)
	requireValidationError(t, err, "code")

	got, err := ValidateWith("code", "abc", rule)
	require.NoError(t, err)
	require.Equal(t, "abc", got)
}

func TestValidateArgs(t *testing.T) {
	set := RuleSet{
		"title":   "post_title",
		"content": "post_content",
		"status":  "post_status",
	}

	args := map[string]any{
		"title":   "<em>Hello</em>",
		"content": "body<script>x()</script>",
		"tags":    []any{float64(1), float64(2)},
	}

	out, err := Default().ValidateArgs(args, set)
	require.NoError(t, err)
	assert.Equal(t, "Hello", out["title"])
	assert.Equal(t, "body", out["content"])
	assert.Equal(t, args["tags"], out["tags"])
	assert.NotContains(t, out, "status")

	// The input map is left untouched.
	assert.Equal(t, "<em>Hello</em>", args["title"])

	_, err = Default().ValidateArgs(map[string]any{"status": "bogus"}, set)
	requireValidationError(t, err, "status")
}

func TestValidateIsDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		got, err := Validate("post_title", "<b>Same</b> title")
		require.NoError(t, err)
		require.Equal(t, "Same title", got)
	}
}
