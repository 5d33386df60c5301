package validate

import "regexp"

// Kind is the type a value is converted to before any other check runs.
type Kind string

// Supported kinds.
const (
	KindAny    Kind = ""
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
)

// Rule describes the constraints applied to a single field. Zero values mean "not set".
type Rule struct {
	Type      Kind
	Required  bool
	MinLength int
	MaxLength int
	Pattern   *regexp.Regexp

	AllowedValues []string

	MinValue *float64
	MaxValue *float64

	StripHTML       bool
	SanitizeScript  bool
	NoPathTraversal bool
	ValidURL        bool
	AllowedSchemes  []string
	DenyCalls       bool
}

// Bound returns a pointer to v for use as Rule.MinValue or Rule.MaxValue.
func Bound(v float64) *float64 {
	return &v
}

// RuleSet maps argument names to the field rule applied to them.
// Arguments not listed pass through untouched.
type RuleSet map[string]string

// DefaultRules is the process-wide rule table.
var DefaultRules = map[string]Rule{
	"post_title": {
		MaxLength: 200,
		MinLength: 1,
		StripHTML: true,
		Required:  true,
	},
	"post_content": {
		MaxLength:      100000,
		SanitizeScript: true,
	},
	"post_status": {
		AllowedValues: []string{"publish", "draft", "private", "pending"},
		Required:      true,
	},
	"template_path": {
		Pattern:         regexp.MustCompile(`^[a-zA-Z0-9\-_/]+\.(php|css|js|html)$`),
		MaxLength:       255,
		NoPathTraversal: true,
	},
	"template_content": {
		MaxLength: 500000,
		DenyCalls: true,
	},
	"url": {
		ValidURL:       true,
		AllowedSchemes: []string{"http", "https"},
		MaxLength:      2048,
	},
	"media_url": {
		ValidURL:       true,
		AllowedSchemes: []string{"https"},
		MaxLength:      2048,
	},
	"username": {
		Pattern:   regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`),
		MaxLength: 60,
	},
	"id": {
		Type:     KindInt,
		MinValue: Bound(1),
	},
	"per_page": {
		Type:     KindInt,
		MinValue: Bound(1),
		MaxValue: Bound(100),
	},
	"page": {
		Type:     KindInt,
		MinValue: Bound(1),
	},
	"force": {
		Type: KindBool,
	},
	"search": {
		MaxLength: 200,
		StripHTML: true,
	},
	"slug": {
		Pattern:   regexp.MustCompile(`^[a-z0-9\-]+$`),
		MaxLength: 200,
	},
	"price": {
		Type:      KindString,
		Pattern:   regexp.MustCompile(`^[0-9]+(\.[0-9]{1,2})?$`),
		MaxLength: 20,
	},
	"stock_quantity": {
		Type:     KindInt,
		MinValue: Bound(0),
	},
	"order_status": {
		AllowedValues: []string{
			"pending", "processing", "on-hold", "completed",
			"cancelled", "refunded", "failed",
		},
		Required: true,
	},
	"param": {
		MaxLength: 1000,
	},
	"parent": {
		Type:     KindInt,
		MinValue: Bound(0),
	},
	"order": {
		AllowedValues: []string{"asc", "desc"},
	},
	"orderby": {
		AllowedValues: []string{"date", "modified", "title", "slug", "id", "author", "relevance"},
	},
	"list_status": {
		AllowedValues: []string{"publish", "draft", "private", "pending", "future", "trash", "any"},
	},
	"media_type": {
		AllowedValues: []string{"image", "video", "audio", "application", "text"},
	},
	"plugin_status": {
		AllowedValues: []string{"active", "inactive", "all"},
	},
	"product_name": {
		MaxLength: 200,
		MinLength: 1,
		StripHTML: true,
		Required:  true,
	},
	"product_type": {
		AllowedValues: []string{"simple", "variable", "grouped", "external"},
	},
	"stock_status": {
		AllowedValues: []string{"instock", "outofstock", "onbackorder"},
	},
	"note": {
		MaxLength: 2000,
		StripHTML: true,
	},
}
