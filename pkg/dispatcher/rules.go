package dispatcher

import "github.com/ethpandaops/wpgate/pkg/validate"

var (
	postWriteRules = validate.RuleSet{
		"title":   "post_title",
		"content": "post_content",
		"status":  "post_status",
	}

	templatePathRules = validate.RuleSet{
		"template_path": "template_path",
	}
)

func merge(sets ...validate.RuleSet) validate.RuleSet {
	out := make(validate.RuleSet)

	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}

	return out
}

// toolRules maps each tool to the rules applied to its arguments before the handler runs.
var toolRules = map[string]validate.RuleSet{
	// Posts.
	"wp_get_posts": {
		"per_page": "per_page",
		"page":     "page",
		"status":   "list_status",
		"order":    "order",
		"orderby":  "orderby",
	},
	"wp_get_post":    {"post_id": "id"},
	"wp_create_post": postWriteRules,
	"wp_update_post": merge(postWriteRules, validate.RuleSet{"post_id": "id"}),
	"wp_delete_post": {"post_id": "id", "force": "force"},
	"wp_search_posts": {
		"search":   "search",
		"per_page": "per_page",
	},

	// Pages.
	"wp_get_pages":   {"per_page": "per_page", "parent": "parent"},
	"wp_create_page": merge(postWriteRules, validate.RuleSet{"parent": "parent"}),
	"wp_update_page": merge(postWriteRules, validate.RuleSet{"page_id": "id", "parent": "parent"}),
	"wp_delete_page": {"page_id": "id", "force": "force"},

	// Media.
	"wp_get_media":    {"per_page": "per_page", "media_type": "media_type"},
	"wp_delete_media": {"media_id": "id", "force": "force"},

	// Templates.
	"wp_read_template": templatePathRules,
	"wp_update_template": merge(templatePathRules, validate.RuleSet{
		"content": "template_content",
	}),

	// System.
	"wp_get_plugins": {"status": "plugin_status"},

	// WooCommerce.
	"wc_get_products": {
		"per_page":     "per_page",
		"status":       "list_status",
		"stock_status": "stock_status",
	},
	"wc_create_product": {
		"name":           "product_name",
		"regular_price":  "price",
		"sale_price":     "price",
		"type":           "product_type",
		"stock_quantity": "stock_quantity",
		"description":    "post_content",
	},
	"wc_update_product": {
		"product_id":     "id",
		"name":           "product_name",
		"regular_price":  "price",
		"sale_price":     "price",
		"stock_quantity": "stock_quantity",
		"stock_status":   "stock_status",
	},
	"wc_delete_product": {"product_id": "id"},
	"wc_get_orders": {
		"per_page": "per_page",
		"status":   "order_status",
		"customer": "id",
	},
	"wc_update_order": {
		"order_id": "id",
		"status":   "order_status",
		"note":     "note",
	},
	"wc_get_customers": {"per_page": "per_page", "search": "search"},
}

// RulesFor returns the rule set for tool, or nil when it has none.
func RulesFor(tool string) validate.RuleSet {
	return toolRules[tool]
}
