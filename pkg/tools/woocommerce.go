package tools

import (
	"context"
	"fmt"

	"github.com/ethpandaops/wpgate/pkg/validate"
	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

const maxBulkItems = 100

// WooCommerce returns the commerce tools. Register them only when the site runs WooCommerce.
func WooCommerce() []Tool {
	return []Tool{
		{Name: "wc_get_products", Module: "woocommerce", Description: "List products", Handler: getProducts},
		{Name: "wc_create_product", Module: "woocommerce", Description: "Create a product", Handler: createProduct},
		{Name: "wc_update_product", Module: "woocommerce", Description: "Update a product", Handler: updateProduct},
		{Name: "wc_delete_product", Module: "woocommerce", Description: "Delete a product", Handler: deleteProduct},
		{Name: "wc_get_orders", Module: "woocommerce", Description: "List orders", Handler: getOrders},
		{Name: "wc_update_order", Module: "woocommerce", Description: "Update an order's status", Handler: updateOrder},
		{Name: "wc_get_customers", Module: "woocommerce", Description: "List customers", Handler: getCustomers},
		{Name: "wc_bulk_update_prices", Module: "woocommerce", Description: "Update prices of several products", Handler: bulkUpdatePrices},
		{Name: "wc_bulk_update_stock", Module: "woocommerce", Description: "Update stock of several products", Handler: bulkUpdateStock},
	}
}

func getProducts(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	perPage, err := intArg(args, "per_page", 10)
	if err != nil {
		return nil, err
	}

	status, err := stringArg(args, "status", "publish")
	if err != nil {
		return nil, err
	}

	stockStatus, err := stringArg(args, "stock_status", "")
	if err != nil {
		return nil, err
	}

	params := map[string]any{"per_page": perPage, "status": status}
	if stockStatus != "" {
		params["stock_status"] = stockStatus
	}

	res, err := wp.Get(ctx, "wc/products", params)
	if err != nil {
		return nil, err
	}

	products, err := asList(res)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(products))

	for _, p := range products {
		out = append(out, map[string]any{
			"id":             p["id"],
			"name":           p["name"],
			"sku":            p["sku"],
			"price":          p["price"],
			"regular_price":  p["regular_price"],
			"sale_price":     p["sale_price"],
			"stock_quantity": p["stock_quantity"],
			"stock_status":   p["stock_status"],
			"status":         p["status"],
		})
	}

	return out, nil
}

func createProduct(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	name, err := requiredString(args, "name")
	if err != nil {
		return nil, err
	}

	price, err := requiredString(args, "regular_price")
	if err != nil {
		return nil, err
	}

	productType, err := stringArg(args, "type", "simple")
	if err != nil {
		return nil, err
	}

	payload := without(args)
	payload["name"] = name
	payload["regular_price"] = price
	payload["type"] = productType

	res, err := wp.Post(ctx, "wc/products", payload)
	if err != nil {
		return nil, err
	}

	p, err := asMap(res)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success":    true,
		"product_id": p["id"],
		"name":       p["name"],
		"price":      p["regular_price"],
	}, nil
}

func updateProduct(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	id, err := requiredInt(args, "product_id")
	if err != nil {
		return nil, err
	}

	res, err := wp.Put(ctx, fmt.Sprintf("wc/products/%d", id), without(args, "product_id"))
	if err != nil {
		return nil, err
	}

	p, err := asMap(res)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success":    true,
		"product_id": p["id"],
		"message":    fmt.Sprintf("Product %d updated", id),
	}, nil
}

func deleteProduct(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	id, err := requiredInt(args, "product_id")
	if err != nil {
		return nil, err
	}

	if _, err := wp.Delete(ctx, fmt.Sprintf("wc/products/%d", id), nil); err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Product %d deleted", id),
	}, nil
}

func getOrders(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	perPage, err := intArg(args, "per_page", 10)
	if err != nil {
		return nil, err
	}

	status, err := stringArg(args, "status", "")
	if err != nil {
		return nil, err
	}

	customer, err := intArg(args, "customer", 0)
	if err != nil {
		return nil, err
	}

	params := map[string]any{"per_page": perPage}
	if status != "" {
		params["status"] = status
	}

	if customer > 0 {
		params["customer"] = customer
	}

	res, err := wp.Get(ctx, "wc/orders", params)
	if err != nil {
		return nil, err
	}

	orders, err := asList(res)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(orders))

	for _, o := range orders {
		out = append(out, map[string]any{
			"id":           o["id"],
			"status":       o["status"],
			"total":        o["total"],
			"customer_id":  o["customer_id"],
			"date_created": o["date_created"],
			"billing":      o["billing"],
		})
	}

	return out, nil
}

func updateOrder(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	id, err := requiredInt(args, "order_id")
	if err != nil {
		return nil, err
	}

	status, err := requiredString(args, "status")
	if err != nil {
		return nil, err
	}

	note, err := stringArg(args, "note", "")
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"status": status}
	if note != "" {
		payload["customer_note"] = note
	}

	res, err := wp.Put(ctx, fmt.Sprintf("wc/orders/%d", id), payload)
	if err != nil {
		return nil, err
	}

	o, err := asMap(res)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success":  true,
		"order_id": o["id"],
		"status":   o["status"],
	}, nil
}

func getCustomers(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	perPage, err := intArg(args, "per_page", 10)
	if err != nil {
		return nil, err
	}

	search, err := stringArg(args, "search", "")
	if err != nil {
		return nil, err
	}

	params := map[string]any{"per_page": perPage}
	if search != "" {
		params["search"] = search
	}

	res, err := wp.Get(ctx, "wc/customers", params)
	if err != nil {
		return nil, err
	}

	customers, err := asList(res)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(customers))

	for _, c := range customers {
		out = append(out, map[string]any{
			"id":         c["id"],
			"email":      c["email"],
			"first_name": c["first_name"],
			"last_name":  c["last_name"],
			"username":   c["username"],
		})
	}

	return out, nil
}

// bulkItems returns the "products" argument as a list of objects.
func bulkItems(args map[string]any) ([]map[string]any, error) {
	raw, ok := args["products"]
	if !ok || raw == nil {
		return nil, missing("products")
	}

	items, err := asList(raw)
	if err != nil {
		return nil, invalid("products", "array of objects")
	}

	if len(items) > maxBulkItems {
		return nil, &validate.ValidationError{
			Field:  "products",
			Reason: fmt.Sprintf("exceeds maximum of %d items", maxBulkItems),
		}
	}

	return items, nil
}

// bulkUpdate applies build to each item and PUTs the result. Per-item
// failures are reported in the result and do not abort the batch.
func bulkUpdate(ctx context.Context, wp wordpress.Downstream, items []map[string]any, build func(map[string]any) (map[string]any, error)) map[string]any {
	results := make([]map[string]any, 0, len(items))

	for _, item := range items {
		id, err := intArg(item, "id", 0)
		if err == nil {
			_, err = validate.Validate("id", id)
		}

		if err != nil {
			results = append(results, map[string]any{"id": item["id"], "success": false, "error": "invalid id"})

			continue
		}

		payload, err := build(item)
		if err == nil {
			_, err = wp.Put(ctx, fmt.Sprintf("wc/products/%d", id), payload)
		}

		if err != nil {
			results = append(results, map[string]any{"id": id, "success": false, "error": itemError(err)})

			continue
		}

		results = append(results, map[string]any{"id": id, "success": true})
	}

	return map[string]any{
		"processed": len(results),
		"results":   results,
	}
}

func itemError(err error) string {
	if werr, ok := wordpress.AsError(err); ok {
		return werr.Message
	}

	if verr, ok := err.(*validate.ValidationError); ok {
		return verr.Error()
	}

	return "update failed"
}

func bulkUpdatePrices(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	items, err := bulkItems(args)
	if err != nil {
		return nil, err
	}

	return bulkUpdate(ctx, wp, items, func(item map[string]any) (map[string]any, error) {
		payload := make(map[string]any, 2)

		for _, key := range []string{"regular_price", "sale_price"} {
			v, ok := item[key]
			if !ok {
				continue
			}

			clean, err := validate.ValidateWith(key, v, mustRule("price"))
			if err != nil {
				return nil, err
			}

			payload[key] = clean
		}

		return payload, nil
	}), nil
}

func bulkUpdateStock(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	items, err := bulkItems(args)
	if err != nil {
		return nil, err
	}

	return bulkUpdate(ctx, wp, items, func(item map[string]any) (map[string]any, error) {
		qty, err := requiredInt(item, "stock_quantity")
		if err != nil {
			return nil, err
		}

		if _, err := validate.Validate("stock_quantity", qty); err != nil {
			return nil, err
		}

		stockStatus := "outofstock"
		if qty > 0 {
			stockStatus = "instock"
		}

		return map[string]any{"stock_quantity": qty, "stock_status": stockStatus}, nil
	}), nil
}

func mustRule(name string) validate.Rule {
	rule, ok := validate.Default().Rule(name)
	if !ok {
		panic("missing validation rule " + name)
	}

	return rule
}
