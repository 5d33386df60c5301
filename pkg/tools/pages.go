package tools

import (
	"context"
	"fmt"

	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

func pageTools() []Tool {
	return []Tool{
		{Name: "wp_get_pages", Module: "pages", Description: "List pages", Handler: getPages},
		{Name: "wp_create_page", Module: "pages", Description: "Create a page", Handler: createPage},
		{Name: "wp_update_page", Module: "pages", Description: "Update a page", Handler: updatePage},
		{Name: "wp_delete_page", Module: "pages", Description: "Delete a page", Handler: deletePage},
	}
}

func getPages(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	perPage, err := intArg(args, "per_page", 10)
	if err != nil {
		return nil, err
	}

	parent, err := intArg(args, "parent", 0)
	if err != nil {
		return nil, err
	}

	res, err := wp.Get(ctx, "pages", map[string]any{"per_page": perPage, "parent": parent})
	if err != nil {
		return nil, err
	}

	pages, err := asList(res)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(pages))

	for _, p := range pages {
		out = append(out, map[string]any{
			"id":     p["id"],
			"title":  rendered(p, "title"),
			"slug":   p["slug"],
			"status": p["status"],
			"parent": p["parent"],
			"link":   p["link"],
		})
	}

	return out, nil
}

func createPage(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	title, err := requiredString(args, "title")
	if err != nil {
		return nil, err
	}

	content, err := stringArg(args, "content", "")
	if err != nil {
		return nil, err
	}

	status, err := stringArg(args, "status", "draft")
	if err != nil {
		return nil, err
	}

	parent, err := intArg(args, "parent", 0)
	if err != nil {
		return nil, err
	}

	res, err := wp.Post(ctx, "pages", map[string]any{
		"title":   title,
		"content": content,
		"status":  status,
		"parent":  parent,
	})
	if err != nil {
		return nil, err
	}

	p, err := asMap(res)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"page_id": p["id"],
		"link":    p["link"],
	}, nil
}

func updatePage(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	id, err := requiredInt(args, "page_id")
	if err != nil {
		return nil, err
	}

	res, err := wp.Put(ctx, fmt.Sprintf("pages/%d", id), without(args, "page_id"))
	if err != nil {
		return nil, err
	}

	p, err := asMap(res)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"page_id": p["id"],
		"link":    p["link"],
	}, nil
}

func deletePage(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	id, err := requiredInt(args, "page_id")
	if err != nil {
		return nil, err
	}

	force, err := boolArg(args, "force", false)
	if err != nil {
		return nil, err
	}

	if _, err := wp.Delete(ctx, fmt.Sprintf("pages/%d", id), map[string]any{"force": force}); err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Page %d deleted", id),
	}, nil
}
