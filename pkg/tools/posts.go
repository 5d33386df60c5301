package tools

import (
	"context"
	"fmt"

	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

const excerptLength = 200

func postTools() []Tool {
	return []Tool{
		{Name: "wp_get_posts", Module: "posts", Description: "List posts", Handler: getPosts},
		{Name: "wp_get_post", Module: "posts", Description: "Get a single post", Handler: getPost},
		{Name: "wp_create_post", Module: "posts", Description: "Create a post", Handler: createPost},
		{Name: "wp_update_post", Module: "posts", Description: "Update a post", Handler: updatePost},
		{Name: "wp_delete_post", Module: "posts", Description: "Delete or trash a post", Handler: deletePost},
		{Name: "wp_search_posts", Module: "posts", Description: "Search posts by keyword", Handler: searchPosts},
	}
}

func getPosts(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	perPage, err := intArg(args, "per_page", 10)
	if err != nil {
		return nil, err
	}

	page, err := intArg(args, "page", 1)
	if err != nil {
		return nil, err
	}

	params := without(args, "per_page", "page")
	params["per_page"] = perPage
	params["page"] = page

	for k, def := range map[string]string{"status": "publish", "orderby": "date", "order": "desc"} {
		v, err := stringArg(args, k, def)
		if err != nil {
			return nil, err
		}

		params[k] = v
	}

	res, err := wp.Get(ctx, "posts", params)
	if err != nil {
		return nil, err
	}

	posts, err := asList(res)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(posts))

	for _, p := range posts {
		out = append(out, map[string]any{
			"id":       p["id"],
			"title":    rendered(p, "title"),
			"slug":     p["slug"],
			"status":   p["status"],
			"date":     p["date"],
			"modified": p["modified"],
			"link":     p["link"],
			"excerpt":  clip(rendered(p, "excerpt"), excerptLength),
		})
	}

	return out, nil
}

func getPost(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	id, err := requiredInt(args, "post_id")
	if err != nil {
		return nil, err
	}

	res, err := wp.Get(ctx, fmt.Sprintf("posts/%d", id), nil)
	if err != nil {
		return nil, err
	}

	p, err := asMap(res)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":             p["id"],
		"title":          rendered(p, "title"),
		"content":        rendered(p, "content"),
		"slug":           p["slug"],
		"status":         p["status"],
		"date":           p["date"],
		"modified":       p["modified"],
		"link":           p["link"],
		"categories":     orDefault(p["categories"], []any{}),
		"tags":           orDefault(p["tags"], []any{}),
		"featured_media": orDefault(p["featured_media"], 0),
	}, nil
}

func createPost(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
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

	payload := without(args)
	payload["title"] = title
	payload["content"] = content
	payload["status"] = status

	res, err := wp.Post(ctx, "posts", payload)
	if err != nil {
		return nil, err
	}

	p, err := asMap(res)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"post_id": p["id"],
		"link":    p["link"],
		"message": fmt.Sprintf("Post created successfully with ID %v", p["id"]),
	}, nil
}

func updatePost(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	id, err := requiredInt(args, "post_id")
	if err != nil {
		return nil, err
	}

	res, err := wp.Put(ctx, fmt.Sprintf("posts/%d", id), without(args, "post_id"))
	if err != nil {
		return nil, err
	}

	p, err := asMap(res)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"post_id": p["id"],
		"link":    p["link"],
		"message": fmt.Sprintf("Post %d updated successfully", id),
	}, nil
}

func deletePost(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	id, err := requiredInt(args, "post_id")
	if err != nil {
		return nil, err
	}

	force, err := boolArg(args, "force", false)
	if err != nil {
		return nil, err
	}

	if _, err := wp.Delete(ctx, fmt.Sprintf("posts/%d", id), map[string]any{"force": force}); err != nil {
		return nil, err
	}

	outcome := "moved to trash"
	if force {
		outcome = "permanently deleted"
	}

	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Post %d %s", id, outcome),
	}, nil
}

func searchPosts(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	search, err := requiredString(args, "search")
	if err != nil {
		return nil, err
	}

	perPage, err := intArg(args, "per_page", 10)
	if err != nil {
		return nil, err
	}

	res, err := wp.Get(ctx, "posts", map[string]any{"search": search, "per_page": perPage})
	if err != nil {
		return nil, err
	}

	posts, err := asList(res)
	if err != nil {
		return nil, err
	}

	found := make([]map[string]any, 0, len(posts))

	for _, p := range posts {
		found = append(found, map[string]any{
			"id":      p["id"],
			"title":   rendered(p, "title"),
			"link":    p["link"],
			"excerpt": clip(rendered(p, "excerpt"), excerptLength),
		})
	}

	return map[string]any{
		"found": len(found),
		"posts": found,
	}, nil
}
