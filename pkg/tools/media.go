package tools

import (
	"context"
	"fmt"

	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

func mediaTools() []Tool {
	return []Tool{
		{Name: "wp_get_media", Module: "media", Description: "List media library items", Handler: getMedia},
		{Name: "wp_delete_media", Module: "media", Description: "Delete a media item", Handler: deleteMedia},
	}
}

func getMedia(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	perPage, err := intArg(args, "per_page", 20)
	if err != nil {
		return nil, err
	}

	mediaType, err := stringArg(args, "media_type", "image")
	if err != nil {
		return nil, err
	}

	params := map[string]any{"per_page": perPage}
	if mediaType != "" {
		params["media_type"] = mediaType
	}

	res, err := wp.Get(ctx, "media", params)
	if err != nil {
		return nil, err
	}

	items, err := asList(res)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(items))

	for _, item := range items {
		out = append(out, map[string]any{
			"id":        item["id"],
			"title":     rendered(item, "title"),
			"url":       item["source_url"],
			"type":      item["media_type"],
			"mime_type": item["mime_type"],
			"date":      item["date"],
		})
	}

	return out, nil
}

func deleteMedia(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	id, err := requiredInt(args, "media_id")
	if err != nil {
		return nil, err
	}

	// Attachments cannot be trashed by default, so force defaults to true.
	force, err := boolArg(args, "force", true)
	if err != nil {
		return nil, err
	}

	if _, err := wp.Delete(ctx, fmt.Sprintf("media/%d", id), map[string]any{"force": force}); err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("Media %d deleted", id),
	}, nil
}
