package tools

import (
	"context"
	"unicode/utf8"

	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

const templatePreviewLength = 500

func templateTools() []Tool {
	return []Tool{
		{Name: "wp_list_templates", Module: "templates", Description: "List theme template files", Handler: listTemplates},
		{Name: "wp_read_template", Module: "templates", Description: "Read a theme template file", Handler: readTemplate},
		{Name: "wp_update_template", Module: "templates", Description: "Update a theme template file with backup", Handler: updateTemplate},
	}
}

func listTemplates(ctx context.Context, wp wordpress.Downstream, _ map[string]any) (any, error) {
	res, err := wp.Get(ctx, "mcp/templates", nil)
	if err != nil {
		return nil, err
	}

	templates, err := asList(res)
	if err != nil {
		return nil, err
	}

	organized := map[string][]string{
		"parent_theme":   {},
		"child_theme":    {},
		"template_parts": {},
	}

	for _, t := range templates {
		path := str(t, "path")

		switch str(t, "type") {
		case "parent":
			organized["parent_theme"] = append(organized["parent_theme"], path)
		case "child":
			organized["child_theme"] = append(organized["child_theme"], path)
		case "part":
			organized["template_parts"] = append(organized["template_parts"], path)
		}
	}

	return organized, nil
}

func readTemplate(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	path, err := requiredString(args, "template_path")
	if err != nil {
		return nil, err
	}

	res, err := wp.Post(ctx, "mcp/templates/read", map[string]any{"path": path})
	if err != nil {
		return nil, err
	}

	t, err := asMap(res)
	if err != nil {
		return nil, err
	}

	content := str(t, "content")

	return map[string]any{
		"path":     t["path"],
		"content":  content,
		"writable": t["writable"],
		"length":   utf8.RuneCountInString(content),
		"preview":  clip(content, templatePreviewLength),
	}, nil
}

func updateTemplate(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	path, err := requiredString(args, "template_path")
	if err != nil {
		return nil, err
	}

	content, err := requiredString(args, "content")
	if err != nil {
		return nil, err
	}

	res, err := wp.Post(ctx, "mcp/templates/update", map[string]any{"path": path, "content": content})
	if err != nil {
		return nil, err
	}

	t, err := asMap(res)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success":        orDefault(t["success"], false),
		"message":        t["message"],
		"backup_created": str(t, "backup_path"),
		"template_path":  path,
	}, nil
}
