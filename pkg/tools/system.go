package tools

import (
	"context"

	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

func systemTools() []Tool {
	return []Tool{
		{Name: "wp_get_system_info", Module: "system", Description: "Get WordPress, PHP and server information", Handler: getSystemInfo},
		{Name: "wp_get_plugins", Module: "system", Description: "List installed plugins", Handler: getPlugins},
		{Name: "wp_get_themes", Module: "system", Description: "List installed themes", Handler: getThemes},
	}
}

func getSystemInfo(ctx context.Context, wp wordpress.Downstream, _ map[string]any) (any, error) {
	res, err := wp.Get(ctx, "mcp/system/info", nil)
	if err != nil {
		return nil, err
	}

	info, err := asMap(res)
	if err != nil {
		return nil, err
	}

	section := func(name string) map[string]any {
		m, _ := info[name].(map[string]any)
		if m == nil {
			m = map[string]any{}
		}

		return m
	}

	wpInfo := section("wordpress")
	php := section("php")

	out := map[string]any{
		"wordpress": map[string]any{
			"version":      wpInfo["version"],
			"site_url":     wpInfo["site_url"],
			"active_theme": wpInfo["active_theme"],
			"is_multisite": wpInfo["is_multisite"],
		},
		"php": map[string]any{
			"version":            php["version"],
			"memory_limit":       php["memory_limit"],
			"max_execution_time": php["max_execution_time"],
		},
		"server": info["server"],
	}

	if wc, ok := info["woocommerce"]; ok {
		out["woocommerce"] = wc
	}

	return out, nil
}

func getPlugins(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error) {
	status, err := stringArg(args, "status", "active")
	if err != nil {
		return nil, err
	}

	res, err := wp.Get(ctx, "plugins", nil)
	if err != nil {
		return nil, err
	}

	plugins, err := asList(res)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(plugins))

	for _, p := range plugins {
		if status != "all" && str(p, "status") != status {
			continue
		}

		out = append(out, map[string]any{
			"name":    p["name"],
			"slug":    p["plugin"],
			"version": p["version"],
			"status":  p["status"],
			"author":  p["author"],
		})
	}

	return out, nil
}

func getThemes(ctx context.Context, wp wordpress.Downstream, _ map[string]any) (any, error) {
	res, err := wp.Get(ctx, "themes", nil)
	if err != nil {
		return nil, err
	}

	themes, err := asList(res)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(themes))

	for _, t := range themes {
		author := rendered(t, "author")
		if author == "" {
			author = "Unknown"
		}

		out = append(out, map[string]any{
			"name":    rendered(t, "name"),
			"slug":    t["stylesheet"],
			"version": t["version"],
			"status":  t["status"],
			"author":  author,
		})
	}

	return out, nil
}
