package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

// Handler executes a tool against the downstream API with validated arguments.
type Handler func(ctx context.Context, wp wordpress.Downstream, args map[string]any) (any, error)

// Tool is a named operation.
type Tool struct {
	Name        string
	Module      string
	Description string
	Handler     Handler
}

// Registry maps exact tool names to tools.
type Registry struct {
	log logrus.FieldLogger

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry(log logrus.FieldLogger) *Registry {
	return &Registry{
		log:   log.WithField("component", "tools"),
		tools: make(map[string]Tool, 32),
	}
}

// Register adds tools, replacing any with the same name.
func (r *Registry) Register(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		r.tools[t.Name] = t
	}
}

// Lookup returns the tool with the given name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]

	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// Core returns the WordPress tools that are always available.
func Core() []Tool {
	var out []Tool

	out = append(out, postTools()...)
	out = append(out, pageTools()...)
	out = append(out, mediaTools()...)
	out = append(out, templateTools()...)
	out = append(out, systemTools()...)

	return out
}

// WooCommerceAvailable probes the WooCommerce system status endpoint.
func WooCommerceAvailable(ctx context.Context, wp wordpress.Downstream) bool {
	_, err := wp.Get(ctx, "wc/system_status", nil)

	return err == nil
}

// RegisterAll registers the core tools, and the WooCommerce tools when the site has it.
func (r *Registry) RegisterAll(ctx context.Context, wp wordpress.Downstream) {
	r.Register(Core()...)

	if WooCommerceAvailable(ctx, wp) {
		r.Register(WooCommerce()...)
		r.log.Info("WooCommerce detected, commerce tools enabled")
	} else {
		r.log.Info("WooCommerce not detected, commerce tools disabled")
	}

	r.log.WithField("tools", r.Len()).Info("Tool registry ready")
}
