package tools

import (
	"context"
	"sort"
)

// Tool defines the interface for all agent capabilities.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, input string) (string, error)
}

// Registry manages the set of available tools.
type Registry struct {
	Tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		Tools: make(map[string]Tool),
	}
}

func (r *Registry) Register(t Tool) {
	r.Tools[t.Name()] = t
}

func (r *Registry) Get(name string) Tool {
	return r.Tools[name]
}

// Subset returns a registry holding only the named tools that exist.
func (r *Registry) Subset(names ...string) *Registry {
	out := NewRegistry()
	for _, n := range names {
		if t, ok := r.Tools[n]; ok {
			out.Register(t)
		}
	}
	return out
}

// List returns the tools ordered by name.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.Tools))
	for _, t := range r.Tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
