// Package registry maintains the namespaced tool catalog exposed to agents.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/pkg/mcp"
)

// ResolvedTool is the concrete (service, tool) pair behind a namespaced name.
type ResolvedTool struct {
	Service *config.ServiceDefinition
	Tool    *config.ToolDefinition
}

// Registry resolves the agent-facing "service.tool" namespace against the
// live catalog. The catalog reference is swapped atomically on reload;
// readers always see a consistent document.
type Registry struct {
	mu      sync.RWMutex
	catalog *config.Catalog
}

// New creates a registry over the given catalog.
func New(catalog *config.Catalog) *Registry {
	if catalog == nil {
		catalog = &config.Catalog{}
	}
	return &Registry{catalog: catalog}
}

// Swap replaces the catalog. Returns the previous document so the session
// manager can diff it for eviction.
func (r *Registry) Swap(catalog *config.Catalog) *config.Catalog {
	if catalog == nil {
		catalog = &config.Catalog{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.catalog
	r.catalog = catalog
	return old
}

// Catalog returns the current catalog document.
func (r *Registry) Catalog() *config.Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// List returns the namespaced tool list. A tool is listed iff its service is
// enabled and the tool itself is enabled. The exposed name is
// "service.tool"; the description is prefixed with the service display name;
// the input schema passes through verbatim.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	catalog := r.catalog
	r.mu.RUnlock()

	var tools []mcp.Tool
	for i := range catalog.Services {
		svc := &catalog.Services[i]
		if !svc.Enabled {
			continue
		}
		display := svc.DisplayName
		if display == "" {
			display = svc.Name
		}
		for j := range svc.Tools {
			tool := &svc.Tools[j]
			if !tool.Enabled {
				continue
			}
			entry := mcp.Tool{
				Name:        Namespaced(svc.Name, tool.Name),
				Description: fmt.Sprintf("[%s] %s", display, tool.Description),
				InputSchema: tool.InputSchemaJSON(),
			}
			tools = append(tools, entry)
		}
	}
	return tools
}

// Resolve maps a namespaced name back to its (service, tool) pair. Unknown
// services, disabled services, and disabled tools all resolve to nil. The
// name splits on the first '.' only, so tool names may themselves contain
// dots.
func (r *Registry) Resolve(namespaced string) *ResolvedTool {
	serviceName, toolName, ok := strings.Cut(namespaced, ".")
	if !ok || serviceName == "" || toolName == "" {
		return nil
	}

	r.mu.RLock()
	catalog := r.catalog
	r.mu.RUnlock()

	svc := catalog.Service(serviceName)
	if svc == nil || !svc.Enabled {
		return nil
	}
	for i := range svc.Tools {
		tool := &svc.Tools[i]
		if tool.Name == toolName {
			if !tool.Enabled {
				return nil
			}
			return &ResolvedTool{Service: svc, Tool: tool}
		}
	}
	return nil
}

// Namespaced joins a service and tool name into the agent-facing form.
func Namespaced(service, tool string) string {
	return service + "." + tool
}
