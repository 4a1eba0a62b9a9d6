package registry

import (
	"strings"
	"testing"

	"github.com/mcpgate/mcpgate/internal/config"
)

func testCatalog() *config.Catalog {
	return &config.Catalog{
		Services: []config.ServiceDefinition{
			{
				Name:        "github",
				DisplayName: "GitHub",
				Transport:   config.TransportStdio,
				Command:     "github-mcp",
				Enabled:     true,
				Tools: []config.ToolDefinition{
					{Name: "create_issue", Description: "Create an issue", Enabled: true,
						InputSchema: map[string]interface{}{"type": "object"}},
					{Name: "delete_repo", Description: "Delete a repository", Enabled: false},
				},
			},
			{
				Name:      "jira",
				Transport: config.TransportHTTPStream,
				Endpoint:  "http://jira-mcp:8080/mcp",
				Enabled:   false,
				Tools: []config.ToolDefinition{
					{Name: "search", Description: "Search issues", Enabled: true},
				},
			},
			{
				Name:        "files",
				DisplayName: "File Server",
				Transport:   config.TransportStdio,
				Command:     "file-mcp",
				Enabled:     true,
				Tools: []config.ToolDefinition{
					{Name: "fs.read", Description: "Read a file", Enabled: true},
				},
			},
		},
	}
}

func TestListFiltersDisabled(t *testing.T) {
	t.Parallel()

	r := New(testCatalog())
	tools := r.List()

	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}

	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		names[tool.Name] = true
	}
	if !names["github.create_issue"] {
		t.Error("expected github.create_issue to be listed")
	}
	if !names["files.fs.read"] {
		t.Error("expected files.fs.read to be listed")
	}
	if names["github.delete_repo"] {
		t.Error("disabled tool must not be listed")
	}
	if names["jira.search"] {
		t.Error("tool of disabled service must not be listed")
	}
}

func TestListDescriptionPrefix(t *testing.T) {
	t.Parallel()

	r := New(testCatalog())
	for _, tool := range r.List() {
		if tool.Name == "github.create_issue" {
			if !strings.HasPrefix(tool.Description, "[GitHub] ") {
				t.Errorf("description = %q, want display-name prefix", tool.Description)
			}
			if string(tool.InputSchema) != `{"type":"object"}` {
				t.Errorf("schema = %s, want verbatim pass-through", tool.InputSchema)
			}
			return
		}
	}
	t.Fatal("github.create_issue not listed")
}

func TestResolve(t *testing.T) {
	t.Parallel()

	r := New(testCatalog())

	tests := []struct {
		name    string
		input   string
		service string
		tool    string
	}{
		{"enabled tool", "github.create_issue", "github", "create_issue"},
		{"dot in tool name", "files.fs.read", "files", "fs.read"},
		{"disabled tool", "github.delete_repo", "", ""},
		{"disabled service", "jira.search", "", ""},
		{"unknown service", "ghost.tool", "", ""},
		{"unknown tool", "github.nope", "", ""},
		{"no separator", "github", "", ""},
		{"empty service", ".tool", "", ""},
		{"empty tool", "github.", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := r.Resolve(tt.input)
			if tt.service == "" {
				if got != nil {
					t.Fatalf("Resolve(%q) = %v, want nil", tt.input, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Resolve(%q) = nil, want %s/%s", tt.input, tt.service, tt.tool)
			}
			if got.Service.Name != tt.service || got.Tool.Name != tt.tool {
				t.Errorf("Resolve(%q) = %s/%s, want %s/%s",
					tt.input, got.Service.Name, got.Tool.Name, tt.service, tt.tool)
			}
		})
	}
}

func TestSwapReplacesCatalog(t *testing.T) {
	t.Parallel()

	r := New(testCatalog())
	old := r.Swap(&config.Catalog{})

	if old == nil || len(old.Services) != 3 {
		t.Fatal("Swap should return the previous catalog")
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("after swap to empty catalog, List() returned %d tools", len(got))
	}
	if r.Resolve("github.create_issue") != nil {
		t.Error("after swap, previously listed tool should not resolve")
	}
}
