package mcp

import "encoding/json"

// ContentBlock is one element of a tools/call result's content array.
// The proxy treats blocks as opaque: the raw JSON is preserved verbatim so
// text, image, and any future block types survive the round trip unchanged.
type ContentBlock struct {
	raw json.RawMessage
}

// NewTextContent builds a text content block.
func NewTextContent(text string) ContentBlock {
	raw, _ := json.Marshal(map[string]string{
		"type": "text",
		"text": text,
	})
	return ContentBlock{raw: raw}
}

// Type returns the block's "type" field, or "" if absent.
func (c ContentBlock) Type() string {
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(c.raw, &probe)
	return probe.Type
}

// Raw returns the block's verbatim JSON.
func (c ContentBlock) Raw() json.RawMessage {
	return c.raw
}

// MarshalJSON emits the block's original bytes unchanged.
func (c ContentBlock) MarshalJSON() ([]byte, error) {
	if c.raw == nil {
		return []byte("null"), nil
	}
	return c.raw, nil
}

// UnmarshalJSON stores the block's bytes verbatim.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

// CallToolParams is the params object of a tools/call request.
// Arguments stays raw JSON end to end: the proxy never re-types the
// caller's argument object.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result object of a tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Tool describes one tool in a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the result object of a tools/list response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// InitializeResult is the result object of an initialize response.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// Capabilities advertises the proxy's capabilities during initialize.
type Capabilities struct {
	Tools ToolCapabilities `json:"tools"`
}

// ToolCapabilities advertises tool-related capabilities.
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged"`
}

// ServerInfo identifies an MCP implementation in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
