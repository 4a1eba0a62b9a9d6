package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data into a Message.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the
// message content. This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw JSON-RPC bytes and wraps them in a Message struct
// with the current timestamp.
func WrapMessage(raw []byte) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       raw,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// jsonRPCResult is the wire shape of a JSON-RPC success response. The raw id
// is carried as json.RawMessage so the caller's id survives byte-for-byte
// (number, string, or fractional forms are all preserved).
type jsonRPCResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

// jsonRPCError is the wire shape of a JSON-RPC error response.
type jsonRPCError struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id,omitempty"`
	Error   jsonRPCErrorDetail `json:"error"`
}

type jsonRPCErrorDetail struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// NewResultResponse builds a JSON-RPC success response carrying result,
// echoing the raw request id.
func NewResultResponse(rawID json.RawMessage, result interface{}) ([]byte, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}

	resp := jsonRPCResult{
		JSONRPC: "2.0",
		ID:      rawID,
		Result:  resultJSON,
	}
	return json.Marshal(resp)
}

// NewErrorResponse builds a JSON-RPC error response, echoing the raw
// request id.
func NewErrorResponse(rawID json.RawMessage, code int64, message string) []byte {
	resp := jsonRPCError{
		JSONRPC: "2.0",
		ID:      rawID,
		Error: jsonRPCErrorDetail{
			Code:    code,
			Message: message,
		},
	}
	raw, _ := json.Marshal(resp)
	return raw
}

// NewNotification builds a JSON-RPC notification (no id).
func NewNotification(method string, params interface{}) ([]byte, error) {
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		body["params"] = params
	}
	return json.Marshal(body)
}
