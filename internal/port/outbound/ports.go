// Package outbound defines the outbound port interfaces for upstream MCP
// connections.
package outbound

import (
	"context"
	"io"
)

// Transport is the outbound port for one upstream MCP connection. Adapters
// implement it per transport kind (stdio subprocess, streamable HTTP,
// websocket), always presenting the connection as a newline-delimited
// JSON-RPC stream pair.
type Transport interface {
	// Start establishes the upstream connection. Returns the write side
	// (for sending) and the read side (for receiving). ctx bounds
	// establishment only; the connection stays up until Close.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Wait blocks until the upstream process/connection terminates.
	Wait() error

	// Close terminates the connection and releases resources.
	Close() error
}
