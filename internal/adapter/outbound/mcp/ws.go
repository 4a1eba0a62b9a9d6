package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpgate/mcpgate/internal/port/outbound"
)

// Compile-time check that WSTransport implements the outbound port.
var _ outbound.Transport = (*WSTransport)(nil)

// wsWriteTimeout bounds a single frame write.
const wsWriteTimeout = 10 * time.Second

// WSTransport connects to an MCP server over a single WebSocket that frames
// JSON-RPC messages both ways. Like the other transports it presents the
// connection as a newline-delimited stream pair.
type WSTransport struct {
	endpoint string
	headers  map[string]string
	dialer   *websocket.Dialer

	mu      sync.Mutex
	started bool
	conn    *websocket.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup

	requestPipeReader  *io.PipeReader
	requestPipeWriter  *io.PipeWriter
	responsePipeReader *io.PipeReader
	responsePipeWriter *io.PipeWriter

	done chan struct{}
}

// WSOption configures a WSTransport.
type WSOption func(*WSTransport)

// WithWSHeaders sets extra headers sent with the upgrade request.
func WithWSHeaders(headers map[string]string) WSOption {
	return func(t *WSTransport) {
		t.headers = headers
	}
}

// WithWSDialer sets a custom dialer.
func WithWSDialer(dialer *websocket.Dialer) WSOption {
	return func(t *WSTransport) {
		t.dialer = dialer
	}
}

// NewWSTransport creates a transport for the given ws:// or wss:// endpoint.
func NewWSTransport(endpoint string, opts ...WSOption) *WSTransport {
	t := &WSTransport{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start dials the endpoint and begins pumping frames in both directions.
// ctx bounds the dial only; the connection outlives the request that created
// it and stays up until Close.
func (t *WSTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil, nil, errors.New("transport already started")
	}

	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("dial %s: status %d: %w", t.endpoint, resp.StatusCode, err)
		}
		return nil, nil, fmt.Errorf("dial %s: %w", t.endpoint, err)
	}

	t.started = true
	t.conn = conn

	var runCtx context.Context
	runCtx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))

	t.requestPipeReader, t.requestPipeWriter = io.Pipe()
	t.responsePipeReader, t.responsePipeWriter = io.Pipe()

	t.wg.Add(2)
	go t.writeLoop(runCtx)
	go t.readLoop()

	return t.requestPipeWriter, t.responsePipeReader, nil
}

// writeLoop reads newline-delimited messages from the request pipe and sends
// each as one text frame.
func (t *WSTransport) writeLoop(ctx context.Context) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.requestPipeReader)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

// readLoop relays incoming frames onto the response pipe, one line each.
func (t *WSTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.done)
	defer func() { _ = t.responsePipeWriter.Close() }()

	for {
		msgType, raw, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(raw) == 0 {
			continue
		}
		if _, err := t.responsePipeWriter.Write(append(raw, '\n')); err != nil {
			return
		}
	}
}

// Wait blocks until the connection ends.
func (t *WSTransport) Wait() error {
	<-t.done
	return nil
}

// Close sends a close frame, tears down the connection, and closes the
// pipes.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	cancel := t.cancel
	reqW, reqR := t.requestPipeWriter, t.requestPipeReader
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if reqW != nil {
		_ = reqW.Close()
	}
	if reqR != nil {
		_ = reqR.Close()
	}

	var errs []error
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	waited := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		errs = append(errs, errors.New("timeout waiting for pump goroutines"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.responsePipeReader != nil {
		_ = t.responsePipeReader.Close()
	}
	return errors.Join(errs...)
}
