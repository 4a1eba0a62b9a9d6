package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/port/outbound"
)

// Compile-time check that HTTPStreamTransport implements the outbound port.
var _ outbound.Transport = (*HTTPStreamTransport)(nil)

// maxResponseBodySize caps a single upstream response body.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// HTTPStreamTransport connects to an MCP server over Streamable HTTP: each
// request is an HTTP POST whose response body is either a plain JSON message
// or an SSE-framed stream of messages. The transport bridges that exchange
// onto the newline-delimited stream pair the client expects.
type HTTPStreamTransport struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client

	mu        sync.Mutex
	started   bool
	sessionID string // Mcp-Session-Id assigned by the server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	requestPipeReader  *io.PipeReader
	requestPipeWriter  *io.PipeWriter
	responsePipeReader *io.PipeReader
	responsePipeWriter *io.PipeWriter

	done chan struct{}
}

// HTTPOption configures an HTTPStreamTransport.
type HTTPOption func(*HTTPStreamTransport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPStreamTransport) {
		t.httpClient = client
	}
}

// WithHeaders sets extra headers sent with every upstream request.
func WithHeaders(headers map[string]string) HTTPOption {
	return func(t *HTTPStreamTransport) {
		t.headers = headers
	}
}

// NewHTTPStreamTransport creates a transport for the given endpoint URL.
func NewHTTPStreamTransport(endpoint string, opts ...HTTPOption) *HTTPStreamTransport {
	t := &HTTPStreamTransport{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start creates the pipe pair and begins forwarding requests. The forward
// loop is not bound to ctx: upstream sessions outlive the request that
// created them, so only Close ends it.
func (t *HTTPStreamTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil, nil, errors.New("transport already started")
	}
	t.started = true

	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.requestPipeReader, t.requestPipeWriter = io.Pipe()
	t.responsePipeReader, t.responsePipeWriter = io.Pipe()

	t.wg.Add(1)
	go t.forwardLoop()

	return t.requestPipeWriter, t.responsePipeReader, nil
}

// forwardLoop reads newline-delimited messages from the request pipe and
// POSTs each to the endpoint, writing whatever messages come back onto the
// response pipe.
func (t *HTTPStreamTransport) forwardLoop() {
	defer t.wg.Done()
	defer close(t.done)
	defer func() { _ = t.responsePipeWriter.Close() }()

	scanner := bufio.NewScanner(t.requestPipeReader)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		if t.ctx.Err() != nil {
			return
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if err := t.exchange(raw); err != nil {
			if errors.Is(err, io.ErrClosedPipe) || t.ctx.Err() != nil {
				return
			}
			// Surface the failure as a closed stream: the client fails its
			// in-flight calls and the session manager recreates the session.
			return
		}
	}
}

// exchange POSTs one message and writes all resulting messages to the
// response pipe.
func (t *HTTPStreamTransport) exchange(raw []byte) error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	// 202 Accepted acknowledges a notification; there is no body to relay.
	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return t.relaySSE(resp.Body)
	}
	return t.relayJSON(resp.Body)
}

// relayJSON writes a plain JSON response body as one line.
func (t *HTTPStreamTransport) relayJSON(body io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	raw = bytes.TrimRight(raw, "\n")
	if len(raw) == 0 {
		return nil
	}
	return t.writeLine(raw)
}

// relaySSE parses an SSE-framed body and writes each event's data payload as
// one line. Multi-line data fields are joined per the SSE format; comment
// and event-name lines are ignored.
func (t *HTTPStreamTransport) relaySSE(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	var data []string
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = nil
		return t.writeLine([]byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// "event:", "id:", retry fields and ":" comments carry no payload.
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}

// writeLine writes one message plus the newline delimiter.
func (t *HTTPStreamTransport) writeLine(raw []byte) error {
	if _, err := t.responsePipeWriter.Write(raw); err != nil {
		return err
	}
	_, err := t.responsePipeWriter.Write([]byte("\n"))
	return err
}

// Wait blocks until the forward loop ends.
func (t *HTTPStreamTransport) Wait() error {
	<-t.done
	return nil
}

// Close cancels in-flight requests and closes both pipes.
func (t *HTTPStreamTransport) Close() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
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

	waited := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		return errors.New("timeout waiting for forward loop")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.responsePipeReader != nil {
		_ = t.responsePipeReader.Close()
	}
	return nil
}
