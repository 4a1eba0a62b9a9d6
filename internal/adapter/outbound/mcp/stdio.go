package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/port/outbound"
)

// Compile-time check that StdioTransport implements the outbound port.
var _ outbound.Transport = (*StdioTransport)(nil)

// StdioTransport connects to an MCP server by spawning it as a subprocess.
// Stdin/stdout carry newline-delimited JSON-RPC; stderr is siphoned to the
// proxy log under the service name.
type StdioTransport struct {
	service string
	command string
	args    []string
	env     map[string]string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	waitErr error
	exited  chan struct{}
}

// closeGrace is how long Close waits for the child to exit after stdin
// closes before force-killing it.
const closeGrace = 3 * time.Second

// NewStdioTransport creates a transport for the given command. env carries
// the injected credentials; how they reach the child depends on whether the
// command launches a container (see buildCommandLine).
func NewStdioTransport(service, command string, args []string, env map[string]string, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		service: service,
		command: command,
		args:    args,
		env:     env,
		logger:  logger,
	}
}

// buildCommandLine decides how credentials reach the child process. When the
// first two tokens are "docker run", the child's environment does not cross
// the container boundary, so each credential is spliced in as "-e KEY=VALUE"
// immediately after "run". Otherwise the credentials go into the process
// environment and the argv is unchanged.
//
// Keys are sorted so the spawned command line is deterministic.
func buildCommandLine(command string, args []string, env map[string]string) (string, []string, []string) {
	// Catalogs may put the whole command line in the command field.
	if tokens := strings.Fields(command); len(tokens) > 1 {
		command = tokens[0]
		args = append(tokens[1:], args...)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if command == "docker" && len(args) > 0 && args[0] == "run" {
		spliced := make([]string, 0, len(args)+2*len(env))
		spliced = append(spliced, args[0])
		for _, k := range keys {
			spliced = append(spliced, "-e", fmt.Sprintf("%s=%s", k, env[k]))
		}
		spliced = append(spliced, args[1:]...)
		return command, spliced, nil
	}

	extraEnv := make([]string, 0, len(env))
	for _, k := range keys {
		extraEnv = append(extraEnv, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return command, args, extraEnv
}

// Start spawns the subprocess and returns its stdin and stdout pipes. The
// child's lifetime is not bound to ctx: upstream sessions outlive the request
// that created them, so the child runs until Close.
func (t *StdioTransport) Start(_ context.Context) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil, nil, errors.New("transport already started")
	}

	command, args, extraEnv := buildCommandLine(t.command, t.args, t.env)

	cmd := exec.Command(command, args...)
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("start %q: %w", command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.exited = make(chan struct{})

	go t.siphonStderr(stderr)
	go func() {
		err := cmd.Wait()
		t.mu.Lock()
		t.waitErr = err
		t.mu.Unlock()
		close(t.exited)
	}()

	return stdin, stdout, nil
}

// siphonStderr forwards the child's stderr lines to the proxy log, prefixed
// with the service name. MCP allows servers to log freely on stderr.
func (t *StdioTransport) siphonStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Info("upstream stderr", "service", t.service, "line", scanner.Text())
	}
}

// Wait blocks until the subprocess exits.
func (t *StdioTransport) Wait() error {
	t.mu.Lock()
	exited := t.exited
	t.mu.Unlock()

	if exited == nil {
		return errors.New("transport not started")
	}
	<-exited

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitErr
}

// Close closes stdin to signal EOF, gives the child a short grace period to
// exit, then kills it.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	var errs []error

	if t.stdin != nil {
		if err := t.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
		t.stdin = nil
	}

	cmd := t.cmd
	exited := t.exited
	t.cmd = nil
	t.mu.Unlock()

	if cmd != nil && exited != nil {
		select {
		case <-exited:
		case <-time.After(closeGrace):
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					errs = append(errs, fmt.Errorf("kill process: %w", err))
				}
			}
			<-exited
		}
	}

	t.mu.Lock()
	if t.stdout != nil {
		if err := t.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdout: %w", err))
		}
		t.stdout = nil
	}
	t.mu.Unlock()

	return errors.Join(errs...)
}
