package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/jsonrpc"
)

const (
	// stderrTailSize bounds the retained tail of child stderr used in
	// failure messages.
	stderrTailSize = 20

	// maxLineSize bounds a single JSON-RPC line from the child. Tool
	// catalogs with large schemas can run to megabytes.
	maxLineSize = 10 * 1024 * 1024
)

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

// Transport owns one line-oriented stdio pipe to a running child.
// Writes are serialized so framing cannot interleave; a dedicated
// reader demultiplexes responses by id through the pending table.
type Transport struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult

	// done is closed once the child exited and both readers drained.
	done    chan struct{}
	closing atomic.Bool
	onExit  func(err error)

	stderrMu   sync.Mutex
	stderrTail []string
}

// StartTransport spawns the child with the given argv and environment
// and begins reading its stdout and stderr. onExit fires when the child
// exits without Close having been called.
func StartTransport(name string, argv, env []string, logger *zap.Logger, onExit func(err error)) (*Transport, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("provider %s: empty command", name)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	t := &Transport{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger,
		pending: make(map[string]chan callResult),
		done:    make(chan struct{}),
		onExit:  onExit,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go t.readResponses(stdout, &readers)
	go t.readStderr(stderr, &readers)
	go t.waitExit(&readers)

	return t, nil
}

// Call writes the request and blocks until the matching response
// arrives, the context ends, or the child dies. The pending entry is
// inserted before the write so a fast response cannot be lost.
func (t *Transport) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	key := jsonrpc.NormalizeID(req.ID)

	ch := make(chan callResult, 1)
	t.pendingMu.Lock()
	if _, exists := t.pending[key]; exists {
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("id %q: %w", key, ErrDuplicateID)
	}
	t.pending[key] = ch
	t.pendingMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		t.removePending(key)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	t.writeMu.Lock()
	_, err = t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		t.removePending(key)
		return nil, fmt.Errorf("failed to write to %s: %w", t.name, ErrProviderDied)
	}

	select {
	case result := <-ch:
		return result.resp, result.err
	case <-ctx.Done():
		t.removePending(key)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("request %q to %s: %w", key, t.name, ErrCallTimeout)
		}
		return nil, ctx.Err()
	case <-t.done:
		t.removePending(key)
		return nil, ErrProviderDied
	}
}

// Alive reports whether the child process is still running.
func (t *Transport) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// PID returns the child process id, or 0 when unknown.
func (t *Transport) PID() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// StderrTail returns the most recent stderr lines from the child.
func (t *Transport) StderrTail() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	return strings.Join(t.stderrTail, "\n")
}

// Close terminates the child: SIGTERM, a bounded wait, then SIGKILL.
// It returns once the process has exited and the readers drained.
func (t *Transport) Close(termTimeout time.Duration) error {
	t.closing.Store(true)

	// Closing stdin lets well-behaved children exit on their own.
	t.writeMu.Lock()
	_ = t.stdin.Close()
	t.writeMu.Unlock()

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(termTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return nil
	case <-timer.C:
		t.logger.Warn("child did not exit after SIGTERM, killing",
			zap.String("server", t.name))
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	}

	<-t.done
	return nil
}

func (t *Transport) readResponses(stdout io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn("discarding non-JSON line from child",
				zap.String("server", t.name),
				zap.String("line", truncateLine(string(line), 200)))
			continue
		}
		t.deliver(&resp)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("stdout read failed",
			zap.String("server", t.name), zap.Error(err))
	}
}

// deliver routes a response to its pending sink. A response whose id is
// unknown is skipped with a warning; it is never handed to an unrelated
// caller.
func (t *Transport) deliver(resp *jsonrpc.Response) {
	key := jsonrpc.NormalizeID(resp.ID)

	t.pendingMu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.pendingMu.Unlock()

	if !ok {
		t.logger.Warn("skipping response with unknown id",
			zap.String("server", t.name),
			zap.String("id", key))
		return
	}
	ch <- callResult{resp: resp}
}

func (t *Transport) readStderr(stderr io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		t.stderrMu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > stderrTailSize {
			t.stderrTail = t.stderrTail[len(t.stderrTail)-stderrTailSize:]
		}
		t.stderrMu.Unlock()

		t.logger.Debug("child stderr",
			zap.String("server", t.name),
			zap.String("line", line))
	}
}

// waitExit reaps the child once both readers hit EOF, fails every
// pending call, and notifies the supervisor unless Close initiated the
// shutdown.
func (t *Transport) waitExit(readers *sync.WaitGroup) {
	readers.Wait()
	exitErr := t.cmd.Wait()

	t.failPending(ErrProviderDied)
	close(t.done)

	if !t.closing.Load() && t.onExit != nil {
		t.onExit(exitErr)
	}
}

func (t *Transport) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for key, ch := range t.pending {
		ch <- callResult{err: err}
		delete(t.pending, key)
	}
}

func (t *Transport) removePending(key string) {
	t.pendingMu.Lock()
	delete(t.pending, key)
	t.pendingMu.Unlock()
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
