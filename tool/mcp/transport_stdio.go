package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

const (
	stderrTailBytes = 2048
	maxLineBytes    = 8 << 20
)

// StdioTransportConfig names the server executable and its environment.
type StdioTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// StdioTransport speaks newline-delimited JSON-RPC over a child process's
// stdin and stdout. Stderr is kept as a short tail for error messages.
type StdioTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	msgs    chan Message
	quit    chan struct{}
	stopped chan struct{}
	stderr  *tailBuffer

	// endErr is written once before msgs is closed.
	endErr error

	closeOnce sync.Once
}

// NewStdioTransport starts the server process. The process lives until
// Close; ctx only bounds startup.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// #nosec G204 -- the command comes from operator configuration.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(cfg.Env)...)
	}
	t := &StdioTransport{
		cmd:     cmd,
		msgs:    make(chan Message),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		stderr:  &tailBuffer{},
	}
	cmd.Stderr = t.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: starting %s: %w", cfg.Command, err)
	}
	t.stdin = stdin

	go t.pump(stdout)
	return t, nil
}

// pump decodes stdout line by line, then reaps the process once stdout
// closes.
func (t *StdioTransport) pump(stdout io.Reader) {
	defer close(t.stopped)
	defer close(t.msgs)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	var readErr error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			readErr = fmt.Errorf("mcp: stdio decode: %w", err)
			break
		}
		select {
		case t.msgs <- msg:
		case <-t.quit:
			_ = t.cmd.Wait()
			t.endErr = ErrClosed
			return
		}
	}
	if readErr == nil {
		readErr = scanner.Err()
	}
	if readErr != nil {
		_ = t.cmd.Process.Kill()
	}

	waitErr := t.cmd.Wait()
	select {
	case <-t.quit:
		t.endErr = ErrClosed
		return
	default:
	}
	switch {
	case readErr != nil:
		t.endErr = readErr
	case waitErr != nil:
		t.endErr = fmt.Errorf("mcp: stdio process exited: %w%s", waitErr, t.stderr.suffix())
	default:
		t.endErr = fmt.Errorf("mcp: stdio process exited%s", t.stderr.suffix())
	}
}

// Send writes one message as a single line.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode: %w", err)
	}
	data = append(data, '\n')

	select {
	case <-t.quit:
		return ErrClosed
	case <-t.stopped:
		return t.endErr
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("mcp: stdio write: %w", err)
	}
	return nil
}

// Receive returns the next message, or the reason the process went away.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-t.msgs:
		if !ok {
			<-t.stopped
			return Message{}, t.endErr
		}
		return msg, nil
	}
}

// Close closes stdin, kills the process and waits for it to be reaped.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		close(t.quit)
		_ = t.stdin.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	})
	select {
	case <-t.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// tailBuffer keeps the last stderrTailBytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if extra := len(b.buf) - stderrTailBytes; extra > 0 {
		b.buf = b.buf[extra:]
	}
	return len(p), nil
}

// suffix formats the tail for appending to an error message.
func (b *tailBuffer) suffix() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tail := strings.TrimSpace(string(b.buf))
	if tail == "" {
		return ""
	}
	return ": " + tail
}
