package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"confab/internal/flowctl"
)

type fakePty struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
}

func newFakePty() *fakePty {
	reader, writer := io.Pipe()
	return &fakePty{reader: reader, writer: writer}
}

func (p *fakePty) Read(data []byte) (int, error) {
	return p.reader.Read(data)
}

func (p *fakePty) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(data)
}

func (p *fakePty) Close() error {
	_ = p.reader.Close()
	return p.writer.Close()
}

func (p *fakePty) Resize(cols, rows uint16) error {
	return nil
}

func (p *fakePty) childOutput(t *testing.T, text string) {
	t.Helper()
	if _, err := p.writer.Write([]byte(text)); err != nil {
		t.Fatalf("child output: %v", err)
	}
}

func (p *fakePty) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type fakeFactory struct {
	pty *fakePty
}

func (f *fakeFactory) Start(command string, args ...string) (Pty, *exec.Cmd, error) {
	return f.pty, nil, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(data)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func startTestBridge(t *testing.T, opts Options) (*Bridge, *fakePty, context.CancelFunc) {
	t.Helper()
	pty := newFakePty()
	opts.Factory = &fakeFactory{pty: pty}
	if opts.Flow == nil {
		opts.Flow = flowctl.New(flowctl.Tuning{})
	}
	if opts.Stdout == nil {
		opts.Stdout = &syncBuffer{}
	}

	b, err := New(opts)
	if err != nil {
		t.Fatalf("bridge setup: %v", err)
	}
	if err := b.Start("/bin/agent"); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
	})
	return b, pty, cancel
}

func TestOutputPassesThroughUnmodified(t *testing.T) {
	stdout := &syncBuffer{}
	var mirrored syncBuffer
	_, pty, _ := startTestBridge(t, Options{
		Stdout: stdout,
		OnOutput: func(chunk []byte) {
			_, _ = mirrored.Write(chunk)
		},
	})

	raw := "\x1b[1mbold prompt\x1b[0m > "
	pty.childOutput(t, raw)

	waitFor(t, 2*time.Second, func() bool {
		return stdout.String() == raw
	})
	waitFor(t, 2*time.Second, func() bool {
		return mirrored.String() == raw
	})
}

func TestInputForwardedToChild(t *testing.T) {
	stdinReader, stdinWriter := io.Pipe()
	_, pty, _ := startTestBridge(t, Options{Stdin: stdinReader})

	if _, err := stdinWriter.Write([]byte("ls -la\r")); err != nil {
		t.Fatalf("stdin write: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return pty.writtenString() == "ls -la\r"
	})
}

func TestInputInterceptorCanConsume(t *testing.T) {
	stdinReader, stdinWriter := io.Pipe()
	var intercepted syncBuffer
	_, pty, _ := startTestBridge(t, Options{
		Stdin: stdinReader,
		OnInput: func(data []byte) []byte {
			if strings.HasPrefix(string(data), "/") {
				_, _ = intercepted.Write(data)
				return nil
			}
			return data
		},
	})

	if _, err := stdinWriter.Write([]byte("/pause\r")); err != nil {
		t.Fatalf("stdin write: %v", err)
	}
	if _, err := stdinWriter.Write([]byte("plain text")); err != nil {
		t.Fatalf("stdin write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return pty.writtenString() == "plain text"
	})
	if got := intercepted.String(); got != "/pause\r" {
		t.Fatalf("expected interceptor to consume the command, got %q", got)
	}
}

func TestInjectionWaitsForIdle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	flow := flowctl.New(flowctl.Tuning{}, flowctl.WithClock(clock.Now))

	b, pty, _ := startTestBridge(t, Options{Flow: flow})

	// Wait until the output has been observed; the fresh clock never
	// advances on its own, so the child stays busy from here.
	pty.childOutput(t, "thinking hard...")
	waitFor(t, 2*time.Second, func() bool {
		return !flow.IsIdle()
	})

	b.Inject("gpt", "[gpt] are you there?", false)

	// Child still busy: nothing may be written.
	time.Sleep(150 * time.Millisecond)
	if got := pty.writtenString(); got != "" {
		t.Fatalf("expected injection held while busy, got %q", got)
	}

	// Prompt plus silence makes the child idle.
	pty.childOutput(t, "\n> ")
	clock.Advance(time.Second)

	waitFor(t, 2*time.Second, func() bool {
		return pty.writtenString() == "[gpt] are you there?\r"
	})
}

func TestUrgentInjectionBypassesBusyChild(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	flow := flowctl.New(flowctl.Tuning{}, flowctl.WithClock(clock.Now))

	b, pty, _ := startTestBridge(t, Options{Flow: flow})

	pty.childOutput(t, "still streaming output")
	waitFor(t, 2*time.Second, func() bool {
		return !flow.IsIdle()
	})

	b.Inject("human", "[human] stop now", true)

	waitFor(t, 2*time.Second, func() bool {
		return pty.writtenString() == "[human] stop now\r"
	})
}

func TestSpawnErrorWrapsCommand(t *testing.T) {
	flow := flowctl.New(flowctl.Tuning{})
	b, err := New(Options{Factory: DefaultPtyFactory(), Flow: flow, Stdout: &syncBuffer{}})
	if err != nil {
		t.Fatalf("bridge setup: %v", err)
	}

	err = b.Start("/nonexistent/definitely-not-a-binary")
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %T", err)
	}
	if !strings.Contains(err.Error(), "/nonexistent/definitely-not-a-binary") {
		t.Fatalf("expected command in error, got %v", err)
	}
}
