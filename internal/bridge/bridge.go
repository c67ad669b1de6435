// Package bridge runs one child CLI on a pseudo-terminal and keeps the human
// experience transparent: keystrokes and output pass through unmodified while
// remote messages are injected only when the flow controller says the child
// is ready to receive them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"confab/internal/flowctl"
	"confab/internal/logging"
)

const (
	drainInterval  = 50 * time.Millisecond
	readBufferSize = 4096
)

// SpawnError wraps a child start failure with the command that failed.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

type Options struct {
	Factory PtyFactory
	Stdin   io.Reader
	Stdout  io.Writer
	Flow    *flowctl.Controller
	Logger  *logging.Logger

	// OnOutput mirrors every child output chunk, after it has been written
	// to Stdout, for downstream classification.
	OnOutput func([]byte)

	// OnInput intercepts human keystrokes before they reach the child; the
	// returned bytes are forwarded. Nil means passthrough.
	OnInput func([]byte) []byte
}

type Bridge struct {
	opts Options

	writeMu sync.Mutex
	pty     Pty
	cmd     *exec.Cmd

	command string
	closed  chan struct{}
	once    sync.Once
}

func New(opts Options) (*Bridge, error) {
	if opts.Factory == nil {
		opts.Factory = DefaultPtyFactory()
	}
	if opts.Flow == nil {
		return nil, errors.New("flow controller is required")
	}
	if opts.Stdout == nil {
		return nil, errors.New("stdout is required")
	}
	return &Bridge{
		opts:   opts,
		closed: make(chan struct{}),
	}, nil
}

// Start spawns the child on a fresh pty.
func (b *Bridge) Start(command string, args ...string) error {
	p, cmd, err := b.opts.Factory.Start(command, args...)
	if err != nil {
		return &SpawnError{Command: command, Err: err}
	}
	b.pty = p
	b.cmd = cmd
	b.command = command
	if b.opts.Logger != nil {
		b.opts.Logger.Info("child started", map[string]string{"command": command})
	}
	return nil
}

// Inject queues a remote message for delivery into the child's stdin. The
// flow controller decides when it is actually written.
func (b *Bridge) Inject(sender, content string, urgent bool) {
	priority := flowctl.PriorityNormal
	if urgent {
		priority = flowctl.PriorityUrgent
	}
	b.opts.Flow.Enqueue(sender, content, priority)
}

func (b *Bridge) Resize(cols, rows uint16) error {
	if b.pty == nil {
		return errors.New("bridge not started")
	}
	return b.pty.Resize(cols, rows)
}

// Run drives the copy loops and the injection drain until the child exits or
// ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	if b.pty == nil {
		return errors.New("bridge not started")
	}

	outputDone := make(chan error, 1)
	go b.outputLoop(outputDone)

	if b.opts.Stdin != nil {
		go b.inputLoop()
	}

	waitDone := make(chan error, 1)
	if b.cmd != nil {
		go func() { waitDone <- b.cmd.Wait() }()
	}

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainInjections()
		case err := <-outputDone:
			// The pty read side closes when the child exits.
			if b.cmd != nil {
				select {
				case waitErr := <-waitDone:
					b.Close()
					return waitErr
				case <-time.After(time.Second):
				}
			}
			b.Close()
			return err
		case err := <-waitDone:
			b.Close()
			return err
		case <-ctx.Done():
			b.Close()
			return ctx.Err()
		}
	}
}

func (b *Bridge) drainInjections() {
	for {
		entry, ok := b.opts.Flow.DrainReady()
		if !ok {
			return
		}
		payload := []byte(entry.Content + "\r")
		if err := b.writeChild(payload); err != nil {
			if b.opts.Logger != nil {
				b.opts.Logger.Warn("injection write failed", map[string]string{
					"sender": entry.Sender,
					"error":  err.Error(),
				})
			}
			return
		}
		// The child is now expected to echo the injected line; treat the
		// write as fresh activity so the next entry waits its turn.
		b.opts.Flow.OnOutput(payload)
		if b.opts.Logger != nil {
			b.opts.Logger.Debug("injected message", map[string]string{
				"sender": entry.Sender,
			})
		}
	}
}

func (b *Bridge) outputLoop(done chan<- error) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := b.pty.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			b.opts.Flow.OnOutput(chunk)
			if _, werr := b.opts.Stdout.Write(chunk); werr != nil {
				done <- werr
				return
			}
			if b.opts.OnOutput != nil {
				// Callbacks get their own copy; buf is reused.
				mirrored := make([]byte, n)
				copy(mirrored, chunk)
				b.opts.OnOutput(mirrored)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			done <- err
			return
		}
	}
}

func (b *Bridge) inputLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := b.opts.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if b.opts.OnInput != nil {
				data = b.opts.OnInput(data)
			}
			if len(data) > 0 {
				if werr := b.writeChild(data); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) writeChild(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	select {
	case <-b.closed:
		return errors.New("bridge closed")
	default:
	}
	_, err := b.pty.Write(data)
	return err
}

func (b *Bridge) Close() error {
	var err error
	b.once.Do(func() {
		close(b.closed)
		if b.pty != nil {
			err = b.pty.Close()
		}
		if b.opts.Logger != nil {
			b.opts.Logger.Info("child stopped", map[string]string{"command": b.command})
		}
	})
	return err
}
