package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"confab/internal/logging"
	"confab/internal/wire"
)

const (
	initialBackoff  = time.Second
	maxBackoff      = 30 * time.Second
	defaultPollGap  = 2 * time.Second
	listenerBufSize = 64
)

// StreamState is the listener's position in the reconnection cycle.
type StreamState int

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
)

// streamConn is the subset of *websocket.Conn the listener reads from.
type streamConn interface {
	ReadJSON(v interface{}) error
	Close() error
}

// streamDialer opens one push connection. Tests install a fake so the
// reconnection cycle runs without a network.
type streamDialer func(ctx context.Context, url string) (streamConn, error)

func dialWebsocket(ctx context.Context, url string) (streamConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, response, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if response != nil {
			_ = response.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Listener delivers relay messages for one participant. It cycles
// disconnected, connecting, connected: the websocket push stream is
// preferred, and while it is down the inbox is polled for the duration of a
// capped exponential backoff window. A successful connection resets the
// backoff so a relay restart never leaves a healthy session pinned at the
// cap.
type Listener struct {
	client  *Client
	id      string
	logger  *logging.Logger
	pollGap time.Duration

	dial  streamDialer
	sleep func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	state    StreamState
	attempts int

	messages chan wire.Message
}

func NewListener(c *Client, id string, logger *logging.Logger) *Listener {
	return &Listener{
		client:   c,
		id:       id,
		logger:   logger,
		pollGap:  defaultPollGap,
		dial:     dialWebsocket,
		sleep:    sleepContext,
		messages: make(chan wire.Message, listenerBufSize),
	}
}

// Messages is the delivery channel. It closes when Run returns.
func (l *Listener) Messages() <-chan wire.Message {
	return l.messages
}

// State reports the current reconnection-cycle position.
func (l *Listener) State() StreamState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attempts reports consecutive failed connection attempts since the last
// successful stream.
func (l *Listener) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *Listener) setState(s StreamState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run blocks until ctx is canceled, alternating between a live websocket
// session and polling-with-backoff.
func (l *Listener) Run(ctx context.Context) {
	defer close(l.messages)
	defer l.setState(StateDisconnected)

	backoff := initialBackoff
	for ctx.Err() == nil {
		l.setState(StateConnecting)
		connected, err := l.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		if connected {
			backoff = initialBackoff
			l.attempts = 0
		} else {
			l.attempts++
		}
		l.state = StateDisconnected
		l.mu.Unlock()

		if err != nil && l.logger != nil {
			l.logger.Warn("push stream lost, reconnecting", map[string]string{
				"participant": l.id,
				"error":       err.Error(),
			})
		}

		// Poll for the duration of the backoff so messages keep flowing
		// while the stream is down.
		if !l.pollUntil(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// streamOnce reports whether a connection was established at all, separate
// from the error that eventually ended it.
func (l *Listener) streamOnce(ctx context.Context) (bool, error) {
	conn, err := l.dial(ctx, l.client.StreamURL(l.id))
	if err != nil {
		return false, err
	}
	defer conn.Close()

	l.setState(StateConnected)
	if l.logger != nil {
		l.logger.Info("push stream connected", map[string]string{"participant": l.id})
	}

	// Close the socket when ctx ends so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return true, err
		}
		select {
		case l.messages <- msg:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// pollUntil drains the inbox on the poll cadence until the window elapses,
// returning false when ctx ends. Elapsed time is tracked by counting sleeps
// so an injected sleeper drives the window deterministically.
func (l *Listener) pollUntil(ctx context.Context, window time.Duration) bool {
	for elapsed := time.Duration(0); ; elapsed += l.pollGap {
		if !l.pollOnce(ctx) {
			return false
		}
		if elapsed >= window {
			return true
		}
		if !l.sleep(ctx, l.pollGap) {
			return false
		}
	}
}

func (l *Listener) pollOnce(ctx context.Context) bool {
	msgs, err := l.client.Inbox(l.id)
	if err != nil {
		if l.logger != nil {
			l.logger.Debug("inbox poll failed", map[string]string{
				"participant": l.id,
				"error":       err.Error(),
			})
		}
		return ctx.Err() == nil
	}
	for _, msg := range msgs {
		select {
		case l.messages <- msg:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
