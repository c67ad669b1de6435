// Package flowctl decides when externally-sourced text may be written into a
// wrapped process's input stream. Submission semantics of arbitrary TUIs
// cannot be detected from outside the child, so the controller avoids damage
// (typing into an active prompt) rather than guaranteeing prompt delivery.
package flowctl

import (
	"regexp"
	"sync"
	"time"
)

const (
	DefaultMinSilence  = 300 * time.Millisecond
	DefaultLongSilence = 2 * time.Second
	DefaultMaxWait     = 30 * time.Second
	DefaultMaxQueue    = 50
	DefaultMaxAge      = 5 * time.Minute

	tailBufferSize = 200
)

// Tuning holds the per-agent thresholds. Some CLIs settle faster than
// others; profiles in the proxy config override these defaults.
type Tuning struct {
	MinSilence  time.Duration
	LongSilence time.Duration
	MaxWait     time.Duration
	MaxQueue    int
	MaxAge      time.Duration
}

func (t Tuning) withDefaults() Tuning {
	if t.MinSilence <= 0 {
		t.MinSilence = DefaultMinSilence
	}
	if t.LongSilence <= 0 {
		t.LongSilence = DefaultLongSilence
	}
	if t.MaxWait <= 0 {
		t.MaxWait = DefaultMaxWait
	}
	if t.MaxQueue <= 0 {
		t.MaxQueue = DefaultMaxQueue
	}
	if t.MaxAge <= 0 {
		t.MaxAge = DefaultMaxAge
	}
	return t
}

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityUrgent
)

type Pending struct {
	Sender   string
	Content  string
	Priority Priority
	Enqueued time.Time
}

// DropReason distinguishes capacity drops from staleness drops in the local
// diagnostic feed.
type DropReason int

const (
	DropOverflow DropReason = iota
	DropStale
)

var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[>$#]\s*$`),
	regexp.MustCompile(`\?\s*$`),
	regexp.MustCompile(`:\s*$`),
	regexp.MustCompile(`(?i)\[y/n\]\s*$`),
	regexp.MustCompile(`(?i)press .* to continue`),
}

// Controller tracks child output activity and holds a bounded queue of
// pending injections per session.
type Controller struct {
	mu sync.Mutex

	tuning     Tuning
	now        func() time.Time
	lastOutput time.Time
	firstWait  time.Time
	tail       []byte
	urgent     []Pending
	normal     []Pending
	paused     bool

	onDrop func(Pending, DropReason)
}

type Option func(*Controller)

// WithClock replaces the wall clock, letting tests drive idle detection
// without real sleeps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDropHandler observes queue drops for local diagnostics. The handler
// must not call back into the controller.
func WithDropHandler(handler func(Pending, DropReason)) Option {
	return func(c *Controller) {
		c.onDrop = handler
	}
}

func New(tuning Tuning, opts ...Option) *Controller {
	c := &Controller{
		tuning: tuning.withDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastOutput = c.now()
	return c
}

// Retune replaces the thresholds at runtime (config file reload).
func (c *Controller) Retune(tuning Tuning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tuning = tuning.withDefaults()
}

// OnOutput records child activity. Called for every chunk the child emits
// and for every injection (the child is expected to echo what it was sent).
func (c *Controller) OnOutput(data []byte) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastOutput = c.now()
	c.tail = append(c.tail, data...)
	if len(c.tail) > tailBufferSize {
		c.tail = c.tail[len(c.tail)-tailBufferSize:]
	}
}

// IsIdle reports whether injecting now is judged safe: a short silence with a
// recognized prompt in the tail, or a long silence regardless of the tail.
// The long-silence fallback exists because some TUIs never print a classic
// prompt string.
func (c *Controller) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isIdleLocked()
}

func (c *Controller) isIdleLocked() bool {
	silence := c.now().Sub(c.lastOutput)
	if silence < c.tuning.MinSilence {
		return false
	}
	if silence >= c.tuning.LongSilence {
		return true
	}
	tail := string(c.tail)
	for _, pattern := range promptPatterns {
		if pattern.MatchString(tail) {
			return true
		}
	}
	return false
}

// Enqueue appends a pending injection. Urgent entries are never dropped by
// capacity pressure; a full normal queue drops its oldest entry.
func (c *Controller) Enqueue(sender, content string, priority Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Pending{
		Sender:   sender,
		Content:  content,
		Priority: priority,
		Enqueued: c.now(),
	}

	if priority == PriorityUrgent {
		c.urgent = append(c.urgent, entry)
		return
	}
	if len(c.normal) >= c.tuning.MaxQueue {
		dropped := c.normal[0]
		c.normal = c.normal[1:]
		c.notifyDrop(dropped, DropOverflow)
	}
	c.normal = append(c.normal, entry)
}

// QueueLen returns the number of pending entries across both queues.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.urgent) + len(c.normal)
}

func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// DrainReady pops the next deliverable entry, or returns false when nothing
// should be injected right now. Urgent entries bypass both the pause flag and
// the idle check. Normal entries wait for idle, but never longer than
// MaxWait; a wedged heuristic must not starve delivery forever.
func (c *Controller) DrainReady() (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropStaleLocked()

	if len(c.urgent) > 0 {
		entry := c.urgent[0]
		c.urgent = c.urgent[1:]
		c.firstWait = time.Time{}
		return entry, true
	}

	if c.paused || len(c.normal) == 0 {
		c.firstWait = time.Time{}
		return Pending{}, false
	}

	now := c.now()
	if c.firstWait.IsZero() {
		c.firstWait = now
	}
	forced := now.Sub(c.firstWait) >= c.tuning.MaxWait
	if !c.isIdleLocked() && !forced {
		return Pending{}, false
	}

	entry := c.normal[0]
	c.normal = c.normal[1:]
	c.firstWait = time.Time{}
	return entry, true
}

func (c *Controller) dropStaleLocked() {
	cutoff := c.now().Add(-c.tuning.MaxAge)
	for len(c.normal) > 0 && c.normal[0].Enqueued.Before(cutoff) {
		dropped := c.normal[0]
		c.normal = c.normal[1:]
		c.notifyDrop(dropped, DropStale)
	}
}

func (c *Controller) notifyDrop(entry Pending, reason DropReason) {
	if c.onDrop != nil {
		c.onDrop(entry, reason)
	}
}
