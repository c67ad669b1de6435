// Package relay owns all shared conversation state: the participant
// registry, the message history, and the orchestration state machine. All
// mutation happens through named operations behind one mutex; proxies only
// reach this state through the HTTP contract.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"confab/internal/directive"
	"confab/internal/logging"
	"confab/internal/wire"
)

const (
	SystemSender = "system"

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleReapAfter     = 5 * time.Minute

	orchestratorPrefix    = "orchestrator"
	maxInboxMessages      = 500
	pushBufferSize        = 128
	heartbeatRecentWindow = 10

	// HumanDefaultName is the identity the chat binary registers under when
	// no name is given. A participant with this id is left out of default
	// debate turn orders; it takes turns only when listed explicitly.
	HumanDefaultName = "human"
)

type participant struct {
	id           string
	name         string
	inbox        []wire.Message
	push         chan wire.Message
	lastSeen     time.Time
	missedBeats  int
	orchestrator bool
}

type Options struct {
	HistoryPath       string
	HistoryCap        int
	TurnTimeout       time.Duration
	HeartbeatInterval time.Duration
	IdleReapAfter     time.Duration
	Logger            *logging.Logger
	Now               func() time.Time
}

type Relay struct {
	mu           sync.Mutex
	participants map[string]*participant
	history      *History
	orch         *Orchestrator
	seq          uint64
	closed       bool

	heartbeatInterval time.Duration
	idleReapAfter     time.Duration
	lastHeartbeat     time.Time
	logger            *logging.Logger
	now               func() time.Time
}

func New(opts Options) (*Relay, error) {
	history, err := NewHistory(opts.HistoryPath, opts.HistoryCap)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.IdleReapAfter <= 0 {
		opts.IdleReapAfter = DefaultIdleReapAfter
	}
	return &Relay{
		participants:      make(map[string]*participant),
		history:           history,
		orch:              NewOrchestrator(opts.TurnTimeout),
		heartbeatInterval: opts.HeartbeatInterval,
		idleReapAfter:     opts.IdleReapAfter,
		logger:            opts.Logger,
		now:               opts.Now,
	}, nil
}

// Register confirms a unique identifier for the desired name, appending a
// numeric suffix on collision: name, name-2, name-3, and so on.
func (r *Relay) Register(name string) (string, error) {
	name = normalizeName(name)
	if name == "" {
		return "", &ProtocolViolationError{Reason: "empty participant name"}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	id := name
	for suffix := 2; ; suffix++ {
		if _, taken := r.participants[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s-%d", name, suffix)
	}
	r.participants[id] = &participant{
		id:           id,
		name:         name,
		lastSeen:     r.now(),
		orchestrator: strings.HasPrefix(id, orchestratorPrefix),
	}
	r.mu.Unlock()

	r.broadcastSystem(fmt.Sprintf("%s joined the conversation", id))
	if r.logger != nil {
		r.logger.Info("participant registered", map[string]string{"participant": id})
	}
	return id, nil
}

func (r *Relay) Unregister(id string) {
	r.mu.Lock()
	p, ok := r.participants[id]
	if ok {
		delete(r.participants, id)
		if p.push != nil {
			close(p.push)
		}
	}
	r.mu.Unlock()

	if ok {
		r.broadcastSystem(fmt.Sprintf("%s left the conversation", id))
	}
}

// Participants returns the registered identifiers, unordered.
func (r *Relay) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	return out
}

// Route accepts an outbound message, annotates it, appends it to history,
// and delivers it to the recipient's inbox (or to every other participant on
// broadcast). Orchestrator participants are directive-only: free text from
// them is rejected, never forwarded.
func (r *Relay) Route(from, to, content string) (wire.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.participants[from]
	if !ok {
		return wire.Message{}, ErrUnknownParticipant
	}
	now := r.now()
	sender.lastSeen = now
	sender.missedBeats = 0

	if sender.orchestrator {
		return r.routeOrchestratorLocked(sender, content, now)
	}
	return r.routeChatLocked(from, to, content, wire.KindChat, now)
}

func (r *Relay) routeChatLocked(from, to, content string, kind wire.Kind, now time.Time) (wire.Message, error) {
	if to == "" {
		to = wire.Broadcast
	}
	if to != wire.Broadcast {
		if _, ok := r.participants[to]; !ok {
			return wire.Message{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, to)
		}
	}

	msg := wire.Message{
		ID:         r.nextIDLocked(now),
		Timestamp:  now,
		From:       from,
		To:         to,
		Content:    content,
		Kind:       kind,
		TurnSignal: r.orch.TurnSignalFor(to),
	}
	if err := r.history.Append(msg); err != nil && r.logger != nil {
		r.logger.Warn("history append failed", map[string]string{"error": err.Error()})
	}

	if to == wire.Broadcast {
		for id, p := range r.participants {
			if id == from {
				continue
			}
			delivery := msg
			delivery.TurnSignal = r.orch.TurnSignalFor(id)
			r.deliverLocked(p, delivery)
		}
	} else {
		r.deliverLocked(r.participants[to], msg)
	}

	if kind == wire.KindChat {
		r.orch.NoteMessage(from, now)
	}
	return msg, nil
}

// routeOrchestratorLocked enforces the directive-only contract for
// orchestrator participants and executes the allowed directive shapes.
// Every non-blank line must parse as a directive; a single free-text line
// rejects the whole payload so nothing is partially executed or silently
// dropped.
func (r *Relay) routeOrchestratorLocked(sender *participant, content string, now time.Time) (wire.Message, error) {
	var directives []directive.Directive
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		d, ok := directive.Parse(trimmed)
		if !ok {
			return wire.Message{}, r.orchestratorViolationLocked(sender,
				fmt.Sprintf("orchestrator output must be directives only, got %q", trimmed))
		}
		directives = append(directives, d)
	}
	if len(directives) == 0 {
		return wire.Message{}, r.orchestratorViolationLocked(sender,
			"orchestrator output must be a directive")
	}

	var last wire.Message
	for _, d := range directives {
		msg, err := r.executeOrchestratorDirectiveLocked(sender, d, now)
		if err != nil {
			return wire.Message{}, err
		}
		if msg.ID != "" {
			last = msg
		}
	}
	return last, nil
}

func (r *Relay) orchestratorViolationLocked(sender *participant, reason string) *ProtocolViolationError {
	if r.logger != nil {
		r.logger.Warn("orchestrator protocol violation", map[string]string{
			"participant": sender.id,
		})
	}
	return &ProtocolViolationError{Participant: sender.id, Reason: reason}
}

func (r *Relay) executeOrchestratorDirectiveLocked(sender *participant, d directive.Directive, now time.Time) (wire.Message, error) {
	switch d.Kind {
	case directive.KindSend:
		return r.routeChatLocked(sender.id, d.Target, d.Body, wire.KindChat, now)
	case directive.KindBroadcast:
		return r.routeChatLocked(sender.id, wire.Broadcast, d.Body, wire.KindChat, now)
	case directive.KindModeSet:
		_, err := r.setModeLocked(wire.Mode(d.Mode), d.Topic, nil, d.Rounds, now)
		return wire.Message{}, err
	case directive.KindModeStatus:
		status, _ := json.Marshal(r.orch.Status())
		return r.deliverSystemLocked(sender.id, string(status), now), nil
	case directive.KindQueryLog:
		limit := d.Limit
		if limit <= 0 {
			limit = heartbeatRecentWindow
		}
		recent, _ := json.Marshal(r.history.Recent(limit))
		return r.deliverSystemLocked(sender.id, string(recent), now), nil
	case directive.KindWorking:
		r.orch.ExtendTurn("", now)
		return wire.Message{}, nil
	case directive.KindNoop:
		// Heartbeat acknowledgment; nothing to route.
		return wire.Message{}, nil
	default:
		return wire.Message{}, &ProtocolViolationError{
			Participant: sender.id,
			Reason:      fmt.Sprintf("directive %s is not allowed from an orchestrator", d.Kind),
		}
	}
}

// DrainInbox returns and clears the pending messages for a participant.
func (r *Relay) DrainInbox(id string) ([]wire.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	p.lastSeen = r.now()
	out := p.inbox
	p.inbox = nil
	return out, nil
}

// Subscribe attaches a push channel for a participant. While subscribed the
// participant is exempt from idle reaping.
func (r *Relay) Subscribe(id string) (<-chan wire.Message, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return nil, nil, ErrUnknownParticipant
	}
	if p.push != nil {
		close(p.push)
	}
	ch := make(chan wire.Message, pushBufferSize)
	p.push = ch
	p.lastSeen = r.now()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.participants[id]; ok && current.push == ch {
			current.push = nil
			close(ch)
			current.lastSeen = r.now()
		}
	}
	return ch, cancel, nil
}

func (r *Relay) SetMode(mode wire.Mode, topic string, participants []string, maxRounds int) (wire.ModeStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setModeLocked(mode, topic, participants, maxRounds, r.now())
}

func (r *Relay) setModeLocked(mode wire.Mode, topic string, participants []string, maxRounds int, now time.Time) (wire.ModeStatus, error) {
	if len(participants) == 0 && mode != wire.ModeFreeform {
		participants = r.nonOrchestratorIDsLocked()
	}
	announcements, err := r.orch.SetMode(mode, topic, participants, maxRounds, now)
	if err != nil {
		return wire.ModeStatus{}, err
	}
	r.announceLocked(announcements, now)
	return r.orch.Status(), nil
}

func (r *Relay) ModeStatus() wire.ModeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orch.Status()
}

// AdvanceTurn is the manual override alongside automatic advancement.
func (r *Relay) AdvanceTurn() wire.ModeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.announceLocked(r.orch.AdvanceTurn(now), now)
	return r.orch.Status()
}

// ExtendTurn resets the turn deadline for the current holder.
func (r *Relay) ExtendTurn(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		p.lastSeen = r.now()
		p.missedBeats = 0
	}
	return r.orch.ExtendTurn(id, r.now())
}

func (r *Relay) History(q HistoryQuery) []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.Query(q)
}

// Tick drives time-based behavior: the orchestration debounce and turn
// timeout, orchestrator heartbeats, and idle participant reaping. The server
// calls it from a ticker; tests call it directly.
func (r *Relay) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.announceLocked(r.orch.Tick(now), now)
	r.heartbeatLocked(now)
	r.reapIdleLocked(now)
}

func (r *Relay) heartbeatLocked(now time.Time) {
	if now.Sub(r.lastHeartbeat) < r.heartbeatInterval {
		return
	}
	r.lastHeartbeat = now

	for _, p := range r.participants {
		if !p.orchestrator {
			continue
		}
		payload, err := json.Marshal(wire.Heartbeat{
			Status: r.orch.Status(),
			Recent: r.history.Recent(heartbeatRecentWindow),
		})
		if err != nil {
			continue
		}
		msg := wire.Message{
			ID:        r.nextIDLocked(now),
			Timestamp: now,
			From:      SystemSender,
			To:        p.id,
			Content:   string(payload),
			Kind:      wire.KindHeartbeat,
		}
		r.deliverLocked(p, msg)

		if p.missedBeats >= 2 && r.logger != nil {
			r.logger.Warn("orchestrator unresponsive", map[string]string{
				"participant":  p.id,
				"missed_beats": fmt.Sprintf("%d", p.missedBeats),
			})
		}
		p.missedBeats++
	}
}

func (r *Relay) reapIdleLocked(now time.Time) {
	var reaped []string
	for id, p := range r.participants {
		if p.push != nil {
			continue
		}
		if now.Sub(p.lastSeen) > r.idleReapAfter {
			delete(r.participants, id)
			reaped = append(reaped, id)
		}
	}
	for _, id := range reaped {
		r.broadcastSystemLocked(fmt.Sprintf("%s left the conversation (idle)", id), now)
		if r.logger != nil {
			r.logger.Info("participant reaped", map[string]string{"participant": id})
		}
	}
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, p := range r.participants {
		if p.push != nil {
			close(p.push)
			p.push = nil
		}
	}
	return r.history.Close()
}

func (r *Relay) broadcastSystem(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastSystemLocked(text, r.now())
}

func (r *Relay) broadcastSystemLocked(text string, now time.Time) {
	msg := wire.Message{
		ID:        r.nextIDLocked(now),
		Timestamp: now,
		From:      SystemSender,
		To:        wire.Broadcast,
		Content:   text,
		Kind:      wire.KindSystem,
	}
	if err := r.history.Append(msg); err != nil && r.logger != nil {
		r.logger.Warn("history append failed", map[string]string{"error": err.Error()})
	}
	for _, p := range r.participants {
		delivery := msg
		delivery.TurnSignal = r.orch.TurnSignalFor(p.id)
		r.deliverLocked(p, delivery)
	}
}

func (r *Relay) announceLocked(announcements []Announcement, now time.Time) {
	for _, a := range announcements {
		r.broadcastSystemLocked(a.Text, now)
	}
}

func (r *Relay) deliverSystemLocked(to, text string, now time.Time) wire.Message {
	msg := wire.Message{
		ID:        r.nextIDLocked(now),
		Timestamp: now,
		From:      SystemSender,
		To:        to,
		Content:   text,
		Kind:      wire.KindSystem,
	}
	if p, ok := r.participants[to]; ok {
		r.deliverLocked(p, msg)
	}
	return msg
}

// deliverLocked pushes to an attached live channel, falling back to the
// bounded inbox (drop-oldest) when no push channel is attached or it is full.
func (r *Relay) deliverLocked(p *participant, msg wire.Message) {
	if p.push != nil {
		select {
		case p.push <- msg:
			return
		default:
		}
	}
	if len(p.inbox) >= maxInboxMessages {
		p.inbox = p.inbox[1:]
	}
	p.inbox = append(p.inbox, msg)
}

func (r *Relay) nextIDLocked(now time.Time) string {
	r.seq++
	return fmt.Sprintf("%d-%d", r.seq, now.UnixMilli())
}

func (r *Relay) nonOrchestratorIDsLocked() []string {
	out := make([]string, 0, len(r.participants))
	for id, p := range r.participants {
		if p.orchestrator || id == HumanDefaultName {
			continue
		}
		out = append(out, id)
	}
	return out
}

func normalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return strings.ReplaceAll(name, " ", "-")
}
