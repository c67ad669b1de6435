package relay

import (
	"fmt"
	"time"

	"confab/internal/wire"
)

// Announcement is a system-message payload the orchestrator state machine
// asks the relay to broadcast after a transition.
type Announcement struct {
	Text string
}

// Orchestrator tracks conversation mode, turn order, and round budget. It is
// owned by the Relay and mutated only under the Relay's lock; methods take
// the current time explicitly so tests can drive transitions without sleeps.
type Orchestrator struct {
	mode        wire.Mode
	topic       string
	round       int
	maxRounds   int
	turnOrder   []string
	currentTurn int
	turnChanged time.Time

	turnTimeout time.Duration

	// Auto-advance is debounced so the triggering message propagates before
	// the turn announcement.
	advanceAt time.Time
}

func NewOrchestrator(turnTimeout time.Duration) *Orchestrator {
	if turnTimeout <= 0 {
		turnTimeout = DefaultTurnTimeout
	}
	return &Orchestrator{
		mode:        wire.ModeFreeform,
		turnTimeout: turnTimeout,
	}
}

const (
	DefaultTurnTimeout = 2 * time.Minute
	advanceDebounce    = 500 * time.Millisecond
	DefaultMaxRounds   = 3
)

// SetMode replaces the orchestration state wholesale.
func (o *Orchestrator) SetMode(mode wire.Mode, topic string, participants []string, maxRounds int, now time.Time) ([]Announcement, error) {
	if !wire.ValidMode(mode) {
		return nil, &ProtocolViolationError{Reason: fmt.Sprintf("unknown mode %q", mode)}
	}

	o.mode = mode
	o.topic = topic
	o.round = 0
	o.currentTurn = 0
	o.turnChanged = now
	o.advanceAt = time.Time{}

	if mode == wire.ModeFreeform {
		o.topic = ""
		o.turnOrder = nil
		o.maxRounds = 0
		return []Announcement{{Text: "mode set to freeform"}}, nil
	}

	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	o.maxRounds = maxRounds
	o.turnOrder = append([]string(nil), participants...)

	announcements := []Announcement{{
		Text: fmt.Sprintf("mode set to %s: %q (%d rounds)", mode, topic, maxRounds),
	}}
	if len(o.turnOrder) > 0 {
		announcements = append(announcements, Announcement{
			Text: fmt.Sprintf("round 1: it is %s's turn", o.turnOrder[0]),
		})
	}
	return announcements, nil
}

// AdvanceTurn moves to the next participant, wrapping into a new round and
// reverting to freeform once the round budget is spent.
func (o *Orchestrator) AdvanceTurn(now time.Time) []Announcement {
	if o.mode == wire.ModeFreeform || len(o.turnOrder) == 0 {
		return nil
	}

	o.advanceAt = time.Time{}
	o.currentTurn++
	if o.currentTurn >= len(o.turnOrder) {
		o.currentTurn = 0
		o.round++
		if o.round >= o.maxRounds {
			completed := o.mode
			o.mode = wire.ModeFreeform
			o.topic = ""
			o.turnOrder = nil
			o.round = 0
			o.maxRounds = 0
			o.turnChanged = now
			return []Announcement{{
				Text: fmt.Sprintf("%s complete, back to freeform", completed),
			}}
		}
	}
	o.turnChanged = now
	return []Announcement{{
		Text: fmt.Sprintf("round %d: it is %s's turn", o.round+1, o.turnOrder[o.currentTurn]),
	}}
}

// NoteMessage observes a routed chat message. A message from the participant
// holding the turn schedules a debounced automatic advance.
func (o *Orchestrator) NoteMessage(sender string, now time.Time) {
	if o.mode == wire.ModeFreeform || len(o.turnOrder) == 0 {
		return
	}
	if sender == o.turnOrder[o.currentTurn] && o.advanceAt.IsZero() {
		o.advanceAt = now.Add(advanceDebounce)
	}
}

// ExtendTurn refreshes the turn deadline without advancing; a slow
// participant signals liveness this way.
func (o *Orchestrator) ExtendTurn(sender string, now time.Time) bool {
	if o.mode == wire.ModeFreeform || len(o.turnOrder) == 0 {
		return false
	}
	if sender != "" && sender != o.turnOrder[o.currentTurn] {
		return false
	}
	o.turnChanged = now
	o.advanceAt = time.Time{}
	return true
}

// Tick fires due transitions: the debounced auto-advance, then the turn
// timeout. The timeout path is mandatory so a crashed participant can never
// deadlock the conversation.
func (o *Orchestrator) Tick(now time.Time) []Announcement {
	if o.mode == wire.ModeFreeform || len(o.turnOrder) == 0 {
		return nil
	}
	if !o.advanceAt.IsZero() && !now.Before(o.advanceAt) {
		return o.AdvanceTurn(now)
	}
	if now.Sub(o.turnChanged) >= o.turnTimeout {
		skipped := o.turnOrder[o.currentTurn]
		announcements := []Announcement{{
			Text: fmt.Sprintf("%s timed out", skipped),
		}}
		return append(announcements, o.AdvanceTurn(now)...)
	}
	return nil
}

// TurnSignalFor annotates a delivery for the given recipient.
func (o *Orchestrator) TurnSignalFor(recipient string) wire.TurnSignal {
	if o.mode == wire.ModeFreeform || len(o.turnOrder) == 0 {
		return wire.TurnNone
	}
	for i, id := range o.turnOrder {
		if id == recipient {
			if i == o.currentTurn {
				return wire.TurnYourTurn
			}
			return wire.TurnWaiting
		}
	}
	return wire.TurnNone
}

func (o *Orchestrator) Status() wire.ModeStatus {
	status := wire.ModeStatus{
		Mode:      o.mode,
		Topic:     o.topic,
		Round:     o.round,
		MaxRounds: o.maxRounds,
		TurnOrder: append([]string(nil), o.turnOrder...),
	}
	if o.mode != wire.ModeFreeform && len(o.turnOrder) > 0 {
		status.CurrentTurn = o.turnOrder[o.currentTurn]
	}
	return status
}
