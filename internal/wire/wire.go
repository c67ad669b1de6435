// Package wire defines the JSON payloads exchanged between proxies, the chat
// controller, and the relay.
package wire

import "time"

// Broadcast is the recipient sentinel for fan-out delivery.
const Broadcast = "broadcast"

type Kind string

const (
	KindChat      Kind = "chat"
	KindSystem    Kind = "system"
	KindHeartbeat Kind = "heartbeat"
)

type TurnSignal string

const (
	TurnYourTurn TurnSignal = "your-turn"
	TurnWaiting  TurnSignal = "waiting"
	TurnNone     TurnSignal = "none"
)

type Mode string

const (
	ModeFreeform  Mode = "freeform"
	ModeDebate    Mode = "debate"
	ModeConsensus Mode = "consensus"
	ModeAutopilot Mode = "autopilot"
)

func ValidMode(mode Mode) bool {
	switch mode {
	case ModeFreeform, ModeDebate, ModeConsensus, ModeAutopilot:
		return true
	default:
		return false
	}
}

// Message is immutable once routed. ID combines a monotonic counter with a
// timestamp so identifiers stay unique across relay restarts.
type Message struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Content    string     `json:"content"`
	Kind       Kind       `json:"kind"`
	TurnSignal TurnSignal `json:"turn_signal,omitempty"`
}

type RegisterRequest struct {
	Name string `json:"name"`
}

type RegisterResponse struct {
	ID string `json:"id"`
}

type SendRequest struct {
	From    string `json:"from"`
	To      string `json:"to,omitempty"`
	Content string `json:"content"`
}

type ModeSetRequest struct {
	Mode         Mode     `json:"mode"`
	Topic        string   `json:"topic,omitempty"`
	Participants []string `json:"participants,omitempty"`
	MaxRounds    int      `json:"max_rounds,omitempty"`
}

// ModeStatus is the orchestration state snapshot returned by the relay and
// carried in heartbeats.
type ModeStatus struct {
	Mode        Mode     `json:"mode"`
	Topic       string   `json:"topic,omitempty"`
	Round       int      `json:"round"`
	MaxRounds   int      `json:"max_rounds"`
	TurnOrder   []string `json:"turn_order,omitempty"`
	CurrentTurn string   `json:"current_turn,omitempty"`
}

type Heartbeat struct {
	Status ModeStatus `json:"status"`
	Recent []Message  `json:"recent,omitempty"`
}
