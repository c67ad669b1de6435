package relay

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"confab/internal/logging"
	"confab/internal/wire"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestRelay(t *testing.T, clock *testClock, opts Options) *Relay {
	t.Helper()
	opts.Now = clock.Now
	r, err := New(opts)
	if err != nil {
		t.Fatalf("relay setup: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func mustRegister(t *testing.T, r *Relay, name string) string {
	t.Helper()
	id, err := r.Register(name)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return id
}

func drain(t *testing.T, r *Relay, id string) []wire.Message {
	t.Helper()
	msgs, err := r.DrainInbox(id)
	if err != nil {
		t.Fatalf("drain %s: %v", id, err)
	}
	return msgs
}

func chatMessages(msgs []wire.Message) []wire.Message {
	var out []wire.Message
	for _, m := range msgs {
		if m.Kind == wire.KindChat {
			out = append(out, m)
		}
	}
	return out
}

func TestRegisterSuffixesCollidingNames(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})

	first := mustRegister(t, r, "claude")
	second := mustRegister(t, r, "claude")
	third := mustRegister(t, r, "Claude")

	if first != "claude" || second != "claude-2" || third != "claude-3" {
		t.Fatalf("unexpected ids: %q %q %q", first, second, third)
	}
}

func TestRouteDirectGoesOnlyToRecipient(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})
	first := mustRegister(t, r, "claude")
	second := mustRegister(t, r, "claude")

	if _, err := r.Route(first, second, "hello"); err != nil {
		t.Fatalf("route: %v", err)
	}

	if got := chatMessages(drain(t, r, second)); len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("expected one chat message for %s, got %+v", second, got)
	}
	if got := chatMessages(drain(t, r, first)); len(got) != 0 {
		t.Fatalf("expected no chat messages for %s, got %+v", first, got)
	}
}

func TestRouteBroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")
	c := mustRegister(t, r, "c")

	if _, err := r.Route(a, "", "to everyone"); err != nil {
		t.Fatalf("route: %v", err)
	}

	for _, id := range []string{b, c} {
		if got := chatMessages(drain(t, r, id)); len(got) != 1 {
			t.Fatalf("expected broadcast for %s, got %+v", id, got)
		}
	}
	if got := chatMessages(drain(t, r, a)); len(got) != 0 {
		t.Fatalf("sender should not receive own broadcast, got %+v", got)
	}
}

func TestRouteUnknownRecipient(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})
	a := mustRegister(t, r, "a")

	_, err := r.Route(a, "ghost", "anyone there")
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("expected ErrUnknownRecipient, got %v", err)
	}
}

func TestDebateRoundsAndReversionToFreeform(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")
	c := mustRegister(t, r, "c")

	if _, err := r.SetMode(wire.ModeDebate, "topic X", []string{a, b, c}, 2); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	turnOf := func() string { return r.ModeStatus().CurrentTurn }
	speak := func(id string) {
		t.Helper()
		if _, err := r.Route(id, "", "my point"); err != nil {
			t.Fatalf("route from %s: %v", id, err)
		}
		clock.Advance(time.Second) // past the advance debounce
		r.Tick()
	}

	if turnOf() != a {
		t.Fatalf("expected %s to open, got %s", a, turnOf())
	}
	speak(a)
	if turnOf() != b {
		t.Fatalf("expected %s after a, got %s", b, turnOf())
	}
	speak(b)
	speak(c)

	status := r.ModeStatus()
	if status.Round != 1 || status.CurrentTurn != a {
		t.Fatalf("expected round 1 back at %s, got %+v", a, status)
	}

	speak(a)
	speak(b)
	speak(c)

	status = r.ModeStatus()
	if status.Mode != wire.ModeFreeform {
		t.Fatalf("expected freeform after round budget, got %+v", status)
	}
}

func TestTurnSignals(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")
	c := mustRegister(t, r, "c")

	// Freeform: every delivery carries none.
	if _, err := r.Route(a, b, "hi"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if got := chatMessages(drain(t, r, b)); got[0].TurnSignal != wire.TurnNone {
		t.Fatalf("expected none in freeform, got %q", got[0].TurnSignal)
	}

	if _, err := r.SetMode(wire.ModeDebate, "t", []string{a, b}, 2); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	if _, err := r.Route(c, a, "current holder"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if got := chatMessages(drain(t, r, a)); got[0].TurnSignal != wire.TurnYourTurn {
		t.Fatalf("expected your-turn, got %q", got[0].TurnSignal)
	}

	if _, err := r.Route(c, b, "in order, not current"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if got := chatMessages(drain(t, r, b)); got[0].TurnSignal != wire.TurnWaiting {
		t.Fatalf("expected waiting, got %q", got[0].TurnSignal)
	}

	if _, err := r.Route(a, c, "outside order"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if got := chatMessages(drain(t, r, c)); got[0].TurnSignal != wire.TurnNone {
		t.Fatalf("expected none for out-of-order recipient, got %q", got[0].TurnSignal)
	}
}

func TestTurnTimeoutAdvancesWithoutMessages(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{TurnTimeout: time.Minute})
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")

	if _, err := r.SetMode(wire.ModeDebate, "silence", []string{a, b}, 1); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	clock.Advance(61 * time.Second)
	r.Tick()
	if got := r.ModeStatus().CurrentTurn; got != b {
		t.Fatalf("expected timeout to hand turn to %s, got %q", b, got)
	}

	clock.Advance(61 * time.Second)
	r.Tick()
	if got := r.ModeStatus(); got.Mode != wire.ModeFreeform {
		t.Fatalf("expected freeform after both timeouts, got %+v", got)
	}
}

func TestExtendTurnDefersTimeout(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{TurnTimeout: time.Minute})
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")

	if _, err := r.SetMode(wire.ModeDebate, "slow", []string{a, b}, 1); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	clock.Advance(45 * time.Second)
	if !r.ExtendTurn(a) {
		t.Fatal("expected extension for the turn holder")
	}
	clock.Advance(45 * time.Second)
	r.Tick()
	if got := r.ModeStatus().CurrentTurn; got != a {
		t.Fatalf("expected %s to keep the turn after extension, got %q", a, got)
	}

	if r.ExtendTurn(b) {
		t.Fatal("expected extension rejected for a non-holder")
	}
}

func TestOrchestratorFreeTextRejected(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})
	orch := mustRegister(t, r, "orchestrator")
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")

	if _, err := r.SetMode(wire.ModeDebate, "t", []string{a, b}, 1); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	drain(t, r, a)
	drain(t, r, b)

	payloads := []string{
		"let me think about that out loud",
		"@send." + a + " begin\nlet me think about this out loud",
		"some preamble\n@mode.status",
	}
	for _, payload := range payloads {
		_, err := r.Route(orch, "", payload)
		var violation *ProtocolViolationError
		if !errors.As(err, &violation) {
			t.Fatalf("payload %q: expected protocol violation, got %v", payload, err)
		}

		// Rejection must be whole-payload: no directive line may have run.
		for _, id := range []string{a, b} {
			if got := chatMessages(drain(t, r, id)); len(got) != 0 {
				t.Fatalf("payload %q must not reach %s, got %+v", payload, id, got)
			}
		}
	}
}

func TestOrchestratorDirectivesExecute(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})
	orch := mustRegister(t, r, "orchestrator")
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")

	if _, err := r.Route(orch, "", "@send."+a+" please begin"); err != nil {
		t.Fatalf("route directive: %v", err)
	}
	if got := chatMessages(drain(t, r, a)); len(got) != 1 || got[0].Content != "please begin" {
		t.Fatalf("expected directed body for %s, got %+v", a, got)
	}
	if got := chatMessages(drain(t, r, b)); len(got) != 0 {
		t.Fatalf("expected nothing for %s, got %+v", b, got)
	}

	if _, err := r.Route(orch, "", `@mode.set debate "styles" --rounds 2`); err != nil {
		t.Fatalf("route mode set: %v", err)
	}
	status := r.ModeStatus()
	if status.Mode != wire.ModeDebate || status.MaxRounds != 2 {
		t.Fatalf("expected debate mode, got %+v", status)
	}

	if _, err := r.Route(orch, "", "NOOP"); err != nil {
		t.Fatalf("expected NOOP accepted, got %v", err)
	}
}

func TestSetModeRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})
	mustRegister(t, r, "a")

	_, err := r.SetMode(wire.Mode("argument"), "t", nil, 1)
	var violation *ProtocolViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected invalid-mode error, got %v", err)
	}
}

func TestHistorySurvivesRestart(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "history.jsonl")

	r := newTestRelay(t, clock, Options{HistoryPath: path})
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		if _, err := r.Route(a, b, "note"); err != nil {
			t.Fatalf("route: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	restarted := newTestRelay(t, clock, Options{HistoryPath: path})
	got := restarted.History(HistoryQuery{Sender: a, Limit: 10})
	if len(got) != 3 {
		t.Fatalf("expected 3 restored chat messages from %s, got %d", a, len(got))
	}
}

func TestHistoryCapOnReload(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "history.jsonl")

	r := newTestRelay(t, clock, Options{HistoryPath: path, HistoryCap: 100})
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")
	for i := 0; i < 50; i++ {
		if _, err := r.Route(a, b, "filler"); err != nil {
			t.Fatalf("route: %v", err)
		}
	}
	_ = r.Close()

	restarted := newTestRelay(t, clock, Options{HistoryPath: path, HistoryCap: 10})
	if got := restarted.History(HistoryQuery{}); len(got) != 10 {
		t.Fatalf("expected history capped at 10 on reload, got %d", len(got))
	}
}

func TestHeartbeatDeliveredToOrchestrator(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{HeartbeatInterval: 10 * time.Second})
	orch := mustRegister(t, r, "orchestrator")
	mustRegister(t, r, "a")

	clock.Advance(11 * time.Second)
	r.Tick()

	var beats int
	for _, msg := range drain(t, r, orch) {
		if msg.Kind == wire.KindHeartbeat {
			beats++
		}
	}
	if beats != 1 {
		t.Fatalf("expected one heartbeat, got %d", beats)
	}
}

func TestDefaultTurnOrderExcludesHumanAndOrchestrator(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{})
	mustRegister(t, r, "orchestrator")
	mustRegister(t, r, HumanDefaultName)
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")

	status, err := r.SetMode(wire.ModeDebate, "t", nil, 1)
	if err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if len(status.TurnOrder) != 2 {
		t.Fatalf("expected only agents in the default turn order, got %v", status.TurnOrder)
	}
	for _, id := range status.TurnOrder {
		if id != a && id != b {
			t.Fatalf("unexpected participant %q in default turn order %v", id, status.TurnOrder)
		}
	}
}

func TestMissedHeartbeatsWarnUnlessAcked(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		ack       bool
		wantWarns int
	}{
		{name: "silent orchestrator warns after two missed beats", ack: false, wantWarns: 1},
		{name: "noop ack resets the missed counter", ack: true, wantWarns: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clock := newTestClock()
			buf := logging.NewEntryBuffer(100)
			logger := logging.NewLoggerWithOutput(buf, logging.LevelDebug, io.Discard)
			r := newTestRelay(t, clock, Options{HeartbeatInterval: 10 * time.Second, Logger: logger})
			orch := mustRegister(t, r, "orchestrator")

			for i := 0; i < 3; i++ {
				clock.Advance(11 * time.Second)
				r.Tick()
				if tc.ack && i == 1 {
					if _, err := r.Route(orch, "", "NOOP"); err != nil {
						t.Fatalf("ack: %v", err)
					}
				}
			}

			var warns int
			for _, entry := range buf.List() {
				if entry.Message == "orchestrator unresponsive" {
					warns++
				}
			}
			if warns != tc.wantWarns {
				t.Fatalf("expected %d unresponsive warnings, got %d", tc.wantWarns, warns)
			}
		})
	}
}

func TestIdleParticipantsReaped(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	r := newTestRelay(t, clock, Options{IdleReapAfter: time.Minute, HeartbeatInterval: time.Hour})
	a := mustRegister(t, r, "a")
	b := mustRegister(t, r, "b")

	clock.Advance(50 * time.Second)
	if _, err := r.DrainInbox(a); err != nil {
		t.Fatalf("drain: %v", err)
	}

	clock.Advance(20 * time.Second)
	r.Tick()

	if _, err := r.DrainInbox(b); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected %s reaped, got %v", b, err)
	}
	if _, err := r.DrainInbox(a); err != nil {
		t.Fatalf("expected %s kept alive by polling, got %v", a, err)
	}
}
