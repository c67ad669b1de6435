package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"confab/internal/bridge"
	"confab/internal/client"
	"confab/internal/directive"
	"confab/internal/flowctl"
	"confab/internal/logging"
	"confab/internal/sanitize"
	"confab/internal/wire"
)

const (
	blockPollInterval = 500 * time.Millisecond
	maxBlockBytes     = 16 * 1024
)

// session owns the proxy's conversation-facing state: the sanitized output
// block under construction, the share flags, and directive execution for
// both the agent's output and the human's local commands.
type session struct {
	client *client.Client
	bridge *bridge.Bridge
	flow   *flowctl.Controller
	logger *logging.Logger
	id     string

	mu          sync.Mutex
	streamer    *sanitize.Streamer
	pendingLine string
	block       strings.Builder
	lastBlock   string
	autoShare   bool

	interceptor *lineInterceptor
}

func newSession(c *client.Client, id string, flow *flowctl.Controller, logger *logging.Logger, autoShare bool) *session {
	s := &session{
		client:    c,
		flow:      flow,
		logger:    logger,
		id:        id,
		streamer:  sanitize.NewStreamer(),
		autoShare: autoShare,
	}
	s.interceptor = newLineInterceptor(s.handleLocalCommand)
	return s
}

// HandleOutput consumes one child output chunk: sanitize, execute directive
// lines, and grow the current share block from the rest.
func (s *session) HandleOutput(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := s.streamer.Feed(chunk)
	if text == "" {
		return
	}
	s.pendingLine += text
	for {
		idx := strings.IndexByte(s.pendingLine, '\n')
		if idx < 0 {
			break
		}
		line := s.pendingLine[:idx]
		s.pendingLine = s.pendingLine[idx+1:]
		s.consumeLineLocked(line)
	}
}

func (s *session) consumeLineLocked(line string) {
	if d, ok := directive.Parse(line); ok {
		// Directives written by the agent act on the conversation and are
		// never part of the shared block.
		go s.execute(d)
		return
	}
	if s.block.Len() < maxBlockBytes {
		s.block.WriteString(line)
		s.block.WriteByte('\n')
	}
}

// Run finalizes output blocks whenever the child goes quiet. The block
// becomes the /share target and, with auto share on, may be broadcast.
func (s *session) Run(ctx context.Context) {
	ticker := time.NewTicker(blockPollInterval)
	defer ticker.Stop()

	lastQueued := 0
	for {
		select {
		case <-ticker.C:
			if s.flow.IsIdle() {
				s.finalizeBlock()
			}
			queued := s.flow.QueueLen()
			if queued > 0 && queued != lastQueued {
				s.logger.Info("messages queued waiting for idle", map[string]string{
					"count": fmt.Sprintf("%d", queued),
				})
			}
			lastQueued = queued
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) finalizeBlock() {
	s.mu.Lock()
	if s.block.Len() == 0 {
		s.mu.Unlock()
		return
	}
	block := strings.TrimSpace(s.block.String())
	s.block.Reset()
	if block != "" {
		s.lastBlock = block
	}
	auto := s.autoShare
	s.mu.Unlock()

	if block == "" {
		return
	}
	if auto && sanitize.ShouldShare(block) {
		s.share(block)
	}
}

func (s *session) share(text string) {
	if _, err := s.client.Send(s.id, "", text); err != nil {
		s.logger.Warn("share failed", map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("output shared", map[string]string{
		"bytes": fmt.Sprintf("%d", len(text)),
	})
}

// HandleInput intercepts local commands typed at a fresh line; everything
// else reaches the child verbatim.
func (s *session) HandleInput(data []byte) []byte {
	return s.interceptor.Feed(data)
}

func (s *session) handleLocalCommand(line string) bool {
	d, ok := directive.Parse(line)
	if !ok || !d.LocalOnly() {
		return false
	}
	switch d.Kind {
	case directive.KindShare:
		s.mu.Lock()
		last := s.lastBlock
		s.autoShare = true
		s.mu.Unlock()
		if last != "" {
			s.share(last)
		}
	case directive.KindNoShare:
		s.mu.Lock()
		s.autoShare = false
		s.mu.Unlock()
		s.logger.Info("sharing disabled", nil)
	case directive.KindPause:
		s.flow.Pause()
		s.logger.Info("injection paused", nil)
	case directive.KindResume:
		s.flow.Resume()
		s.logger.Info("injection resumed", nil)
	}
	return true
}

// execute performs an agent-written directive against the relay.
func (s *session) execute(d directive.Directive) {
	var err error
	switch d.Kind {
	case directive.KindSend:
		_, err = s.client.Send(s.id, d.Target, d.Body)
	case directive.KindBroadcast:
		_, err = s.client.Send(s.id, "", d.Body)
	case directive.KindModeSet:
		_, err = s.client.SetMode(wire.ModeSetRequest{
			Mode:      wire.Mode(d.Mode),
			Topic:     d.Topic,
			MaxRounds: d.Rounds,
		})
	case directive.KindModeStatus:
		var status wire.ModeStatus
		status, err = s.client.Mode()
		if err == nil {
			payload, _ := json.Marshal(status)
			s.bridge.Inject("system", "[system] "+string(payload), false)
		}
	case directive.KindQueryLog:
		limit := d.Limit
		if limit <= 0 {
			limit = 10
		}
		var recent []wire.Message
		recent, err = s.client.History(client.HistoryQuery{Limit: limit})
		if err == nil {
			payload, _ := json.Marshal(recent)
			s.bridge.Inject("system", "[system] "+string(payload), false)
		}
	case directive.KindWorking:
		_, err = s.client.ExtendTurn(s.id)
	case directive.KindNoop:
	}
	if err != nil {
		s.logger.Warn("directive failed", map[string]string{
			"directive": d.Kind.String(),
			"error":     err.Error(),
		})
	}
}

// HandleInbound injects one relay delivery into the child.
func (s *session) HandleInbound(msg wire.Message) {
	if msg.From == s.id {
		return
	}

	content, urgent := directive.StripUrgent(msg.Content)
	text := fmt.Sprintf("[%s] %s", msg.From, content)
	switch msg.TurnSignal {
	case wire.TurnYourTurn:
		text += " (it is your turn to respond)"
	case wire.TurnWaiting:
		text += " (wait for your turn)"
	}
	s.bridge.Inject(msg.From, text, urgent)
}
