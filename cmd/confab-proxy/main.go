// confab-proxy wraps one interactive CLI agent in a pseudo-terminal and
// connects it to the relay: the human keeps typing as if the proxy were not
// there, while remote messages are injected when the child is quiet and
// shareable output flows back to the conversation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"confab/internal/bridge"
	"confab/internal/client"
	"confab/internal/config"
	"confab/internal/flowctl"
	"confab/internal/logging"
)

const initialPromptDelay = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "proxy TOML config file")
	relayURL := flag.String("relay", "", "relay base URL (overrides config)")
	token := flag.String("token", "", "relay bearer token (overrides config)")
	name := flag.String("name", "", "participant name (overrides config)")
	initialPrompt := flag.String("initial-prompt", "", "message injected shortly after startup")
	logLevel := flag.String("log-level", "info", "debug, info, warning or error")
	flag.Parse()

	level, ok := logging.ParseLevel(*logLevel)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.NewLoggerWithOutput(logging.NewEntryBuffer(logging.DefaultBufferSize), level, os.Stderr)

	cfg, err := config.LoadProxy(*configPath)
	if err != nil {
		logger.Error("config load failed", map[string]string{"error": err.Error()})
		return 1
	}
	if *relayURL != "" {
		cfg.Relay.URL = *relayURL
	}
	if *token != "" {
		cfg.Relay.Token = *token
	}
	if *name != "" {
		cfg.Agent.Name = *name
	}
	if *initialPrompt != "" {
		cfg.Agent.InitialPrompt = *initialPrompt
	}

	command := cfg.Agent.Command
	args := cfg.Agent.Args
	if flag.NArg() > 0 {
		command = flag.Arg(0)
		args = flag.Args()[1:]
	}
	if command == "" {
		fmt.Fprintln(os.Stderr, "usage: confab-proxy [flags] -- command [args...]")
		return 2
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = command
	}

	relayClient, err := client.New(nil, cfg.Relay.URL, cfg.Relay.Token)
	if err != nil {
		logger.Error("relay client setup failed", map[string]string{"error": err.Error()})
		return 1
	}

	id, err := relayClient.Register(cfg.Agent.Name)
	if err != nil {
		logger.Error("register failed", map[string]string{
			"name":  cfg.Agent.Name,
			"error": err.Error(),
		})
		return 1
	}
	defer func() {
		if err := relayClient.Unregister(id); err != nil {
			logger.Warn("unregister failed", map[string]string{"error": err.Error()})
		}
	}()
	logger.Info("registered", map[string]string{"participant": id})

	flow := flowctl.New(cfg.Flow.Tuning(), flowctl.WithDropHandler(func(entry flowctl.Pending, reason flowctl.DropReason) {
		why := "queue full"
		if reason == flowctl.DropStale {
			why = "stale"
		}
		logger.Warn("dropped queued message", map[string]string{
			"sender": entry.Sender,
			"reason": why,
		})
	}))
	session := newSession(relayClient, id, flow, logger, cfg.Share.Auto)

	b, err := bridge.New(bridge.Options{
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Flow:     flow,
		Logger:   logger,
		OnOutput: session.HandleOutput,
		OnInput:  session.HandleInput,
	})
	if err != nil {
		logger.Error("bridge setup failed", map[string]string{"error": err.Error()})
		return 1
	}
	session.bridge = b

	if err := b.Start(command, args...); err != nil {
		logger.Error("child start failed", map[string]string{"error": err.Error()})
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Raw mode so keystrokes reach the child unchanged; restore on every
	// exit path, including signals.
	stdinFd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(stdinFd) {
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			logger.Error("raw mode failed", map[string]string{"error": err.Error()})
			return 1
		}
		restore = func() { _ = term.Restore(stdinFd, state) }
		defer restore()

		resize := func() {
			cols, rows, err := term.GetSize(stdinFd)
			if err != nil {
				return
			}
			_ = b.Resize(uint16(cols), uint16(rows))
		}
		resize()
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		go func() {
			for {
				select {
				case <-winch:
					resize()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		if restore != nil {
			restore()
		}
		cancel()
	}()

	listener := client.NewListener(relayClient, id, logger)
	go listener.Run(ctx)
	go func() {
		for msg := range listener.Messages() {
			session.HandleInbound(msg)
		}
	}()

	go session.Run(ctx)

	if *configPath != "" {
		go func() {
			_ = config.WatchProxy(ctx, *configPath, logger, func(updated config.ProxyConfig) {
				flow.Retune(updated.Flow.Tuning())
			})
		}()
	}

	if cfg.Agent.InitialPrompt != "" {
		prompt := cfg.Agent.InitialPrompt
		time.AfterFunc(initialPromptDelay, func() {
			b.Inject("startup", prompt, false)
		})
	}

	err = b.Run(ctx)
	if restore != nil {
		restore()
	}
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		logger.Error("session ended", map[string]string{"error": err.Error()})
		return 1
	}
}
