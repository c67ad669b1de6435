// confab-relay serves the shared conversation: participant registry, message
// routing, history, and turn orchestration, over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confab/internal/api"
	"confab/internal/config"
	"confab/internal/logging"
	"confab/internal/relay"
)

const tickInterval = 500 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "relay YAML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	token := flag.String("token", "", "bearer token for API auth (overrides config)")
	historyPath := flag.String("history", "", "history JSONL path (overrides config)")
	logLevel := flag.String("log-level", "", "debug, info, warning or error (overrides config)")
	flag.Parse()

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		logging.NewLogger(nil, logging.LevelInfo).Error("config load failed", map[string]string{
			"error": err.Error(),
		})
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *historyPath != "" {
		cfg.HistoryPath = *historyPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.NewLogger(logging.NewEntryBuffer(logging.DefaultBufferSize), level)

	rly, err := relay.New(relay.Options{
		HistoryPath:       cfg.HistoryPath,
		HistoryCap:        cfg.HistoryCap,
		TurnTimeout:       cfg.TurnTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		IdleReapAfter:     cfg.IdleReapAfter(),
		Logger:            logger,
	})
	if err != nil {
		logger.Error("relay setup failed", map[string]string{"error": err.Error()})
		return 1
	}
	defer rly.Close()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, rly, cfg.Token, logger)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("shutdown signal received", map[string]string{"signal": sig.String()})
		cancel()
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				rly.Tick()
			case <-shutdownCtx.Done():
				return
			}
		}
	}()

	go func() {
		<-shutdownCtx.Done()
		drain, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		_ = server.Shutdown(drain)
	}()

	logger.Info("relay listening", map[string]string{"addr": cfg.Listen})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped", map[string]string{"error": err.Error()})
		return 1
	}
	return 0
}
