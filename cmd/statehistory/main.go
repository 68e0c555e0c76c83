package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/greymass/statehistory/internal/amqptrace"
	"github.com/greymass/statehistory/internal/chain"
	"github.com/greymass/statehistory/internal/config"
	"github.com/greymass/statehistory/internal/logger"
	"github.com/greymass/statehistory/internal/service"
)

var Version = "dev"

var logCategories = []string{"startup", "ship", "log", "prune", "amqp", "warning", "error", "debug"}

func main() {
	config.CheckVersion(Version)

	cfg := &Config{}
	if err := config.Load(cfg, os.Args[1:]); err != nil {
		logger.Fatal("Config error: %v", err)
	}

	logger.RegisterCategories(logCategories...)
	if cfg.Debug {
		logger.SetMinLevel(logger.LevelDebug)
	} else {
		logger.SetCategoryFilter(cfg.LogFilter)
	}
	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			logger.Fatal("Failed to open log file %s: %v", cfg.LogFile, err)
		}
		defer logger.Close()
	}

	logger.Printf("startup", "statehistory %s starting...", Version)

	if !cfg.TraceHistory && !cfg.ChainStateHistory {
		logger.Fatal("enable at least one of --trace-history or --chain-state-history")
	}
	if cfg.TraceHistory && !cfg.DisableReplayOpts {
		logger.Fatal("trace history requires --disable-replay-opts: replay optimizations elide the trace data this service records")
	}
	if cfg.StateHistoryLogVersion != 0 && cfg.StateHistoryLogVersion != 1 {
		logger.Fatal("state-history-log-version must be 0 or 1")
	}

	var chainID chain.Checksum256
	if cfg.ChainID != "" {
		var err error
		chainID, err = chain.Checksum256FromHex(cfg.ChainID)
		if err != nil {
			logger.Fatal("invalid chain-id: %v", err)
		}
	}

	if cfg.DeleteStateHistory {
		logger.Printf("startup", "deleting state history in %s", cfg.StateHistoryDir)
		if err := os.RemoveAll(cfg.StateHistoryDir); err != nil {
			logger.Fatal("delete state history: %v", err)
		}
	}
	if err := os.MkdirAll(cfg.StateHistoryDir, 0755); err != nil {
		logger.Fatal("create state history dir: %v", err)
	}

	var publisher *amqptrace.Publisher
	if cfg.AmqpTraceAddress != "" {
		var err error
		publisher, err = amqptrace.New(cfg.AmqpTraceAddress, cfg.AmqpTraceExchange)
		if err != nil {
			logger.Fatal("amqp trace relay: %v", err)
		}
	}

	svcConfig := service.Config{
		Dir:               cfg.StateHistoryDir,
		TraceHistory:      cfg.TraceHistory,
		ChainStateHistory: cfg.ChainStateHistory,
		TraceDebugMode:    cfg.TraceHistoryDebugMode,
		LogVersion:        uint32(cfg.StateHistoryLogVersion),
		MaxSessions:       cfg.MaxSessions,
		ChainID:           chainID,
	}
	if publisher != nil {
		svcConfig.Publisher = publisher
	}

	svc, err := service.New(svcConfig)
	if err != nil {
		logger.Fatal("service init: %v", err)
	}

	if err := svc.Listen(cfg.StateHistoryEndpoint); err != nil {
		logger.Fatal("listen on %s: %v", cfg.StateHistoryEndpoint, err)
	}

	if cfg.MetricsListen != "none" && cfg.MetricsListen != "" {
		svc.ServeMetrics(cfg.MetricsListen)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Printf("startup", "Service running. Press Ctrl+C to stop.")
	<-sigChan

	logger.Printf("startup", "Shutting down...")
	svc.Close()
	if publisher != nil {
		publisher.Close()
	}
	logger.Printf("startup", "Shutdown complete")
}
