package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/dygrag/internal/engine"
	"github.com/OFFIS-RIT/dygrag/internal/queue"
	"github.com/OFFIS-RIT/dygrag/internal/server"
	mid "github.com/OFFIS-RIT/dygrag/internal/server/middleware"
	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	cfg, err := engine.LoadConfig(util.GetEnv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: cfg.Debug,
		JSON:  util.GetEnvBool("LOG_JSON", false),
	})
	logger.Init(consoleLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize engine", "err", err)
	}
	defer eng.Close()

	app := &mid.App{
		Engine:       eng,
		MasterAPIKey: cfg.Server.MasterAPIKey,
	}

	if cfg.Server.AuthURL != "" {
		k, err := server.NewKeyfunc(cfg.Server.AuthURL)
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		app.Keyfunc = k
	}

	// Without a broker, documents are indexed inside the request.
	if cfg.Queue.URL != "" {
		conn, err := queue.Dial(cfg.Queue.URL)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", "err", err)
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open channel", "err", err)
		}
		defer ch.Close()
		if err := queue.SetupQueues(ch, []string{queue.IndexQueue}); err != nil {
			logger.Fatal("Failed to declare queues", "err", err)
		}
		app.Queue = ch
	}

	if err := server.Run(ctx, server.New(app), cfg.Server.Addr); err != nil {
		logger.Fatal("Server failed", "err", err)
	}
}
