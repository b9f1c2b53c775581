package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/dygrag/internal/engine"
	"github.com/OFFIS-RIT/dygrag/internal/queue"
	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/logger/console"

	amqp "github.com/rabbitmq/amqp091-go"
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

	// Init rabbitmq
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

	// One batch in flight at a time.
	if err := ch.Qos(1, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := ch.ConsumeWithContext(
		ctx,
		queue.IndexQueue,
		queue.IndexQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.IndexQueue, "err", err)
	}

	logger.Info("Listening for messages", "queue", queue.IndexQueue)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, exiting...")
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("Message channel closed", "queue", queue.IndexQueue)
				return
			}
			handleMessage(ctx, eng, ch, msg)
		}
	}
}

func handleMessage(ctx context.Context, eng *engine.Engine, ch *amqp.Channel, msg amqp.Delivery) {
	startTime := time.Now()
	before := eng.Metrics()
	logger.Info("Received message", "queue", queue.IndexQueue, "retries", queue.Retries(msg))

	err := queue.ProcessIndexMessage(ctx, eng, msg.Body)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			logger.Error("Failed to ack message", "err", ackErr)
		}
		logger.Info("Message processed successfully", "queue", queue.IndexQueue)
	case errors.Is(err, context.Canceled):
		// Shutting down; the broker redelivers the message.
		_ = msg.Nack(false, true)
		return
	default:
		logger.Error("Error processing message", "queue", queue.IndexQueue, "err", err)
		queue.HandleProcessingError(context.WithoutCancel(ctx), ch, msg, queue.IndexQueue, err)
	}

	after := eng.Metrics()
	logger.Info(
		"AI Metrics",
		"input_tokens", after.InputTokens-before.InputTokens,
		"output_tokens", after.OutputTokens-before.OutputTokens,
		"total_tokens", after.TotalTokens-before.TotalTokens,
		"duration", formatDuration(time.Duration(after.DurationMs-before.DurationMs)*time.Millisecond),
	)
	logger.Info("Processing time", "duration", formatDuration(time.Since(startTime)))
	logger.Info("Waiting for next message")
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
