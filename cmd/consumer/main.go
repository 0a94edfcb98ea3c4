// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/absmach/eventhubs/config"
	"github.com/absmach/eventhubs/consumer"
	"github.com/absmach/eventhubs/models"
	"github.com/absmach/eventhubs/otel"
	"github.com/absmach/eventhubs/processor"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting Event Hubs consumer", "version", consumer.Version)
	slog.Info("Configuration loaded",
		"namespace", cfg.EventHub.Namespace,
		"eventhub", cfg.EventHub.Name,
		"consumer_group", cfg.EventHub.ConsumerGroup,
		"mode", cfg.Receive.Mode,
		"websockets", cfg.EventHub.UseWebSockets,
		"checkpoint_store", cfg.Checkpoint.Type,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instanceID := cfg.EventHub.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	if cfg.Telemetry.TracesEnabled || cfg.Telemetry.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Telemetry, cfg.EventHub, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)
	}

	if err := run(ctx, cfg, instanceID, logger); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Consumer failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Consumer stopped")
}

func run(ctx context.Context, cfg *config.Config, instanceID string, logger *slog.Logger) error {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return err
	}

	builder := consumer.NewConsumerClientOptions().
		SetInstanceID(instanceID).
		SetRetryOptions(consumer.RetryOptions{
			MaxRetries:   cfg.EventHub.Retry.MaxRetries,
			InitialDelay: cfg.EventHub.Retry.InitialDelay,
			MaxDelay:     cfg.EventHub.Retry.MaxDelay,
		}).
		SetLogger(logger).
		SetWebSockets(cfg.EventHub.UseWebSockets)
	if cfg.EventHub.ApplicationID != "" {
		builder.SetApplicationID(cfg.EventHub.ApplicationID)
	}

	client, err := consumer.New(cfg.EventHub.Namespace, cfg.EventHub.Name, cfg.EventHub.ConsumerGroup, cred, builder.Build())
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Close(cctx); err != nil {
			slog.Warn("Failed to close consumer client", "error", err)
		}
	}()

	if err := client.Open(ctx); err != nil {
		return err
	}

	props, err := client.GetEventHubProperties(ctx)
	if err != nil {
		return err
	}
	slog.Info("Event hub properties",
		"name", props.Name,
		"created_on", props.CreatedOn,
		"partitions", props.PartitionIDs)

	start, err := cfg.Receive.StartPosition.Build()
	if err != nil {
		return err
	}

	if cfg.Receive.Mode == config.ModeProcessor {
		return runProcessor(ctx, cfg, client, start, logger)
	}
	return runPartition(ctx, cfg, client, start)
}

func runPartition(ctx context.Context, cfg *config.Config, client *consumer.ConsumerClient, start models.StartPosition) error {
	opts := consumer.NewReceiveOptions().
		SetPrefetch(cfg.Receive.Prefetch).
		SetStartPosition(start)
	if cfg.Receive.OwnerLevel != nil {
		opts.SetOwnerLevel(*cfg.Receive.OwnerLevel)
	}

	receiver, err := client.ReceiveEventsOnPartition(ctx, cfg.Receive.PartitionID, opts.Build())
	if err != nil {
		return err
	}
	defer receiver.Close(context.Background())

	for n := 0; cfg.Receive.MaxEvents == 0 || n < cfg.Receive.MaxEvents; n++ {
		ev, err := receiver.Receive(ctx)
		if err != nil {
			return err
		}
		slog.Info("Event received", eventAttrs(receiver.PartitionID(), ev)...)
	}
	return nil
}

func runProcessor(ctx context.Context, cfg *config.Config, client *consumer.ConsumerClient, start models.StartPosition, logger *slog.Logger) error {
	store, closer, err := newStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer closer.Close()

	strategy, err := processor.ParseStrategy(cfg.Processor.Strategy)
	if err != nil {
		return err
	}

	proc, err := processor.New(client, store, &processor.Options{
		Strategy:                    strategy,
		UpdateInterval:              cfg.Processor.UpdateInterval,
		PartitionExpirationDuration: cfg.Processor.PartitionExpiration,
		StartPositions:              processor.StartPositions{Default: start},
		Prefetch:                    cfg.Receive.Prefetch,
		Logger:                      logger,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := proc.Run(ctx); err != nil {
			slog.Error("Processor failed", "error", err)
		}
	}()
	defer wg.Wait()

	cp := newCheckpointer(cfg.Checkpoint)
	for {
		pc, err := proc.NextPartitionClient(ctx)
		if err != nil {
			if errors.Is(err, processor.ErrProcessorStopped) {
				return nil
			}
			return err
		}
		slog.Info("Partition claimed", "partition_id", pc.PartitionID())

		wg.Add(1)
		go func() {
			defer wg.Done()
			processPartition(ctx, pc, cp)
		}()
	}
}

func processPartition(ctx context.Context, pc *processor.PartitionClient, cp *checkpointer) {
	defer pc.Close(context.Background())

	for {
		ev, err := pc.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Partition receive ended", "partition_id", pc.PartitionID(), "error", err)
			}
			return
		}
		slog.Info("Event received", eventAttrs(pc.PartitionID(), ev)...)

		if !cp.allow(pc.PartitionID()) {
			continue
		}
		if err := pc.UpdateCheckpoint(ctx, ev); err != nil {
			slog.Warn("Failed to update checkpoint", "partition_id", pc.PartitionID(), "error", err)
		}
	}
}
