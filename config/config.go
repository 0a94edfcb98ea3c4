// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/absmach/eventhubs/models"
	"gopkg.in/yaml.v3"
)

// Receive modes.
const (
	ModePartition = "partition"
	ModeProcessor = "processor"
)

// Checkpoint store types.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreEtcd   = "etcd"
)

// Config holds all configuration for the consumer.
type Config struct {
	EventHub   EventHubConfig   `yaml:"eventhub"`
	Receive    ReceiveConfig    `yaml:"receive"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// EventHubConfig identifies the event hub and configures the client.
type EventHubConfig struct {
	Namespace     string      `yaml:"namespace"` // e.g. myns.servicebus.windows.net
	Name          string      `yaml:"name"`
	ConsumerGroup string      `yaml:"consumer_group"`
	ApplicationID string      `yaml:"application_id"`
	InstanceID    string      `yaml:"instance_id"`
	UseWebSockets bool        `yaml:"use_websockets"`
	Retry         RetryConfig `yaml:"retry"`
}

// RetryConfig holds management request retry settings.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// ReceiveConfig selects what is read.
type ReceiveConfig struct {
	Mode          string              `yaml:"mode"`         // partition, processor
	PartitionID   string              `yaml:"partition_id"` // partition mode only
	StartPosition StartPositionConfig `yaml:"start_position"`
	OwnerLevel    *int64              `yaml:"owner_level"`
	Prefetch      uint32              `yaml:"prefetch"`
	MaxEvents     int                 `yaml:"max_events"` // 0 reads until interrupted
}

// StartPositionConfig describes where reading begins.
type StartPositionConfig struct {
	Location       string    `yaml:"location"` // earliest, latest, offset, sequence_number, enqueued_time
	Offset         string    `yaml:"offset"`
	SequenceNumber int64     `yaml:"sequence_number"`
	EnqueuedTime   time.Time `yaml:"enqueued_time"`
	Inclusive      bool      `yaml:"inclusive"`
}

// ProcessorConfig holds load balancing settings.
type ProcessorConfig struct {
	Strategy            string        `yaml:"strategy"` // balanced, greedy
	UpdateInterval      time.Duration `yaml:"update_interval"`
	PartitionExpiration time.Duration `yaml:"partition_expiration"`
}

// CheckpointConfig holds checkpoint store settings.
type CheckpointConfig struct {
	Type string `yaml:"type"` // memory, badger, etcd

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// etcd settings
	EtcdEndpoints   []string      `yaml:"etcd_endpoints"`
	EtcdPrefix      string        `yaml:"etcd_prefix"`
	EtcdDialTimeout time.Duration `yaml:"etcd_dial_timeout"`

	// Checkpoint writes per second per partition and burst
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Endpoint        string            `yaml:"endpoint"` // OTLP gRPC endpoint
	Insecure        bool              `yaml:"insecure"` // plaintext gRPC instead of TLS
	Headers         map[string]string `yaml:"headers"`
	Compression     string            `yaml:"compression"` // none, gzip
	ExportTimeout   time.Duration     `yaml:"export_timeout"`
	ExportInterval  time.Duration     `yaml:"export_interval"` // metrics only
	ServiceName     string            `yaml:"service_name"`
	ServiceVersion  string            `yaml:"service_version"`
	TracesEnabled   bool              `yaml:"traces_enabled"`
	MetricsEnabled  bool              `yaml:"metrics_enabled"`
	TraceSampleRate float64           `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with default values. The event hub
// namespace and name have no default.
func Default() *Config {
	return &Config{
		EventHub: EventHubConfig{
			ConsumerGroup: "$Default",
			Retry: RetryConfig{
				MaxRetries:   3,
				InitialDelay: 800 * time.Millisecond,
				MaxDelay:     time.Minute,
			},
		},
		Receive: ReceiveConfig{
			Mode:        ModePartition,
			PartitionID: "0",
			StartPosition: StartPositionConfig{
				Location: "latest",
			},
			Prefetch: 300,
		},
		Processor: ProcessorConfig{
			Strategy:            "balanced",
			UpdateInterval:      10 * time.Second,
			PartitionExpiration: time.Minute,
		},
		Checkpoint: CheckpointConfig{
			Type:            StoreMemory,
			BadgerDir:       "/tmp/eventhubs/checkpoints",
			EtcdEndpoints:   []string{"localhost:2379"},
			EtcdPrefix:      "/eventhubs",
			EtcdDialTimeout: 5 * time.Second,
			Rate:            1,
			Burst:           1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Insecure:        true,
			Compression:     "none",
			ExportTimeout:   30 * time.Second,
			ExportInterval:  10 * time.Second,
			ServiceName:     "eventhubs-consumer",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.EventHub.Namespace == "" {
		return fmt.Errorf("eventhub.namespace cannot be empty")
	}
	if c.EventHub.Name == "" {
		return fmt.Errorf("eventhub.name cannot be empty")
	}
	if c.EventHub.Retry.MaxRetries < 0 {
		return fmt.Errorf("eventhub.retry.max_retries cannot be negative")
	}

	switch c.Receive.Mode {
	case ModePartition:
		if c.Receive.PartitionID == "" {
			return fmt.Errorf("receive.partition_id required in partition mode")
		}
	case ModeProcessor:
	default:
		return fmt.Errorf("receive.mode must be one of: partition, processor")
	}
	if _, err := c.Receive.StartPosition.Build(); err != nil {
		return err
	}
	if c.Receive.Prefetch > math.MaxInt32 {
		return fmt.Errorf("receive.prefetch cannot exceed %d", math.MaxInt32)
	}
	if c.Receive.MaxEvents < 0 {
		return fmt.Errorf("receive.max_events cannot be negative")
	}

	if c.Processor.Strategy != "balanced" && c.Processor.Strategy != "greedy" {
		return fmt.Errorf("processor.strategy must be one of: balanced, greedy")
	}
	if c.Processor.UpdateInterval <= 0 {
		return fmt.Errorf("processor.update_interval must be positive")
	}
	if c.Processor.PartitionExpiration < c.Processor.UpdateInterval {
		return fmt.Errorf("processor.partition_expiration must be at least processor.update_interval")
	}

	switch c.Checkpoint.Type {
	case StoreMemory:
	case StoreBadger:
		if c.Checkpoint.BadgerDir == "" {
			return fmt.Errorf("checkpoint.badger_dir required for badger store")
		}
	case StoreEtcd:
		if len(c.Checkpoint.EtcdEndpoints) == 0 {
			return fmt.Errorf("checkpoint.etcd_endpoints required for etcd store")
		}
	default:
		return fmt.Errorf("checkpoint.type must be one of: memory, badger, etcd")
	}
	if c.Checkpoint.Rate <= 0 {
		return fmt.Errorf("checkpoint.rate must be positive")
	}
	if c.Checkpoint.Burst < 1 {
		return fmt.Errorf("checkpoint.burst must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}
	if (c.Telemetry.TracesEnabled || c.Telemetry.MetricsEnabled) && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
	}
	if c.Telemetry.Compression != "none" && c.Telemetry.Compression != "gzip" {
		return fmt.Errorf("telemetry.compression must be one of: none, gzip")
	}
	if c.Telemetry.ExportTimeout <= 0 {
		return fmt.Errorf("telemetry.export_timeout must be positive")
	}
	if c.Telemetry.MetricsEnabled && c.Telemetry.ExportInterval <= 0 {
		return fmt.Errorf("telemetry.export_interval must be positive when metrics are enabled")
	}

	return nil
}

// Build converts the configuration into a start position.
func (s StartPositionConfig) Build() (models.StartPosition, error) {
	b := models.NewStartPosition()
	switch s.Location {
	case "", "latest":
		b.WithLatestLocation()
	case "earliest":
		b.WithEarliestLocation()
	case "offset":
		if s.Offset == "" {
			return models.StartPosition{}, fmt.Errorf("receive.start_position.offset required for offset location")
		}
		b.WithOffset(s.Offset)
	case "sequence_number":
		b.WithSequenceNumber(s.SequenceNumber)
	case "enqueued_time":
		if s.EnqueuedTime.IsZero() {
			return models.StartPosition{}, fmt.Errorf("receive.start_position.enqueued_time required for enqueued_time location")
		}
		b.WithEnqueuedTime(s.EnqueuedTime)
	default:
		return models.StartPosition{}, fmt.Errorf("receive.start_position.location must be one of: earliest, latest, offset, sequence_number, enqueued_time")
	}
	if s.Inclusive {
		b.Inclusive()
	}
	return b.Build(), nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
