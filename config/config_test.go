// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"math"
	"os"
	"testing"
	"time"

	"github.com/absmach/eventhubs/models"
)

func validConfig() *Config {
	cfg := Default()
	cfg.EventHub.Namespace = "myns.servicebus.windows.net"
	cfg.EventHub.Name = "telemetry"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.EventHub.ConsumerGroup != "$Default" {
		t.Errorf("expected default consumer group $Default, got %s", cfg.EventHub.ConsumerGroup)
	}
	if cfg.Receive.Mode != ModePartition {
		t.Errorf("expected default mode partition, got %s", cfg.Receive.Mode)
	}
	if cfg.Receive.Prefetch != 300 {
		t.Errorf("expected default prefetch 300, got %d", cfg.Receive.Prefetch)
	}
	if cfg.Processor.UpdateInterval != 10*time.Second {
		t.Errorf("expected update interval 10s, got %v", cfg.Processor.UpdateInterval)
	}
	if cfg.Processor.PartitionExpiration != time.Minute {
		t.Errorf("expected partition expiration 1m, got %v", cfg.Processor.PartitionExpiration)
	}
	if cfg.Checkpoint.Type != StoreMemory {
		t.Errorf("expected memory checkpoint store, got %s", cfg.Checkpoint.Type)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	if err := cfg.Validate(); err == nil {
		t.Error("expected default config without an event hub to be invalid")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing namespace",
			modify:  func(c *Config) { c.EventHub.Namespace = "" },
			wantErr: true,
		},
		{
			name:    "missing event hub name",
			modify:  func(c *Config) { c.EventHub.Name = "" },
			wantErr: true,
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.EventHub.Retry.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "unknown mode",
			modify:  func(c *Config) { c.Receive.Mode = "batch" },
			wantErr: true,
		},
		{
			name:    "partition mode without partition",
			modify:  func(c *Config) { c.Receive.PartitionID = "" },
			wantErr: true,
		},
		{
			name: "processor mode without partition",
			modify: func(c *Config) {
				c.Receive.Mode = ModeProcessor
				c.Receive.PartitionID = ""
			},
			wantErr: false,
		},
		{
			name:    "offset location without offset",
			modify:  func(c *Config) { c.Receive.StartPosition.Location = "offset" },
			wantErr: true,
		},
		{
			name:    "unknown location",
			modify:  func(c *Config) { c.Receive.StartPosition.Location = "middle" },
			wantErr: true,
		},
		{
			name:    "prefetch above link credit range",
			modify:  func(c *Config) { c.Receive.Prefetch = math.MaxInt32 + 1 },
			wantErr: true,
		},
		{
			name:    "unknown strategy",
			modify:  func(c *Config) { c.Processor.Strategy = "random" },
			wantErr: true,
		},
		{
			name:    "expiration shorter than update interval",
			modify:  func(c *Config) { c.Processor.PartitionExpiration = time.Second },
			wantErr: true,
		},
		{
			name: "badger store without dir",
			modify: func(c *Config) {
				c.Checkpoint.Type = StoreBadger
				c.Checkpoint.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "etcd store without endpoints",
			modify: func(c *Config) {
				c.Checkpoint.Type = StoreEtcd
				c.Checkpoint.EtcdEndpoints = nil
			},
			wantErr: true,
		},
		{
			name:    "unknown store",
			modify:  func(c *Config) { c.Checkpoint.Type = "s3" },
			wantErr: true,
		},
		{
			name:    "zero checkpoint rate",
			modify:  func(c *Config) { c.Checkpoint.Rate = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "sample rate out of range",
			modify:  func(c *Config) { c.Telemetry.TraceSampleRate = 1.5 },
			wantErr: true,
		},
		{
			name:    "unknown compression",
			modify:  func(c *Config) { c.Telemetry.Compression = "zstd" },
			wantErr: true,
		},
		{
			name: "metrics without export interval",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.ExportInterval = 0
			},
			wantErr: true,
		},
		{
			name: "telemetry enabled without endpoint",
			modify: func(c *Config) {
				c.Telemetry.TracesEnabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStartPositionBuild(t *testing.T) {
	enqueued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		cfg  StartPositionConfig
		want models.StartPosition
	}{
		{
			name: "empty is latest",
			cfg:  StartPositionConfig{},
			want: models.NewStartPosition().WithLatestLocation().Build(),
		},
		{
			name: "earliest",
			cfg:  StartPositionConfig{Location: "earliest"},
			want: models.NewStartPosition().WithEarliestLocation().Build(),
		},
		{
			name: "inclusive offset",
			cfg:  StartPositionConfig{Location: "offset", Offset: "4096", Inclusive: true},
			want: models.NewStartPosition().WithOffset("4096").Inclusive().Build(),
		},
		{
			name: "sequence number",
			cfg:  StartPositionConfig{Location: "sequence_number", SequenceNumber: 42},
			want: models.NewStartPosition().WithSequenceNumber(42).Build(),
		},
		{
			name: "enqueued time",
			cfg:  StartPositionConfig{Location: "enqueued_time", EnqueuedTime: enqueued},
			want: models.NewStartPosition().WithEnqueuedTime(enqueued).Build(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Build()
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if models.StartExpression(&got) != models.StartExpression(&tt.want) {
				t.Errorf("expected %s, got %s", models.StartExpression(&tt.want), models.StartExpression(&got))
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.EventHub.ConsumerGroup != "$Default" {
		t.Errorf("expected default config, got consumer group %s", cfg.EventHub.ConsumerGroup)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("eventhub:\n  name: telemetry\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(tmpfile); err == nil {
		t.Error("expected error for config without namespace")
	}

	if err := os.WriteFile(tmpfile, []byte("eventhub: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(tmpfile); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := validConfig()
	cfg.Receive.Mode = ModeProcessor
	cfg.Processor.UpdateInterval = 5 * time.Second
	cfg.Checkpoint.Type = StoreEtcd
	cfg.Checkpoint.EtcdEndpoints = []string{"etcd-0:2379", "etcd-1:2379"}
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.EventHub.Namespace != "myns.servicebus.windows.net" {
		t.Errorf("expected namespace myns.servicebus.windows.net, got %s", loaded.EventHub.Namespace)
	}
	if loaded.Receive.Mode != ModeProcessor {
		t.Errorf("expected processor mode, got %s", loaded.Receive.Mode)
	}
	if loaded.Processor.UpdateInterval != 5*time.Second {
		t.Errorf("expected update interval 5s, got %v", loaded.Processor.UpdateInterval)
	}
	if len(loaded.Checkpoint.EtcdEndpoints) != 2 {
		t.Errorf("expected 2 etcd endpoints, got %v", loaded.Checkpoint.EtcdEndpoints)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
