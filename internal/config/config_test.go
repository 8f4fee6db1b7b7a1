// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("SPINE_BACKEND_KIND")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.Kind != BackendMemory {
		t.Fatalf("expected default backend kind %q, got %q", BackendMemory, cfg.Backend.Kind)
	}
	if cfg.Spine.MaxSteps != 100_000 {
		t.Fatalf("expected default max_steps 100000, got %d", cfg.Spine.MaxSteps)
	}
	if cfg.DLQ.MaxSize != 10_000 {
		t.Fatalf("expected default dlq max_size 10000, got %d", cfg.DLQ.MaxSize)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend.Kind = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown backend.kind")
	}

	cfg = defaultConfig()
	cfg.Backend.Kind = BackendStreams
	cfg.Backend.Streams.StreamKey = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing backend.streams.stream_key")
	}

	cfg = defaultConfig()
	cfg.Spine.MaxSteps = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for spine.max_steps < 1")
	}

	cfg = defaultConfig()
	cfg.Spine.EnqueueFailureMode = "NOT_A_MODE"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid enqueue_failure_mode")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for out-of-range metrics_port")
	}
}

func TestValidatePasses(t *testing.T) {
	cfg := defaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}
