package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "-0.25")
	if v := envFloat("TEST_FLOAT", 0); v != -0.25 {
		t.Fatalf("expected -0.25, got %f", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.EmbeddingDimensions != 1024 {
		t.Fatalf("expected default dimensions 1024, got %d", cfg.EmbeddingDimensions)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", cfg.MaxAttempts)
	}
}

func TestValidateRejectsBadDimensions(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.EmbeddingDimensions = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject zero dimensions")
	}
}

func TestValidateRejectsLeaseShorterThanJobTimeout(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.LeaseDuration = 10 * time.Second
	cfg.JobTimeout = 20 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject lease shorter than job timeout")
	}
}
