package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("expected default env development, got %q", cfg.Env)
	}
	if cfg.DBName != "sable" {
		t.Errorf("expected default db name sable, got %q", cfg.DBName)
	}
	if cfg.AWSRegion != "us-east-1" {
		t.Errorf("expected default region us-east-1, got %q", cfg.AWSRegion)
	}
	if cfg.TickInterval != time.Minute {
		t.Errorf("expected default tick interval 1m, got %s", cfg.TickInterval)
	}
	if cfg.SendTimeout != 30*time.Second {
		t.Errorf("expected default send timeout 30s, got %s", cfg.SendTimeout)
	}
	if cfg.MailHogPort != 1025 {
		t.Errorf("expected default mailhog port 1025, got %d", cfg.MailHogPort)
	}
	if cfg.EnqueueRateLimit != 120 {
		t.Errorf("expected default enqueue rate limit 120, got %d", cfg.EnqueueRateLimit)
	}
	if cfg.EnqueueRateWindow != time.Minute {
		t.Errorf("expected default enqueue rate window 1m, got %s", cfg.EnqueueRateWindow)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("DEFAULT_FROM_EMAIL", "news@example.com")
	t.Setenv("TICK_INTERVAL", "15s")
	t.Setenv("SEND_TIMEOUT", "5s")
	t.Setenv("ENQUEUE_RATE_LIMIT", "10")
	t.Setenv("ENQUEUE_RATE_WINDOW", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env production, got %q", cfg.Env)
	}
	if cfg.DBHost != "db.internal" {
		t.Errorf("expected db host db.internal, got %q", cfg.DBHost)
	}
	if cfg.RedisPort != 6380 {
		t.Errorf("expected redis port 6380, got %d", cfg.RedisPort)
	}
	if cfg.AWSRegion != "eu-west-1" {
		t.Errorf("expected region eu-west-1, got %q", cfg.AWSRegion)
	}
	if cfg.DefaultFromEmail != "news@example.com" {
		t.Errorf("expected sender override, got %q", cfg.DefaultFromEmail)
	}
	if cfg.TickInterval != 15*time.Second {
		t.Errorf("expected tick interval 15s, got %s", cfg.TickInterval)
	}
	if cfg.SendTimeout != 5*time.Second {
		t.Errorf("expected send timeout 5s, got %s", cfg.SendTimeout)
	}
	if cfg.EnqueueRateLimit != 10 {
		t.Errorf("expected enqueue rate limit 10, got %d", cfg.EnqueueRateLimit)
	}
	if cfg.EnqueueRateWindow != 30*time.Second {
		t.Errorf("expected enqueue rate window 30s, got %s", cfg.EnqueueRateWindow)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "not-a-number"},
		{"DB_PORT", "abc"},
		{"REDIS_DB", "x"},
		{"TICK_INTERVAL", "soon"},
		{"SEND_TIMEOUT", "later"},
		{"ENQUEUE_RATE_LIMIT", "lots"},
		{"ENQUEUE_RATE_WINDOW", "often"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
