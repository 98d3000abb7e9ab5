package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	// Set some test environment variables
	if err := os.Setenv("SERVER_PORT", "9090"); err != nil {
		t.Fatalf("Failed to set SERVER_PORT: %v", err)
	}
	if err := os.Setenv("POSTGRES_HOST", "testhost"); err != nil {
		t.Fatalf("Failed to set POSTGRES_HOST: %v", err)
	}
	if err := os.Setenv("DLQ_BASE_DELAY", "30s"); err != nil {
		t.Fatalf("Failed to set DLQ_BASE_DELAY: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("SERVER_PORT")
		_ = os.Unsetenv("POSTGRES_HOST")
		_ = os.Unsetenv("DLQ_BASE_DELAY")
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.DeadLetter.BaseDelay != 30*time.Second {
		t.Errorf("DeadLetter.BaseDelay = %v, want %v", cfg.DeadLetter.BaseDelay, 30*time.Second)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.DeadLetter.BaseDelay != 5*time.Minute {
		t.Errorf("DeadLetter.BaseDelay = %v, want 5m", cfg.DeadLetter.BaseDelay)
	}
	if cfg.DeadLetter.MaxRetries != 5 {
		t.Errorf("DeadLetter.MaxRetries = %v, want 5", cfg.DeadLetter.MaxRetries)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("Breaker.FailureThreshold = %v, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.RecoveryTimeout != 60*time.Second {
		t.Errorf("Breaker.RecoveryTimeout = %v, want 60s", cfg.Breaker.RecoveryTimeout)
	}
	if cfg.Gmail.UserID != "me" {
		t.Errorf("Gmail.UserID = %v, want me", cfg.Gmail.UserID)
	}
	if cfg.Sync.MessageCacheTTL != 15*time.Minute {
		t.Errorf("Sync.MessageCacheTTL = %v, want 15m", cfg.Sync.MessageCacheTTL)
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_GET_ENV_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "TEST_GET_ENV_MISSING",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set %s: %v", tt.key, err)
				}
				defer func() { _ = os.Unsetenv(tt.key) }()
			}

			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	if err := os.Setenv("TEST_INT_KEY", "42"); err != nil {
		t.Fatalf("Failed to set TEST_INT_KEY: %v", err)
	}
	defer func() { _ = os.Unsetenv("TEST_INT_KEY") }()

	if got := getEnvAsInt("TEST_INT_KEY", 7); got != 42 {
		t.Errorf("getEnvAsInt() = %v, want 42", got)
	}
	if got := getEnvAsInt("TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("getEnvAsInt() = %v, want default 7", got)
	}

	if err := os.Setenv("TEST_INT_KEY", "not-a-number"); err != nil {
		t.Fatalf("Failed to set TEST_INT_KEY: %v", err)
	}
	if got := getEnvAsInt("TEST_INT_KEY", 7); got != 7 {
		t.Errorf("getEnvAsInt() with invalid value = %v, want default 7", got)
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	if err := os.Setenv("TEST_DURATION_KEY", "90s"); err != nil {
		t.Fatalf("Failed to set TEST_DURATION_KEY: %v", err)
	}
	defer func() { _ = os.Unsetenv("TEST_DURATION_KEY") }()

	if got := getEnvAsDuration("TEST_DURATION_KEY", time.Minute); got != 90*time.Second {
		t.Errorf("getEnvAsDuration() = %v, want 90s", got)
	}
	if got := getEnvAsDuration("TEST_DURATION_MISSING", time.Minute); got != time.Minute {
		t.Errorf("getEnvAsDuration() = %v, want default 1m", got)
	}
}
