package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/config"
)

// testContext bounds every storage test call so a hung connection fails the
// test instead of the suite.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	return &config.PostgresConfig{
		Host:           host,
		Port:           "5432",
		Database:       "gmail_assistant",
		User:           "assistant",
		Password:       os.Getenv("POSTGRES_PASSWORD"),
		MaxConnections: 10,
	}
}

func TestNewPostgresDB(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(testContext(t), testPostgresConfig())
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	defer db.Close()

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestPostgresDB_Pool(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(testContext(t), testPostgresConfig())
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	defer db.Close()

	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}
