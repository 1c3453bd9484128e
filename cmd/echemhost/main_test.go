package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("ECHEM_CONFIG")
	defer os.Setenv("ECHEM_CONFIG", originalEnv)

	os.Setenv("ECHEM_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
site:
  id: test-bench

database:
  path: ""
  wal_mode: true
  busy_timeout: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "test-client"
    tls: false
  qos: 1
  reconnect:
    initial_delay: 1
    max_delay: 60

broker:
  channel_ids: ["chan-1"]
  default_lease_seconds: 300
  sweep_interval_seconds: 5
  beacon_interval_seconds: 10

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

instrument:
  driver: sim
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("ECHEM_CONFIG")
	defer os.Setenv("ECHEM_CONFIG", originalEnv)
	os.Setenv("ECHEM_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestRun_NoChannels verifies run fails when no channels are configured.
func TestRun_NoChannels(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
site:
  id: test-bench

database:
  path: "` + filepath.Join(tmpDir, "test.db") + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "test-client"
  qos: 1

broker:
  channel_ids: []
  default_lease_seconds: 300
  sweep_interval_seconds: 5

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

instrument:
  driver: sim
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("ECHEM_CONFIG")
	defer os.Setenv("ECHEM_CONFIG", originalEnv)
	os.Setenv("ECHEM_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with no configured channels")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("ECHEM_CONFIG")
	defer os.Setenv("ECHEM_CONFIG", originalEnv)

	os.Unsetenv("ECHEM_CONFIG")

	path := getConfigPath()
	if path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("ECHEM_CONFIG")
	defer os.Setenv("ECHEM_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("ECHEM_CONFIG", expected)

	path := getConfigPath()
	if path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_SuccessfulStartupAndShutdown tests full startup with running services.
// Requires MQTT broker at 127.0.0.1:1883.
func TestRun_SuccessfulStartupAndShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	dbPath := filepath.Join(tmpDir, "test.db")

	configContent := `
site:
  id: test-bench

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "test-successful-startup"
    tls: false
  qos: 1
  reconnect:
    initial_delay: 1
    max_delay: 5

broker:
  channel_ids: ["chan-1", "chan-2"]
  default_lease_seconds: 300
  sweep_interval_seconds: 5
  beacon_interval_seconds: 10

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

instrument:
  driver: sim
  sim:
    tick_ms: 10
    points: 5
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("ECHEM_CONFIG")
	defer os.Setenv("ECHEM_CONFIG", originalEnv)
	os.Setenv("ECHEM_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := run(ctx)

	if err != nil {
		t.Logf("run() returned error: %v (may be due to missing MQTT broker)", err)
	}
}
