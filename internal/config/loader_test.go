package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp dir and returns the forgeline config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "forgeline")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 9090
pipeline:
  max_attempts: 5
  escalation_threshold: 2
  retry_delay: 250ms
  healing_budget: 1
gateway:
  standard_models: [small-a, small-b]
  escalated_models: [large-a]
events:
  backend: nats
  embedded: true
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxAttempts != 5 || cfg.Pipeline.EscalationThreshold != 2 {
		t.Errorf("Pipeline = %+v, want max 5 / threshold 2", cfg.Pipeline)
	}
	if cfg.Pipeline.RetryDelay != 250*time.Millisecond {
		t.Errorf("Pipeline.RetryDelay = %v, want 250ms", cfg.Pipeline.RetryDelay)
	}
	if len(cfg.Gateway.StandardModels) != 2 || cfg.Gateway.StandardModels[1] != "small-b" {
		t.Errorf("Gateway.StandardModels = %v", cfg.Gateway.StandardModels)
	}
	if cfg.Events.Backend != "nats" || !cfg.Events.Embedded {
		t.Errorf("Events = %+v, want embedded nats", cfg.Events)
	}
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 9090
observability:
  service_name: yaml-service
`, 0600)

	t.Setenv("FORGELINE_SERVER_HTTP_PORT", "7777")
	t.Setenv("FORGELINE_OBSERVABILITY_SERVICE_NAME", "env-service")
	t.Setenv("FORGELINE_GATEWAY_API_KEY", "sk-from-env")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if cfg.Observability.ServiceName != "env-service" {
		t.Errorf("Observability.ServiceName = %q, want env-service", cfg.Observability.ServiceName)
	}
	if cfg.Gateway.APIKey.Value() != "sk-from-env" {
		t.Errorf("Gateway.APIKey not loaded from env")
	}
	if cfg.Gateway.APIKey.String() != "[REDACTED]" {
		t.Errorf("Gateway.APIKey.String() = %q, want redacted", cfg.Gateway.APIKey.String())
	}
}

func TestLoadWithFile_UnprefixedEnvIgnored(t *testing.T) {
	dir := setupTestHome(t)
	t.Setenv("SERVER_HTTP_PORT", "7777")

	cfg, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want default 9191", cfg.Server.Port)
	}
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}
	if cfg.Pipeline.MaxAttempts != 7 || cfg.Pipeline.EscalationThreshold != 4 {
		t.Errorf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Knowledge.Provider != "chromem" || cfg.Events.Backend != "memory" {
		t.Errorf("unexpected provider defaults: %q %q", cfg.Knowledge.Provider, cfg.Events.Backend)
	}
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: [\n", 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

func TestLoadWithFile_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"port", "server:\n  http_port: 99999\n", "invalid server port"},
		{"knowledge provider", "knowledge:\n  provider: pinecone\n", "knowledge provider"},
		{"events backend", "events:\n  backend: kafka\n", "events backend"},
		{"redis without url", "events:\n  backend: redis\n", "redis_url"},
		{"archive without endpoint", "archive:\n  enabled: true\n", "archive.endpoint"},
		{"negative healing", "pipeline:\n  healing_budget: -1\n", "healing_budget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupTestHome(t)
			path := writeConfig(t, dir, tt.yaml, 0600)

			_, err := LoadWithFile(path)
			if err == nil {
				t.Fatalf("LoadWithFile() should fail validation")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadWithFile_PathTraversal(t *testing.T) {
	setupTestHome(t)

	_, err := LoadWithFile("../../../../etc/passwd")
	if err == nil {
		t.Fatal("Expected error for path traversal, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/forgeline/ or /etc/forgeline/") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

func TestLoadWithFile_SiblingDirectoryRejected(t *testing.T) {
	dir := setupTestHome(t)
	sibling := dir + "-evil"
	if err := os.MkdirAll(sibling, 0700); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadWithFile(filepath.Join(sibling, "config.yaml")); err == nil {
		t.Error("Expected error for sibling directory sharing the prefix")
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9090\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Errorf("Expected 'insecure permissions' error, got: %v", err)
	}
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, string(bytes.Repeat([]byte("# comment line\n"), 150000)), 0600)

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected error for large file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"FORGELINE_PIPELINE_MAX_ATTEMPTS": "pipeline.max_attempts",
		"FORGELINE_GATEWAY_API_KEY":       "gateway.api_key",
		"FORGELINE_STORE_PATH":            "store.path",
		"FORGELINE_DEBUG":                 "debug",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-live-123")

	if s.String() != "[REDACTED]" {
		t.Errorf("String() = %q", s.String())
	}
	data, err := s.MarshalJSON()
	if err != nil || string(data) != `"[REDACTED]"` {
		t.Errorf("MarshalJSON() = %s, %v", data, err)
	}
	var back Secret
	if err := back.UnmarshalJSON(data); err == nil {
		t.Error("UnmarshalJSON should refuse the redacted placeholder")
	}
}

func TestDuration_RejectsNegative(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("-5s")); err == nil {
		t.Error("expected error for negative duration")
	}
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", d.Duration())
	}
}
