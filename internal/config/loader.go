package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024
	envPrefix         = "FORGELINE_"
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence, highest first:
//  1. FORGELINE_* environment variables (a .env file in the working
//     directory is loaded first and never overrides the real environment)
//  2. YAML config file (~/.config/forgeline/config.yaml by default)
//  3. Defaults
//
// The file must live under ~/.config/forgeline/ or /etc/forgeline/, have
// 0600 or 0400 permissions, and be at most 1MB.
//
// Environment variables map onto section.field by splitting on the first
// underscore after the prefix:
//
//	FORGELINE_PIPELINE_MAX_ATTEMPTS -> pipeline.max_attempts
//	FORGELINE_GATEWAY_API_KEY       -> gateway.api_key
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "forgeline", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps FORGELINE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile validates and reads the file through a single descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/forgeline with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "forgeline")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	for _, dir := range []string{filepath.Join(home, ".config", "forgeline"), "/etc/forgeline"} {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/forgeline/ or /etc/forgeline/")
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "forgeline"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 7
	}
	if cfg.Pipeline.EscalationThreshold == 0 {
		cfg.Pipeline.EscalationThreshold = 4
	}
	if cfg.Pipeline.RetryDelay == 0 {
		cfg.Pipeline.RetryDelay = 2 * time.Second
	}
	if cfg.Pipeline.HealingBudget == 0 {
		cfg.Pipeline.HealingBudget = 2
	}
	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = 5 * time.Minute
	}
	if cfg.Pipeline.MaxConcurrentRuns == 0 {
		cfg.Pipeline.MaxConcurrentRuns = 4
	}
	if cfg.Pipeline.LessonRecall == 0 {
		cfg.Pipeline.LessonRecall = 3
	}

	if cfg.Verifier.StartupTimeout == 0 {
		cfg.Verifier.StartupTimeout = 10 * time.Second
	}
	if cfg.Verifier.ExecTimeout == 0 {
		cfg.Verifier.ExecTimeout = 30 * time.Second
	}
	if cfg.Verifier.StopGrace == 0 {
		cfg.Verifier.StopGrace = 3 * time.Second
	}
	if cfg.Verifier.Interpreter == "" {
		cfg.Verifier.Interpreter = "python3"
	}

	if cfg.Compiler.WorkspaceRoot == "" {
		cfg.Compiler.WorkspaceRoot = "~/.config/forgeline/workspaces"
	}
	if cfg.Compiler.PythonVersion == "" {
		cfg.Compiler.PythonVersion = "^3.12"
	}

	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = "https://api.openai.com/v1"
	}
	if len(cfg.Gateway.StandardModels) == 0 {
		cfg.Gateway.StandardModels = []string{"gpt-4o-mini"}
	}
	if len(cfg.Gateway.EscalatedModels) == 0 {
		cfg.Gateway.EscalatedModels = []string{"gpt-4o"}
	}
	if cfg.Gateway.CallTimeout == 0 {
		cfg.Gateway.CallTimeout = 2 * time.Minute
	}
	if cfg.Gateway.RateLimit == 0 {
		cfg.Gateway.RateLimit = 2
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 4
	}

	if cfg.Knowledge.Provider == "" {
		cfg.Knowledge.Provider = "chromem"
	}
	if cfg.Knowledge.Path == "" {
		cfg.Knowledge.Path = "~/.config/forgeline/knowledge"
	}
	if cfg.Knowledge.Collection == "" {
		cfg.Knowledge.Collection = "forgeline_modules"
	}
	if cfg.Knowledge.LessonCollection == "" {
		cfg.Knowledge.LessonCollection = "forgeline_lessons"
	}
	if cfg.Knowledge.SufficientScore == 0 {
		cfg.Knowledge.SufficientScore = 0.75
	}
	if cfg.Knowledge.TopK == 0 {
		cfg.Knowledge.TopK = 5
	}
	if cfg.Knowledge.Qdrant.Host == "" {
		cfg.Knowledge.Qdrant.Host = "localhost"
	}
	if cfg.Knowledge.Qdrant.Port == 0 {
		cfg.Knowledge.Qdrant.Port = 6334
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.CacheDir == "" {
		cfg.Embeddings.CacheDir = "~/.config/forgeline/models"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384
	}

	if cfg.Events.Backend == "" {
		cfg.Events.Backend = "memory"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "forgeline"
	}
	if cfg.Events.EmbeddedPort == 0 {
		cfg.Events.EmbeddedPort = 4222
	}
	if cfg.Events.StreamMaxLen == 0 {
		cfg.Events.StreamMaxLen = 10000
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 256
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/forgeline/runs.db"
	}

	if cfg.Archive.Bucket == "" {
		cfg.Archive.Bucket = "forgeline-artifacts"
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "forgeline-pipeline"
	}
}
