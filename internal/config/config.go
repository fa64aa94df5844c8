// Package config loads forgeline configuration.
//
// Values come from a YAML file overlaid by FORGELINE_-prefixed environment
// variables (see LoadWithFile). Every section has defaults, so an empty file
// yields a runnable single-node setup: embedded chromem knowledge base,
// in-memory events and a SQLite run history.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete forgeline configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Verifier      VerifierConfig      `koanf:"verifier"`
	Compiler      CompilerConfig      `koanf:"compiler"`
	Gateway       GatewayConfig       `koanf:"gateway"`
	Knowledge     KnowledgeConfig     `koanf:"knowledge"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Events        EventsConfig        `koanf:"events"`
	Store         StoreConfig         `koanf:"store"`
	Archive       ArchiveConfig       `koanf:"archive"`
	Temporal      TemporalConfig      `koanf:"temporal"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port for the API listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	OTLPEndpoint    string  `koanf:"otlp_endpoint"`
	OTLPProtocol    string  `koanf:"otlp_protocol"`
	OTLPInsecure    bool    `koanf:"otlp_insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PipelineConfig bounds retries and self-healing for every run.
type PipelineConfig struct {
	MaxAttempts         int           `koanf:"max_attempts"`
	EscalationThreshold int           `koanf:"escalation_threshold"`
	RetryDelay          time.Duration `koanf:"retry_delay"`
	HealingBudget       int           `koanf:"healing_budget"`
	StageTimeout        time.Duration `koanf:"stage_timeout"`
	MaxConcurrentRuns   int           `koanf:"max_concurrent_runs"`
	LessonRecall        int           `koanf:"lesson_recall"`
}

// VerifierConfig controls smoke and functional verification of artifacts.
type VerifierConfig struct {
	StartupTimeout time.Duration `koanf:"startup_timeout"`
	ReadySignal    string        `koanf:"ready_signal"`
	ExecTimeout    time.Duration `koanf:"exec_timeout"`
	StopGrace      time.Duration `koanf:"stop_grace"`
	Interpreter    string        `koanf:"interpreter"`
}

type CompilerConfig struct {
	WorkspaceRoot string `koanf:"workspace_root"`
	PythonVersion string `koanf:"python_version"`
	Snapshot      bool   `koanf:"snapshot"`
	KeepFailed    bool   `koanf:"keep_failed"`
}

// GatewayConfig configures the OpenAI-compatible model endpoint and the
// model fallback chain used for each capability tier.
type GatewayConfig struct {
	BaseURL         string        `koanf:"base_url"`
	APIKey          Secret        `koanf:"api_key"`
	StandardModels  []string      `koanf:"standard_models"`
	EscalatedModels []string      `koanf:"escalated_models"`
	CallTimeout     time.Duration `koanf:"call_timeout"`
	RateLimit       float64       `koanf:"rate_limit"`
	Burst           int           `koanf:"burst"`
}

type KnowledgeConfig struct {
	Provider         string       `koanf:"provider"`
	Path             string       `koanf:"path"`
	Collection       string       `koanf:"collection"`
	LessonCollection string       `koanf:"lesson_collection"`
	SufficientScore  float64      `koanf:"sufficient_score"`
	TopK             int          `koanf:"top_k"`
	Qdrant           QdrantConfig `koanf:"qdrant"`
}

type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"`
	BaseURL   string `koanf:"base_url"`
	Model     string `koanf:"model"`
	APIKey    Secret `koanf:"api_key"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// EventsConfig selects where trace events are published in addition to
// the run store and live subscribers.
type EventsConfig struct {
	Backend       string `koanf:"backend"`
	NATSURL       string `koanf:"nats_url"`
	Embedded      bool   `koanf:"embedded"`
	EmbeddedPort  int    `koanf:"embedded_port"`
	SubjectPrefix string `koanf:"subject_prefix"`
	RedisURL      string `koanf:"redis_url"`
	StreamMaxLen  int64  `koanf:"stream_max_len"`
	BufferSize    int    `koanf:"buffer_size"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

// ArchiveConfig enables uploading delivered workspaces to an S3-compatible store.
type ArchiveConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey Secret `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseSSL    bool   `koanf:"use_ssl"`
}

type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	p := c.Pipeline
	if p.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.EscalationThreshold < 1 {
		return fmt.Errorf("pipeline.escalation_threshold must be >= 1, got %d", p.EscalationThreshold)
	}
	if p.HealingBudget < 0 {
		return fmt.Errorf("pipeline.healing_budget cannot be negative")
	}
	if p.RetryDelay < 0 {
		return fmt.Errorf("pipeline.retry_delay cannot be negative")
	}

	if c.Verifier.StartupTimeout <= 0 {
		return errors.New("verifier.startup_timeout must be positive")
	}

	switch c.Knowledge.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown knowledge provider %q", c.Knowledge.Provider)
	}
	if c.Knowledge.SufficientScore < 0 || c.Knowledge.SufficientScore > 1 {
		return fmt.Errorf("knowledge.sufficient_score must be within [0,1]")
	}

	switch c.Embeddings.Provider {
	case "fastembed", "openai", "tei", "hash":
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider)
	}

	switch c.Events.Backend {
	case "memory":
	case "nats":
		if c.Events.NATSURL == "" && !c.Events.Embedded {
			return errors.New("events.nats_url required unless events.embedded is set")
		}
	case "redis":
		if c.Events.RedisURL == "" {
			return errors.New("events.redis_url required for redis backend")
		}
	default:
		return fmt.Errorf("unknown events backend %q", c.Events.Backend)
	}

	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return errors.New("archive.endpoint and archive.bucket required when archive is enabled")
	}
	return nil
}

// ExpandPath resolves a leading "~/" against the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
