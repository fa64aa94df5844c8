package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/forgeline/internal/archive"
	"github.com/fyrsmithlabs/forgeline/internal/compiler"
	"github.com/fyrsmithlabs/forgeline/internal/config"
	"github.com/fyrsmithlabs/forgeline/internal/embeddings"
	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/gateway"
	"github.com/fyrsmithlabs/forgeline/internal/knowledge"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/process"
	"github.com/fyrsmithlabs/forgeline/internal/retry"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
	"github.com/fyrsmithlabs/forgeline/internal/secrets"
	"github.com/fyrsmithlabs/forgeline/internal/telemetry"
	"github.com/fyrsmithlabs/forgeline/internal/verifier"
)

// app holds everything a command needs to run pipelines. Close releases
// resources in reverse order of acquisition.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	telemetry   *telemetry.Telemetry
	store       *runstore.SQLiteStore
	broadcaster *events.Broadcaster
	scrubber    secrets.Scrubber
	orch        *orchestrator.Orchestrator

	closers []func() error
}

// appOptions trims what newApp builds.
type appOptions struct {
	// consoleLogs writes logs to stderr; the live view turns it off.
	consoleLogs bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.EnsureConfigDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp initializes all dependencies:
//  1. telemetry and logger
//  2. run store, scrubber and event sinks
//  3. embeddings and knowledge base
//  4. model gateway, builder, process runner and verifier
//  5. orchestrator
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.telemetry.Shutdown(sctx)
	})

	a.logger, err = newLogger(cfg, a.telemetry, opts.consoleLogs)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.closers = append(a.closers, func() error {
		_ = a.logger.Sync() // Best-effort sync
		return nil
	})
	if degraded, reason := a.telemetry.Degraded(); degraded {
		a.logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}

	a.store, err = runstore.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.scrubber = newScrubber(ctx, a.logger)

	publisher, err := a.newPublisher(ctx)
	if err != nil {
		return nil, err
	}

	provider, err := embeddings.New(embeddings.Config{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		CacheDir:  cfg.Embeddings.CacheDir,
		Dimension: cfg.Embeddings.Dimension,
	}, a.logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings provider: %w", err)
	}
	a.closers = append(a.closers, provider.Close)

	kb, err := knowledge.Open(cfg.Knowledge, provider, a.logger.Named("knowledge"))
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge base: %w", err)
	}
	a.closers = append(a.closers, kb.Close)

	capability, err := newCapability(cfg.Gateway, a.logger.Named("gateway"))
	if err != nil {
		return nil, err
	}

	var builderOpts []compiler.Option
	if cfg.Compiler.Snapshot {
		builderOpts = append(builderOpts, compiler.WithSnapshotter(compiler.NewGitSnapshotter()))
	}
	builder, err := compiler.NewBuilder(compiler.Config{
		WorkspaceRoot: config.ExpandPath(cfg.Compiler.WorkspaceRoot),
		PythonVersion: cfg.Compiler.PythonVersion,
	}, a.logger.Named("compiler"), builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create builder: %w", err)
	}

	var archiver orchestrator.Archiver
	if cfg.Archive.Enabled {
		arc, err := archive.New(cfg.Archive, a.logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("failed to create archiver: %w", err)
		}
		archiver = arc
	}

	policy := retry.Policy{
		MaxAttempts:         cfg.Pipeline.MaxAttempts,
		EscalationThreshold: cfg.Pipeline.EscalationThreshold,
		Delay:               cfg.Pipeline.RetryDelay,
	}

	// The verifier is built after the orchestrator so its runner can
	// register live processes for cancellation.
	lazy := &lazyVerifier{}
	a.orch, err = orchestrator.New(orchestrator.Config{
		Policy:            policy,
		HealingBudget:     cfg.Pipeline.HealingBudget,
		StageTimeout:      cfg.Pipeline.StageTimeout,
		MaxConcurrentRuns: cfg.Pipeline.MaxConcurrentRuns,
		LessonRecall:      cfg.Pipeline.LessonRecall,
		KnowledgeTopK:     cfg.Knowledge.TopK,
		StopTimeout:       cfg.Verifier.StopGrace,

		KeepFailedWorkspaces: cfg.Compiler.KeepFailed,
	}, orchestrator.Deps{
		Capability: capability,
		Builder:    builder,
		Verifier:   lazy,
		Knowledge:  kb,
		Store:      a.store,
		Publisher:  publisher,
		Archiver:   archiver,
		Scrubber:   a.scrubber,
		Logger:     a.logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	a.orch.WithTracer(a.telemetry.Tracer("forgeline/orchestrator"))
	// Runs stop before the stores they write to close.
	a.closers = append(a.closers, a.orch.Close)

	runner := process.NewRunner(process.Config{StopGrace: cfg.Verifier.StopGrace, AssignPort: true}, a.logger.Named("process"))
	lazy.Verifier = verifier.New(verifier.Config{
		Interpreter:    cfg.Verifier.Interpreter,
		ReadySignal:    cfg.Verifier.ReadySignal,
		StartupTimeout: cfg.Verifier.StartupTimeout,
		ExecTimeout:    cfg.Verifier.ExecTimeout,
		StopTimeout:    cfg.Verifier.StopGrace,
	}, a.orch.TrackingRunner(runner), orchestrator.NewQAPlanner(capability, policy), a.logger.Named("verifier"))

	a.logger.Info(ctx, "forgeline initialized",
		zap.String("version", version),
		zap.String("knowledge", cfg.Knowledge.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("events", cfg.Events.Backend),
		zap.Bool("archive", cfg.Archive.Enabled),
		zap.Strings("standard_models", cfg.Gateway.StandardModels),
		zap.Strings("escalated_models", cfg.Gateway.EscalatedModels))
	return a, nil
}

// Close runs the closers in reverse order and joins their errors.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 && a.logger != nil {
		a.logger.Warn(ctx, "shutdown errors", zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}

// lazyVerifier lets the verifier depend on the orchestrator that depends
// on it.
type lazyVerifier struct {
	*verifier.Verifier
}

func newLogger(cfg *config.Config, tel *telemetry.Telemetry, console bool) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.Output.Console = console
	lc.Output.OTEL = tel.Enabled()
	if !lc.Output.Console && !lc.Output.OTEL {
		return logging.NewNop(), nil
	}
	return logging.NewLogger(lc, tel.LoggerProvider())
}

// newScrubber falls back to no scrubbing when the gitleaks rules fail to
// load; runs must not fail on it.
func newScrubber(ctx context.Context, logger *logging.Logger) secrets.Scrubber {
	s, err := secrets.NewGitleaks()
	if err != nil {
		logger.Warn(ctx, "secret scrubbing disabled", zap.Error(err))
		return secrets.Nop{}
	}
	return s
}

// newPublisher fans trace events out to the run store, live subscribers
// and the configured external backend.
func (a *app) newPublisher(ctx context.Context) (*events.Publisher, error) {
	cfg := a.cfg.Events
	a.broadcaster = events.NewBroadcaster()
	sinks := []events.Sink{a.store, a.broadcaster}

	var external events.Sink
	switch cfg.Backend {
	case "memory", "":
	case "nats":
		url := cfg.NATSURL
		if cfg.Embedded {
			srv, err := events.StartEmbeddedServer(cfg.EmbeddedPort)
			if err != nil {
				return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
			}
			a.closers = append(a.closers, func() error { srv.Shutdown(); return nil })
			url = srv.ClientURL()
		}
		nc, err := nats.Connect(url,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		a.logger.Info(ctx, "connected to NATS", zap.String("url", url))
		external = events.NewNATSSink(nc, cfg.SubjectPrefix)
	case "redis":
		rs, err := events.NewRedisSink(cfg.RedisURL, cfg.SubjectPrefix, cfg.StreamMaxLen)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis sink: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		external = rs
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}

	if external != nil {
		async := events.NewAsyncSink(external, cfg.BufferSize, a.logger.Named("events"))
		a.closers = append(a.closers, func() error { async.Close(); return nil })
		sinks = append(sinks, async)
	}
	return events.NewPublisher(a.logger.Named("events"), sinks...), nil
}

// newCapability builds the model fallback chains for both tiers behind the
// rate-limited gateway.
func newCapability(cfg config.GatewayConfig, logger *logging.Logger) (gateway.Capability, error) {
	oc := gateway.OpenAIConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey.Value()}
	standard, err := gateway.NewOpenAIChain(pipeline.TierStandard, oc, cfg.StandardModels)
	if err != nil {
		return nil, fmt.Errorf("failed to create standard model chain: %w", err)
	}
	escalated, err := gateway.NewOpenAIChain(pipeline.TierEscalated, oc, cfg.EscalatedModels)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalated model chain: %w", err)
	}
	llm := gateway.NewLLMCapability(logger, standard, escalated)
	return gateway.New(llm, gateway.Config{
		CallTimeout: cfg.CallTimeout,
		RateLimit:   cfg.RateLimit,
		Burst:       cfg.Burst,
	}, logger), nil
}
