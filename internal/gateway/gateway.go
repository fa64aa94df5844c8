// Package gateway invokes agent capabilities at an explicit tier.
//
// A Capability answers one stage call. Gateway wraps any Capability with the
// concerns every call shares: rate limiting, a hard per-call timeout, status
// normalization, metrics and logging. The orchestrator only talks to a
// Gateway.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

// Request is one stage call.
type Request struct {
	Stage   pipeline.Stage
	Input   string
	Tier    pipeline.Tier
	Attempt int
}

// Capability performs stage calls.
type Capability interface {
	Invoke(ctx context.Context, req Request) (pipeline.StageResult, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, req Request) (pipeline.StageResult, error)

func (f CapabilityFunc) Invoke(ctx context.Context, req Request) (pipeline.StageResult, error) {
	return f(ctx, req)
}

// Config for a Gateway.
type Config struct {
	CallTimeout time.Duration
	// RateLimit is calls per second across all runs; zero disables limiting.
	RateLimit float64
	Burst     int
}

// Gateway is safe for concurrent use.
type Gateway struct {
	cap     Capability
	timeout time.Duration
	limiter *rate.Limiter
	logger  *logging.Logger
	now     func() time.Time
}

// New wraps cap.
func New(cap Capability, cfg Config, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.NewNop()
	}
	g := &Gateway{cap: cap, timeout: cfg.CallTimeout, logger: logger, now: time.Now}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// Invoke performs one call. The returned result always carries the request's
// stage, tier and attempt and a status from the stage's documented set. A
// transport failure or timeout is returned as an error.
func (g *Gateway) Invoke(ctx context.Context, req Request) (pipeline.StageResult, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return pipeline.StageResult{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	started := g.now()
	res, err := g.cap.Invoke(callCtx, req)
	completed := g.now()
	callDuration.WithLabelValues(string(req.Stage), req.Tier.String()).Observe(completed.Sub(started).Seconds())

	if err != nil {
		callsTotal.WithLabelValues(string(req.Stage), req.Tier.String(), "failed").Inc()
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%s call timed out after %s: %w", req.Stage, g.timeout, err)
		}
		g.logger.Debug(ctx, "capability call failed",
			zap.String("capability", string(req.Stage)),
			zap.Stringer("tier", req.Tier),
			zap.Int("attempt", req.Attempt),
			zap.Error(err),
		)
		return pipeline.StageResult{Stage: req.Stage, Attempt: req.Attempt, Tier: req.Tier, Status: pipeline.StatusError, Diagnostic: err.Error(), StartedAt: started, CompletedAt: completed}, err
	}

	res.Stage = req.Stage
	res.Tier = req.Tier
	res.Attempt = req.Attempt
	res.Status = pipeline.NormalizeStatus(req.Stage, string(res.Status))
	if res.StartedAt.IsZero() {
		res.StartedAt = started
	}
	if res.CompletedAt.IsZero() {
		res.CompletedAt = completed
	}
	callsTotal.WithLabelValues(string(req.Stage), req.Tier.String(), string(res.Status)).Inc()

	g.logger.Debug(ctx, "capability call completed",
		zap.String("capability", string(req.Stage)),
		zap.Stringer("tier", req.Tier),
		zap.Int("attempt", req.Attempt),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration()),
	)
	return res, nil
}
