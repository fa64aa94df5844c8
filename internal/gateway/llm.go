package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

// Model completes a single prompt.
type Model interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// Chain is an ordered model group for one tier. A failing model falls
// through to the next; the call fails only when every model has failed.
type Chain struct {
	Tier   pipeline.Tier
	Models []Model
}

// Complete returns the first successful completion and the model that
// produced it.
func (c Chain) Complete(ctx context.Context, prompt string, logger *logging.Logger) (string, string, error) {
	if len(c.Models) == 0 {
		return "", "", fmt.Errorf("no models configured for %s tier", c.Tier)
	}
	var errs []error
	for i, m := range c.Models {
		out, err := m.Complete(ctx, prompt)
		if err == nil {
			return out, m.Name(), nil
		}
		if ctx.Err() != nil {
			return "", m.Name(), ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		if i < len(c.Models)-1 {
			modelFallbacks.WithLabelValues(c.Tier.String(), m.Name()).Inc()
			logger.Warn(ctx, "model failed, falling back",
				zap.String("model", m.Name()),
				zap.String("next", c.Models[i+1].Name()),
				zap.Error(err),
			)
		}
	}
	return "", "", fmt.Errorf("all %s models failed: %w", c.Tier, errors.Join(errs...))
}

// ErrNoChain is returned for a tier that has no model chain. A tier never
// borrows another tier's models.
var ErrNoChain = errors.New("no model chain for tier")

// LLMCapability answers stage calls with a language model. Each stage's
// instructions are wrapped around the request input; the reply must start
// with a "STATUS: <code>" line followed by the payload.
type LLMCapability struct {
	tiers  map[pipeline.Tier]Chain
	logger *logging.Logger
}

// NewLLMCapability creates a capability from per-tier chains.
func NewLLMCapability(logger *logging.Logger, chains ...Chain) *LLMCapability {
	if logger == nil {
		logger = logging.NewNop()
	}
	tiers := make(map[pipeline.Tier]Chain, len(chains))
	for _, c := range chains {
		tiers[c.Tier] = c
	}
	return &LLMCapability{tiers: tiers, logger: logger}
}

func (l *LLMCapability) Invoke(ctx context.Context, req Request) (pipeline.StageResult, error) {
	chain, ok := l.tiers[req.Tier]
	if !ok {
		return pipeline.StageResult{}, fmt.Errorf("%w: %s", ErrNoChain, req.Tier)
	}

	prompt, err := renderPrompt(req.Stage, req.Input)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	out, model, err := chain.Complete(ctx, prompt, l.logger)
	if err != nil {
		return pipeline.StageResult{}, err
	}

	status, payload := ParseReply(out)
	res := pipeline.StageResult{Status: pipeline.Status(status), Payload: payload}
	if pipeline.NormalizeStatus(req.Stage, status) == pipeline.StatusError {
		res.Diagnostic = firstLine(payload)
		if status != string(pipeline.StatusError) {
			res.Diagnostic = fmt.Sprintf("model %s replied with undocumented status %q", model, status)
		}
	}
	return res, nil
}

// ParseReply splits a reply into its status code and payload. A reply
// without a status line has an empty status.
func ParseReply(out string) (status, payload string) {
	out = strings.TrimLeft(out, " \t\r\n")
	first, rest, _ := strings.Cut(out, "\n")
	first = strings.Trim(strings.TrimSpace(first), "*`")
	key, value, ok := strings.Cut(first, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(key), "status") {
		return "", out
	}
	return strings.ToUpper(strings.Trim(strings.TrimSpace(value), "*`")), strings.TrimSpace(rest)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// langchainModel adapts a langchaingo model.
type langchainModel struct {
	name string
	llm  llms.Model
	opts []llms.CallOption
}

func (m *langchainModel) Name() string { return m.name }

func (m *langchainModel) Complete(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m.llm, prompt, m.opts...)
}

// NewLangchainModel wraps an existing langchaingo model.
func NewLangchainModel(name string, llm llms.Model, opts ...llms.CallOption) Model {
	return &langchainModel{name: name, llm: llm, opts: opts}
}

// OpenAIConfig points at any OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

// NewOpenAIChain builds a chain with one client per model name.
func NewOpenAIChain(tier pipeline.Tier, cfg OpenAIConfig, models []string) (Chain, error) {
	chain := Chain{Tier: tier}
	for _, name := range models {
		opts := []openai.Option{openai.WithModel(name)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		token := cfg.APIKey
		if token == "" {
			// local OpenAI-compatible servers ignore the token but langchaingo requires one
			token = "unused"
		}
		opts = append(opts, openai.WithToken(token))

		llm, err := openai.New(opts...)
		if err != nil {
			return Chain{}, fmt.Errorf("create model %s: %w", name, err)
		}
		chain.Models = append(chain.Models, NewLangchainModel(name, llm, llms.WithTemperature(0.2)))
	}
	return chain, nil
}
