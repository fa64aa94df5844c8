package gateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

type MockModel struct {
	mock.Mock
	name string
}

func (m *MockModel) Name() string { return m.name }

func (m *MockModel) Complete(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

func TestGateway_NormalizesUndocumentedStatus(t *testing.T) {
	g := New(CapabilityFunc(func(context.Context, Request) (pipeline.StageResult, error) {
		return pipeline.StageResult{Status: "maybe", Payload: "?"}, nil
	}), Config{}, nil)

	res, err := g.Invoke(context.Background(), Request{Stage: pipeline.StageRoute, Tier: pipeline.TierEscalated, Attempt: 3})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusError, res.Status)
	assert.Equal(t, pipeline.StageRoute, res.Stage)
	assert.Equal(t, pipeline.TierEscalated, res.Tier)
	assert.Equal(t, 3, res.Attempt)
	assert.False(t, res.StartedAt.IsZero())
}

func TestGateway_AcceptsDocumentedStatusAnyCase(t *testing.T) {
	g := New(CapabilityFunc(func(context.Context, Request) (pipeline.StageResult, error) {
		return pipeline.StageResult{Status: " team "}, nil
	}), Config{}, nil)

	res, err := g.Invoke(context.Background(), Request{Stage: pipeline.StageRoute})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusTeam, res.Status)
}

func TestGateway_CallTimeout(t *testing.T) {
	g := New(CapabilityFunc(func(ctx context.Context, _ Request) (pipeline.StageResult, error) {
		<-ctx.Done()
		return pipeline.StageResult{}, ctx.Err()
	}), Config{CallTimeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	res, err := g.Invoke(context.Background(), Request{Stage: pipeline.StageGenerate})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, pipeline.StatusError, res.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGateway_RateLimitHonorsContext(t *testing.T) {
	var calls atomic.Int32
	g := New(CapabilityFunc(func(context.Context, Request) (pipeline.StageResult, error) {
		calls.Add(1)
		return pipeline.StageResult{Status: pipeline.StatusApproved}, nil
	}), Config{RateLimit: 0.001, Burst: 1}, nil)

	_, err := g.Invoke(context.Background(), Request{Stage: pipeline.StageReview})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Invoke(ctx, Request{Stage: pipeline.StageReview})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChain_FallsThroughModels(t *testing.T) {
	first := &MockModel{name: "small"}
	first.On("Complete", mock.Anything, mock.Anything).Return("", errors.New("503"))
	second := &MockModel{name: "large"}
	second.On("Complete", mock.Anything, mock.Anything).Return("STATUS: PLAN_CREATED\n1. do it", nil)

	capability := NewLLMCapability(nil, Chain{Tier: pipeline.TierStandard, Models: []Model{first, second}})
	res, err := capability.Invoke(context.Background(), Request{Stage: pipeline.StagePlan, Input: "build a CLI"})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusPlanCreated, res.Status)
	assert.Equal(t, "1. do it", res.Payload)
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestChain_AllModelsFail(t *testing.T) {
	a := &MockModel{name: "a"}
	a.On("Complete", mock.Anything, mock.Anything).Return("", errors.New("boom"))
	b := &MockModel{name: "b"}
	b.On("Complete", mock.Anything, mock.Anything).Return("", errors.New("bang"))

	_, _, err := Chain{Tier: pipeline.TierEscalated, Models: []Model{a, b}}.Complete(context.Background(), "p", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "bang")
}

func TestLLMCapability_UsesTierChain(t *testing.T) {
	std := &MockModel{name: "std"}
	esc := &MockModel{name: "esc"}
	esc.On("Complete", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "<<<LOGIC>>>") && strings.Contains(p, "convert csv")
	})).Return("STATUS: SPEC_READY\n<<<LOGIC>>>\ndef execute(p): pass\n<<<TAGS>>>\n", nil)

	capability := NewLLMCapability(nil,
		Chain{Tier: pipeline.TierStandard, Models: []Model{std}},
		Chain{Tier: pipeline.TierEscalated, Models: []Model{esc}},
	)
	res, err := capability.Invoke(context.Background(), Request{Stage: pipeline.StageCompose, Tier: pipeline.TierEscalated, Input: "convert csv"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Status("SPEC_READY"), res.Status)
	assert.True(t, strings.HasPrefix(res.Payload, "<<<LOGIC>>>"))
	std.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestLLMCapability_MissingTierChainFails(t *testing.T) {
	std := &MockModel{name: "std"}
	capability := NewLLMCapability(nil, Chain{Tier: pipeline.TierStandard, Models: []Model{std}})

	_, err := capability.Invoke(context.Background(), Request{Stage: pipeline.StageGenerate, Tier: pipeline.TierEscalated, Input: "retry harder"})
	require.ErrorIs(t, err, ErrNoChain)
	assert.Contains(t, err.Error(), "escalated")
	std.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestLLMCapability_MissingStatusLine(t *testing.T) {
	m := &MockModel{name: "m"}
	m.On("Complete", mock.Anything, mock.Anything).Return("I think SOLO", nil)

	res, err := NewLLMCapability(nil, Chain{Models: []Model{m}}).Invoke(context.Background(), Request{Stage: pipeline.StageRoute})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Status(""), res.Status)
	assert.Contains(t, res.Diagnostic, "undocumented status")
}

func TestParseReply(t *testing.T) {
	cases := []struct {
		in, status, payload string
	}{
		{"STATUS: SOLO", "SOLO", ""},
		{"\n  status: tests_failed\nAssertionError", "TESTS_FAILED", "AssertionError"},
		{"**STATUS: APPROVED**\nlooks good", "APPROVED", "looks good"},
		{"no status here\nmore", "", "no status here\nmore"},
	}
	for _, tc := range cases {
		status, payload := ParseReply(tc.in)
		assert.Equal(t, tc.status, status, tc.in)
		assert.Equal(t, tc.payload, payload, tc.in)
	}
}

type fakeLLM struct {
	reply string
}

func (f fakeLLM) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangchainModel(t *testing.T) {
	m := NewLangchainModel("fake", fakeLLM{reply: "STATUS: QA_READY\nchecks: []"})
	out, err := m.Complete(context.Background(), "plan")
	require.NoError(t, err)
	assert.Equal(t, "STATUS: QA_READY\nchecks: []", out)
	assert.Equal(t, "fake", m.Name())
}

func TestNewOpenAIChain(t *testing.T) {
	chain, err := NewOpenAIChain(pipeline.TierEscalated, OpenAIConfig{BaseURL: "http://127.0.0.1:1/v1"}, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, chain.Models, 2)
	assert.Equal(t, "a", chain.Models[0].Name())
}

func TestRenderPrompt(t *testing.T) {
	p, err := renderPrompt(pipeline.StagePlan, "task: x")
	require.NoError(t, err)
	assert.Contains(t, p, "TOOLS_SUFFICIENT, PLAN_CREATED, ERROR")
	assert.Contains(t, p, "task: x")

	_, err = renderPrompt("nope", "")
	assert.Error(t, err)
}
