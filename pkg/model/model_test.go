package model_test

import (
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/tool"
)

func TestMessageConstructors(t *testing.T) {
	t.Run("user", func(t *testing.T) {
		m := model.NewUserMessage("hello")
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, model.RoleUser, m.Role)
		assert.Equal(t, "hello", m.Text())
		assert.Empty(t, m.ToolCalls())
	})

	t.Run("assistant with calls", func(t *testing.T) {
		m := model.NewAssistantMessage("writer", "working on it",
			tool.ToolCall{ID: "c1", Name: "echo"},
			tool.ToolCall{ID: "c2", Name: "echo"})
		assert.Equal(t, "writer", m.Agent)
		assert.Equal(t, "working on it", m.Text())
		calls := m.ToolCalls()
		require.Len(t, calls, 2)
		assert.Equal(t, "c1", calls[0].ID)
		assert.Equal(t, "c2", calls[1].ID)
	})

	t.Run("assistant without text has no text part", func(t *testing.T) {
		m := model.NewAssistantMessage("writer", "", tool.ToolCall{ID: "c1", Name: "echo"})
		require.Len(t, m.Parts, 1)
		assert.Equal(t, model.PartToolCall, m.Parts[0].Type)
	})

	t.Run("tool result", func(t *testing.T) {
		m := model.NewToolMessage("writer", tool.ToolResult{ToolCallID: "c1", Success: true, Content: "ok"})
		assert.Equal(t, model.RoleTool, m.Role)
		results := m.ToolResults()
		require.Len(t, results, 1)
		assert.Equal(t, "c1", results[0].ToolCallID)
	})
}

func TestMessage_TextConcatenatesParts(t *testing.T) {
	m := &model.Message{
		Role: model.RoleAssistant,
		Parts: []model.Part{
			{Type: model.PartText, Text: "first "},
			{Type: model.PartToolCall, ToolCall: &tool.ToolCall{ID: "c1", Name: "echo"}},
			{Type: model.PartText, Text: "second"},
		},
	}
	assert.Equal(t, "first second", m.Text())
}

func TestGenerateConfig_Clone(t *testing.T) {
	var nilCfg *model.GenerateConfig
	assert.Nil(t, nilCfg.Clone())

	temp := 0.7
	cfg := &model.GenerateConfig{Temperature: &temp, MaxTokens: 512}
	clone := cfg.Clone()
	require.NotNil(t, clone)
	assert.Equal(t, 512, clone.MaxTokens)

	*clone.Temperature = 0.1
	assert.Equal(t, 0.7, *cfg.Temperature)
}

// seqLLM is a minimal LLM yielding a scripted sequence.
type seqLLM struct {
	responses []*model.Response
	err       error
}

func (s seqLLM) Name() string { return "seq" }

func (s seqLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		for _, r := range s.responses {
			if !yield(r, nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
		}
	}
}

func (s seqLLM) Close() error { return nil }

func TestGenerate_CollectsFinalResponse(t *testing.T) {
	llm := seqLLM{responses: []*model.Response{
		{Content: "par", Partial: true},
		{Content: "partial answer", FinishReason: model.FinishReasonStop},
	}}

	resp, err := model.Generate(context.Background(), llm, &model.Request{})
	require.NoError(t, err)
	assert.Equal(t, "partial answer", resp.Content)
	assert.Equal(t, model.FinishReasonStop, resp.FinishReason)
}

func TestGenerate_PropagatesError(t *testing.T) {
	llm := seqLLM{err: fmt.Errorf("boom")}
	_, err := model.Generate(context.Background(), llm, &model.Request{})
	assert.ErrorContains(t, err, "boom")
}

func TestGenerate_EmptySequence(t *testing.T) {
	_, err := model.Generate(context.Background(), seqLLM{}, &model.Request{})
	assert.ErrorContains(t, err, "no response")
}

func TestIsTransport(t *testing.T) {
	base := &model.TransportError{Status: 503, Err: fmt.Errorf("unavailable")}
	assert.True(t, model.IsTransport(base))
	assert.True(t, model.IsTransport(fmt.Errorf("generating: %w", base)))
	assert.False(t, model.IsTransport(fmt.Errorf("refusal")))
	assert.Contains(t, base.Error(), "503")
}
