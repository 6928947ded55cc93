// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package openai provides a model.LLM implementation for the OpenAI
// chat completions API and compatible endpoints.
//
// Transport failures (network errors, 429, 5xx) surface as
// model.TransportError so callers can distinguish them from content-level
// refusals and apply retry policy.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/maestro/internal/httpclient"
	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/tool"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
	defaultRetries   = 3
)

// Config configures the OpenAI client.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature *float64
	Timeout     time.Duration
	MaxRetries  int
}

// Option configures the OpenAI client.
type Option func(*Config)

// WithModel sets the model name.
func WithModel(name string) Option {
	return func(c *Config) { c.Model = name }
}

// WithBaseURL sets a custom base URL (for OpenAI-compatible servers).
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithMaxTokens sets the maximum output tokens.
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(c *Config) { c.Temperature = &temp }
}

// Client is an OpenAI chat-completions implementation of model.LLM.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	modelName   string
	maxTokens   int
	temperature *float64
	maxRetries  int
}

// New creates a new OpenAI client.
func New(cfg Config, opts ...Option) (*Client, error) {
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultRetries
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		modelName:   modelName,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		maxRetries:  maxRetries,
	}, nil
}

// Name returns the model identifier.
func (c *Client) Name() string {
	return c.modelName
}

// Close releases resources.
func (c *Client) Close() error {
	return nil
}

// GenerateContent produces responses for the given request.
func (c *Client) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	if stream {
		return c.generateStream(ctx, req)
	}
	return func(yield func(*model.Response, error) bool) {
		resp, err := c.generate(ctx, req)
		yield(resp, err)
	}
}

func (c *Client) generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	body, err := c.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var apiResp chatResponse
	if err := json.NewDecoder(body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return parseResponse(&apiResp)
}

func (c *Client) generateStream(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		body, err := c.send(ctx, req, true)
		if err != nil {
			yield(nil, err)
			return
		}
		defer body.Close()

		var (
			content      strings.Builder
			calls        = map[int]*callState{}
			finishReason string
			usage        *model.Usage
		)

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				yield(nil, &model.TransportError{Err: fmt.Errorf("stream read: %w", err)})
				return
			}

			line = bytes.TrimSpace(line)
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := line[6:]
			if bytes.Equal(data, []byte("[DONE]")) {
				break
			}

			var chunk chatChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				slog.Debug("failed to parse streaming chunk", "error", err)
				continue
			}

			if chunk.Usage != nil {
				usage = &model.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}

			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if !yield(&model.Response{Content: choice.Delta.Content, Partial: true}, nil) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				st, ok := calls[tc.Index]
				if !ok {
					st = &callState{}
					calls[tc.Index] = st
				}
				if tc.ID != "" {
					st.id = tc.ID
				}
				if tc.Function.Name != "" {
					st.name = tc.Function.Name
				}
				st.args.WriteString(tc.Function.Arguments)
			}
		}

		final := &model.Response{
			Content:      content.String(),
			FinishReason: mapFinishReason(finishReason),
			Usage:        usage,
		}
		final.ToolCalls = collectCalls(calls)
		if len(final.ToolCalls) > 0 {
			final.FinishReason = model.FinishReasonToolCalls
		}
		yield(final, nil)
	}
}

// send issues the HTTP request with bounded retries on transport failures.
// The caller owns the returned body.
func (c *Client) send(ctx context.Context, req *model.Request, stream bool) (io.ReadCloser, error) {
	apiReq := c.buildRequest(req, stream)
	payload, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	backoff := 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &model.TransportError{Err: err}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}

		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			// Honor the server-suggested delay when the response carries one.
			if delay, ok := httpclient.RetryDelay(resp.Header); ok {
				backoff = delay
			}
			lastErr = &model.TransportError{
				Status: resp.StatusCode,
				Err:    fmt.Errorf("API error: %s", strings.TrimSpace(string(bodyBytes))),
			}
			continue
		}

		// Non-retryable client error: surface verbatim.
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	return nil, lastErr
}

func (c *Client) buildRequest(req *model.Request, stream bool) *chatRequest {
	apiReq := &chatRequest{
		Model:     c.modelName,
		MaxTokens: c.maxTokens,
		Stream:    stream,
	}
	if c.temperature != nil {
		apiReq.Temperature = c.temperature
	}
	if req.Config != nil {
		if req.Config.Temperature != nil {
			apiReq.Temperature = req.Config.Temperature
		}
		if req.Config.TopP != nil {
			apiReq.TopP = req.Config.TopP
		}
		if req.Config.MaxTokens > 0 {
			apiReq.MaxTokens = req.Config.MaxTokens
		}
	}
	if stream {
		apiReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if req.SystemInstruction != "" {
		apiReq.Messages = append(apiReq.Messages, chatMessage{
			Role:    "system",
			Content: req.SystemInstruction,
		})
	}
	apiReq.Messages = append(apiReq.Messages, convertMessages(req.Messages)...)

	for _, def := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Type: "function",
			Function: apiFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	if len(apiReq.Tools) > 0 {
		apiReq.ToolChoice = "auto"
	}

	return apiReq
}

// convertMessages maps conversation messages to the chat completions wire
// format. Assistant tool calls and tool results become their dedicated
// message shapes.
func convertMessages(messages []*model.Message) []chatMessage {
	var out []chatMessage
	for _, msg := range messages {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case model.RoleTool:
			for _, tr := range msg.ToolResults() {
				content := tr.Content
				if !tr.Success {
					content = "error: " + tr.Error
				}
				out = append(out, chatMessage{
					Role:       "tool",
					ToolCallID: tr.ToolCallID,
					Content:    content,
				})
			}

		case model.RoleAssistant:
			cm := chatMessage{Role: "assistant", Content: msg.Text()}
			for _, tc := range msg.ToolCalls() {
				argsJSON, _ := json.Marshal(tc.Args)
				cm.ToolCalls = append(cm.ToolCalls, apiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: apiFunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, cm)

		case model.RoleSystem:
			out = append(out, chatMessage{Role: "system", Content: msg.Text()})

		default:
			out = append(out, chatMessage{Role: "user", Content: msg.Text()})
		}
	}
	return out
}

func parseResponse(resp *chatResponse) (*model.Response, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	result := &model.Response{
		Content:      choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	if resp.Usage != nil {
		result.Usage = &model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				slog.Warn("failed to parse tool call arguments",
					"tool", tc.Function.Name, "error", err)
				args = map[string]any{}
			}
		}
		result.ToolCalls = append(result.ToolCalls, tool.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = model.FinishReasonToolCalls
	}

	return result, nil
}

func mapFinishReason(reason string) model.FinishReason {
	switch reason {
	case "tool_calls", "function_call":
		return model.FinishReasonToolCalls
	case "length":
		return model.FinishReasonLength
	case "", "stop":
		return model.FinishReasonStop
	default:
		return model.FinishReason(reason)
	}
}

// callState accumulates a streamed tool call across deltas.
type callState struct {
	id   string
	name string
	args strings.Builder
}

func collectCalls(states map[int]*callState) []tool.ToolCall {
	if len(states) == 0 {
		return nil
	}
	maxIdx := 0
	for idx := range states {
		if idx > maxIdx {
			maxIdx = idx
		}
	}

	var calls []tool.ToolCall
	for idx := 0; idx <= maxIdx; idx++ {
		st, ok := states[idx]
		if !ok || st.name == "" {
			continue
		}
		args := map[string]any{}
		if raw := st.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				slog.Warn("failed to parse streamed tool call arguments",
					"tool", st.name, "error", err)
				args = map[string]any{}
			}
		}
		calls = append(calls, tool.ToolCall{ID: st.id, Name: st.name, Args: args})
	}
	return calls
}

// Wire types for the chat completions API.

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []apiTool      `json:"tools,omitempty"`
	ToolChoice    any            `json:"tool_choice,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type apiTool struct {
	Type     string      `json:"type"`
	Function apiFunction `json:"function"`
}

type apiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type apiToolCall struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function apiFunctionCall `json:"function"`
}

type apiFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *apiUsage    `json:"usage,omitempty"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	ToolCalls []apiToolCall `json:"tool_calls,omitempty"`
}

type chatChunk struct {
	ID      string        `json:"id"`
	Choices []chunkChoice `json:"choices"`
	Usage   *apiUsage     `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []chunkToolDelta `json:"tool_calls,omitempty"`
}

type chunkToolDelta struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function apiFunctionCall `json:"function"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Ensure Client implements model.LLM
var _ model.LLM = (*Client)(nil)
