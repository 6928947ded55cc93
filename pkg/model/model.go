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

// Package model defines the language-model abstraction the engine consumes.
//
// Providers implement the LLM interface. There is a single generation
// protocol: streaming. The non-streaming call is "collect the stream", so
// there is only one code path to test and maintain.
package model

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/kadirpekel/maestro/pkg/tool"
)

// FinishReason describes why a generation ended.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonLength    FinishReason = "length"
	FinishReasonError     FinishReason = "error"
)

// GenerateConfig carries per-request generation parameters.
// Pointer fields distinguish "unset" from zero values.
type GenerateConfig struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Clone returns a deep copy of the config.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.Temperature != nil {
		t := *c.Temperature
		out.Temperature = &t
	}
	if c.TopP != nil {
		p := *c.TopP
		out.TopP = &p
	}
	return &out
}

// Request is a generation request.
type Request struct {
	// Messages is the conversation so far, oldest first.
	Messages []*Message

	// Tools the model may call. Empty disables tool calling.
	Tools []tool.Definition

	// SystemInstruction is prepended as the system prompt.
	SystemInstruction string

	// Config overrides provider defaults for this request.
	Config *GenerateConfig
}

// Usage reports token accounting for a generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one element of a generation stream.
//
// Streaming yields partial responses (Partial=true) carrying content
// deltas, terminated by a final aggregated response (Partial=false).
// Non-streaming yields exactly one final response.
type Response struct {
	// Content is the text delta (partial) or full text (final).
	Content string

	// Partial marks an intermediate streaming chunk.
	Partial bool

	// ToolCalls requested by the model. Only set on the final response.
	ToolCalls []tool.ToolCall

	// Usage is set on the final response when the provider reports it.
	Usage *Usage

	// FinishReason is set on the final response.
	FinishReason FinishReason
}

// LLM is the interface language-model providers implement.
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// GenerateContent produces responses for the request.
	//
	// When stream is false the sequence yields exactly one final
	// Response. When stream is true it yields partial responses
	// followed by the final aggregated one.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases provider resources.
	Close() error
}

// Generate collects the non-streaming sequence into a single final response.
func Generate(ctx context.Context, llm LLM, req *Request) (*Response, error) {
	var final *Response
	for resp, err := range llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return nil, err
		}
		if resp != nil && !resp.Partial {
			final = resp
		}
	}
	if final == nil {
		return nil, fmt.Errorf("model %s returned no response", llm.Name())
	}
	return final, nil
}

// TransportError is a network or provider-availability failure, as opposed
// to a content-level refusal. Transport errors are candidates for retry and
// eventually surface as "brain unavailable".
type TransportError struct {
	// Status is the HTTP status code, when applicable.
	Status int

	Err error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
