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

// Package tool defines the tool abstraction, the per-task registry and the
// validated executor.
//
// A tool is a named capability with a JSON-schema argument contract. Agents
// never invoke tools directly: the model emits ToolCalls, the Executor
// validates and dispatches them, and the resulting ToolResults flow back into
// the conversation.
package tool

import (
	"context"
	"fmt"
)

// Tool is the minimal interface all tools implement.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Description explains what the tool does. Shown to the LLM.
	Description() string
}

// CallableTool is a tool that can be invoked with JSON-object arguments.
type CallableTool interface {
	Tool

	// Definition returns the LLM-facing definition including the
	// JSON schema of the arguments.
	Definition() Definition

	// Call invokes the tool. The returned value is serialised to JSON
	// unless it is already a string.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Definition is the LLM-facing description of a callable tool.
type Definition struct {
	// Name is the tool identifier the model uses in tool calls.
	Name string `json:"name"`

	// Description helps the model decide when to use the tool.
	Description string `json:"description"`

	// Parameters is the JSON schema for the arguments object.
	Parameters map[string]any `json:"parameters"`
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	// ID uniquely identifies this call within a conversation.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Args are the call arguments as a JSON object.
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool call.
//
// A failed result is not an execution-layer error: it is routed back into
// the conversation so the model can see what went wrong and recover.
type ToolResult struct {
	// ToolCallID pairs the result with its originating call.
	ToolCallID string `json:"tool_call_id"`

	// Name is the tool that produced the result.
	Name string `json:"name,omitempty"`

	// Success reports whether the call succeeded.
	Success bool `json:"success"`

	// Content is the payload on success, JSON-encoded when the tool
	// returned a non-string value.
	Content string `json:"content,omitempty"`

	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`

	// Metadata carries auxiliary details such as the failure kind.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TransientError marks a failure as transport-level and therefore retryable.
// Tools wrap network or I/O failures with Transient to opt into the
// executor's retry policy. Schema violations and business failures are
// never retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}
