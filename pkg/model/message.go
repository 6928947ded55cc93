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

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/maestro/pkg/tool"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// PartType identifies a message part variant.
type PartType string

const (
	PartText        PartType = "text"
	PartToolCall    PartType = "tool_call"
	PartToolResult  PartType = "tool_result"
	PartArtifactRef PartType = "artifact_ref"
)

// Part is one element of a message. Exactly one payload field is set,
// selected by Type.
type Part struct {
	Type PartType `json:"type"`

	Text        string           `json:"text,omitempty"`
	ToolCall    *tool.ToolCall   `json:"tool_call,omitempty"`
	ToolResult  *tool.ToolResult `json:"tool_result,omitempty"`
	ArtifactRef string           `json:"artifact_ref,omitempty"`
}

// Message is a single turn in a conversation. Messages are append-only
// within a history.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Agent     string    `json:"agent,omitempty"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUserMessage creates a user message with a single text part.
func NewUserMessage(text string) *Message {
	return newMessage(RoleUser, "", Part{Type: PartText, Text: text})
}

// NewSystemMessage creates a system message with a single text part.
func NewSystemMessage(text string) *Message {
	return newMessage(RoleSystem, "", Part{Type: PartText, Text: text})
}

// NewAssistantMessage creates an assistant message from text and optional
// tool calls.
func NewAssistantMessage(agent, text string, calls ...tool.ToolCall) *Message {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Type: PartText, Text: text})
	}
	for i := range calls {
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &calls[i]})
	}
	return newMessage(RoleAssistant, agent, parts...)
}

// NewToolMessage creates a tool message carrying a single result.
func NewToolMessage(agent string, result tool.ToolResult) *Message {
	return newMessage(RoleTool, agent, Part{Type: PartToolResult, ToolResult: &result})
}

func newMessage(role Role, agent string, parts ...Part) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Agent:     agent,
		Parts:     parts,
		Timestamp: time.Now().UTC(),
	}
}

// Text concatenates all text parts of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool calls carried by the message, in part order.
func (m *Message) ToolCalls() []tool.ToolCall {
	var calls []tool.ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool results carried by the message, in part order.
func (m *Message) ToolResults() []tool.ToolResult {
	var results []tool.ToolResult
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}
