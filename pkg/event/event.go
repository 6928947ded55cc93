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

// Package event provides the typed event model and the per-task bus.
//
// Every task owns one Bus. Producers inside the engine publish progress as
// immutable events; external consumers subscribe for an ordered stream from
// subscription onward. History is never replayed.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// Type identifies an event variant.
type Type string

const (
	// TypeMessage signals a complete message appended to task history.
	TypeMessage Type = "message"

	// TypeStreamChunk carries incremental assistant text.
	TypeStreamChunk Type = "stream_chunk"

	TypeToolCallStart  Type = "tool_call_start"
	TypeToolCallResult Type = "tool_call_result"

	// TypeAgentStatus signals an agent state change.
	TypeAgentStatus Type = "agent_status"

	// TypeTaskUpdate signals a task status transition or plan change.
	TypeTaskUpdate Type = "task_update"

	TypeArtifactCreated Type = "artifact_created"
	TypeArtifactUpdated Type = "artifact_updated"

	// TypeLogEntry carries a free-form diagnostic line.
	TypeLogEntry Type = "log_entry"
)

// AgentState is the payload of agent_status events.
type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentWorking AgentState = "working"
	AgentWaiting AgentState = "waiting"
)

// ArtifactInfo describes an artifact referenced by an event.
type ArtifactInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// Event is a single immutable occurrence on a task's bus.
// Payload fields beyond ID, Type, TaskID and Timestamp are set per Type.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`

	// Agent names the producing agent, when applicable.
	Agent string `json:"agent,omitempty"`

	// Message is set for message events.
	Message *model.Message `json:"message,omitempty"`

	// MessageID, Chunk and Final are set for stream_chunk events.
	MessageID string `json:"message_id,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Final     bool   `json:"final,omitempty"`

	// ToolCall and ToolResult are set for tool_call_* events.
	ToolCall   *tool.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *tool.ToolResult `json:"tool_result,omitempty"`
	ElapsedMS  int64            `json:"elapsed_ms,omitempty"`

	// AgentState is set for agent_status events.
	AgentState AgentState `json:"agent_state,omitempty"`

	// TaskStatus and Detail are set for task_update events.
	TaskStatus string         `json:"task_status,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`

	// Artifact is set for artifact_* events.
	Artifact *ArtifactInfo `json:"artifact,omitempty"`

	// Log is set for log_entry events.
	Log string `json:"log,omitempty"`
}

func newEvent(taskID string, typ Type) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

// NewMessage creates a message event.
func NewMessage(taskID string, msg *model.Message) *Event {
	ev := newEvent(taskID, TypeMessage)
	ev.Agent = msg.Agent
	ev.Message = msg
	return ev
}

// NewStreamChunk creates a stream_chunk event.
func NewStreamChunk(taskID, agent, messageID, chunk string, final bool) *Event {
	ev := newEvent(taskID, TypeStreamChunk)
	ev.Agent = agent
	ev.MessageID = messageID
	ev.Chunk = chunk
	ev.Final = final
	return ev
}

// NewToolCallStart creates a tool_call_start event.
func NewToolCallStart(taskID string, call tool.ToolCall) *Event {
	ev := newEvent(taskID, TypeToolCallStart)
	ev.ToolCall = &call
	return ev
}

// NewToolCallResult creates a tool_call_result event.
func NewToolCallResult(taskID string, result tool.ToolResult, elapsed time.Duration) *Event {
	ev := newEvent(taskID, TypeToolCallResult)
	ev.ToolResult = &result
	ev.ElapsedMS = elapsed.Milliseconds()
	return ev
}

// NewAgentStatus creates an agent_status event.
func NewAgentStatus(taskID, agent string, state AgentState) *Event {
	ev := newEvent(taskID, TypeAgentStatus)
	ev.Agent = agent
	ev.AgentState = state
	return ev
}

// NewTaskUpdate creates a task_update event.
func NewTaskUpdate(taskID, status string, detail map[string]any) *Event {
	ev := newEvent(taskID, TypeTaskUpdate)
	ev.TaskStatus = status
	ev.Detail = detail
	return ev
}

// NewArtifact creates an artifact_created or artifact_updated event.
// The first version of a name is a creation, later versions are updates.
func NewArtifact(taskID string, info ArtifactInfo, created bool) *Event {
	typ := TypeArtifactUpdated
	if created {
		typ = TypeArtifactCreated
	}
	ev := newEvent(taskID, typ)
	ev.Artifact = &info
	return ev
}

// NewLogEntry creates a log_entry event.
func NewLogEntry(taskID, line string) *Event {
	ev := newEvent(taskID, TypeLogEntry)
	ev.Log = line
	return ev
}
