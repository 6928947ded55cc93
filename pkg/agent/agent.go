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

// Package agent implements the runtime that drives one agent's bounded
// tool-call loop.
//
// An agent is configuration plus a generic step algorithm: a brain, a
// system prompt and a permitted tool set. The differences between a
// "researcher" and a "writer" are data, never subclasses.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/maestro/pkg/event"
	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// DefaultMaxToolRounds bounds the tool-call loop of a single step.
const DefaultMaxToolRounds = 10

const defaultBrainRetries = 2

// ErrBrainUnavailable is returned when the model transport keeps failing
// past the retry budget.
var ErrBrainUnavailable = errors.New("brain unavailable")

// Env is the task-side surface a step needs. The task aggregate implements
// it; the agent never stores the task, it receives it per call.
type Env interface {
	TaskID() string
	AppendMessage(msg *model.Message) error
	Publish(ev *event.Event)
	Executor() *tool.Executor
	Definitions(names ...string) ([]tool.Definition, error)
}

// Config describes an agent.
type Config struct {
	// Name is the agent identifier used in plans (required).
	Name string

	// Description of the agent's speciality, surfaced to the planner.
	Description string

	// SystemPrompt is the agent's standing instruction template.
	SystemPrompt string

	// ToolNames restricts the agent to a subset of the task registry.
	// Empty means every registered tool.
	ToolNames []string

	// MaxToolRounds bounds the tool loop. Defaults to
	// DefaultMaxToolRounds.
	MaxToolRounds int

	// Stream emits assistant text incrementally as stream_chunk events.
	Stream bool

	// Generate overrides model defaults for this agent.
	Generate *model.GenerateConfig
}

// Agent drives a single worker's step loop. An agent processes at most one
// step at a time; its conversation would otherwise race.
type Agent struct {
	cfg Config
	llm model.LLM

	mu sync.Mutex
}

// New creates an agent runtime.
func New(cfg Config, llm model.LLM) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if llm == nil {
		return nil, fmt.Errorf("agent %q needs a brain", cfg.Name)
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	return &Agent{cfg: cfg, llm: llm}, nil
}

// Name returns the agent identifier.
func (a *Agent) Name() string { return a.cfg.Name }

// Description returns the agent's speciality description.
func (a *Agent) Description() string { return a.cfg.Description }

// Step runs the bounded tool-call loop over the given conversation until
// the model produces a terminal assistant message, and returns it.
//
// Every assistant and tool message produced along the way is appended to
// the task history through env, preserving the call/result pairing
// invariant. When the tool budget runs out, one final model call is made
// with tools disabled.
func (a *Agent) Step(ctx context.Context, env Env, messages []*model.Message) (*model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	env.Publish(event.NewAgentStatus(env.TaskID(), a.cfg.Name, event.AgentWorking))
	defer env.Publish(event.NewAgentStatus(env.TaskID(), a.cfg.Name, event.AgentIdle))

	defs, err := env.Definitions(a.cfg.ToolNames...)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.cfg.Name, err)
	}

	conversation := make([]*model.Message, len(messages))
	copy(conversation, messages)

	for round := 0; round < a.cfg.MaxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, messageID, err := a.generate(ctx, env, conversation, defs)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			return a.finish(env, resp, messageID)
		}

		assistant := model.NewAssistantMessage(a.cfg.Name, resp.Content, resp.ToolCalls...)
		if err := env.AppendMessage(assistant); err != nil {
			return nil, err
		}
		conversation = append(conversation, assistant)

		results, err := env.Executor().ExecuteAll(ctx, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		for _, result := range results {
			toolMsg := model.NewToolMessage(a.cfg.Name, result)
			if err := env.AppendMessage(toolMsg); err != nil {
				return nil, err
			}
			conversation = append(conversation, toolMsg)
		}
	}

	// Budget exhausted: ask for a final textual answer, tools disabled.
	slog.Debug("tool budget exhausted, requesting final answer",
		"agent", a.cfg.Name, "rounds", a.cfg.MaxToolRounds)
	conversation = append(conversation, model.NewSystemMessage(
		"The tool budget for this step is exhausted. Provide your final answer now without calling tools."))

	resp, messageID, err := a.generate(ctx, env, conversation, nil)
	if err != nil {
		return nil, err
	}
	resp.ToolCalls = nil
	return a.finish(env, resp, messageID)
}

// finish appends the terminal assistant message and returns it. When the
// text was streamed, the message reuses the ID announced in the chunks.
func (a *Agent) finish(env Env, resp *model.Response, messageID string) (*model.Message, error) {
	msg := model.NewAssistantMessage(a.cfg.Name, resp.Content)
	if messageID != "" {
		msg.ID = messageID
	}
	if err := env.AppendMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// generate calls the brain with bounded retries on transport failures.
// Streaming agents forward partial content as stream_chunk events and
// return the aggregated final response together with the message ID the
// chunks were tagged with.
func (a *Agent) generate(ctx context.Context, env Env, conversation []*model.Message, defs []tool.Definition) (*model.Response, string, error) {
	req := &model.Request{
		Messages:          conversation,
		Tools:             defs,
		SystemInstruction: a.cfg.SystemPrompt,
		Config:            a.cfg.Generate.Clone(),
	}

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= defaultBrainRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}

		resp, messageID, err := a.generateOnce(ctx, env, req)
		if err == nil {
			return resp, messageID, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if !model.IsTransport(err) {
			return nil, "", err
		}
		slog.Warn("brain call failed, retrying",
			"agent", a.cfg.Name, "attempt", attempt+1, "error", err)
	}

	env.Publish(event.NewTaskUpdate(env.TaskID(), "", map[string]any{
		"error": lastErr.Error(),
		"agent": a.cfg.Name,
	}))
	return nil, "", fmt.Errorf("%w: %v", ErrBrainUnavailable, lastErr)
}

func (a *Agent) generateOnce(ctx context.Context, env Env, req *model.Request) (*model.Response, string, error) {
	if !a.cfg.Stream {
		resp, err := model.Generate(ctx, a.llm, req)
		return resp, "", err
	}

	messageID := uuid.NewString()
	var final *model.Response
	for resp, err := range a.llm.GenerateContent(ctx, req, true) {
		if err != nil {
			return nil, "", err
		}
		if resp == nil {
			continue
		}
		if resp.Partial {
			if resp.Content != "" {
				env.Publish(event.NewStreamChunk(env.TaskID(), a.cfg.Name, messageID, resp.Content, false))
			}
			continue
		}
		final = resp
	}
	if final == nil {
		return nil, "", fmt.Errorf("model %s returned no final response", a.llm.Name())
	}
	if len(final.ToolCalls) > 0 {
		// Chunks for a tool-call turn are not a terminal message.
		return final, "", nil
	}
	env.Publish(event.NewStreamChunk(env.TaskID(), a.cfg.Name, messageID, "", true))
	return final, messageID, nil
}
