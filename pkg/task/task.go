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

// Package task provides the root aggregate of a running job.
//
// A Task exclusively owns its plan, workspace, event bus, history and
// agent runtimes. Everything it owns is torn down with it. Plan, history
// and status are mutated only under the task's internal lock.
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/maestro/pkg/event"
	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/plan"
	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/workspace"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting_input"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrTerminal is returned when mutating a task in a terminal state.
	ErrTerminal = errors.New("task is in a terminal state")

	// ErrUnansweredToolCalls is returned when an assistant message is
	// appended while earlier tool calls still await their results.
	ErrUnansweredToolCalls = errors.New("unanswered tool calls in history")

	// ErrUnexpectedToolResult is returned when a tool result does not
	// match an outstanding tool call.
	ErrUnexpectedToolResult = errors.New("tool result without matching call")
)

const (
	planFile    = "plan.json"
	historyFile = "history.json"
	logFileName = "task.log"
)

// Config parameterises task construction.
type Config struct {
	// ID is generated when empty.
	ID string

	// Goal is the user's high-level objective.
	Goal string

	// Dir is the per-task directory. Created if missing.
	Dir string

	// ExecutorOptions configure the task's tool executor.
	ExecutorOptions []tool.ExecutorOption
}

// Task is the root aggregate binding plan, workspace, agents and events.
type Task struct {
	id        string
	goal      string
	dir       string
	createdAt time.Time

	ws       *workspace.Workspace
	bus      *event.Bus
	registry *tool.Registry
	executor *tool.Executor

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	plan         *plan.Plan
	history      []*model.Message
	agents       map[string]Runtime
	pendingCalls map[string]bool
	logFile      *os.File
}

// Runtime is the task-facing view of an agent runtime. The concrete type
// lives in the agent package; the task only needs identity.
type Runtime interface {
	Name() string
}

// New creates a task with its on-disk layout, workspace, bus, registry
// and executor. Tools and agents are wired by the caller before stepping.
func New(cfg Config) (*Task, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("task dir is required")
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create task dir: %w", err)
	}
	ws, err := workspace.New(cfg.Dir)
	if err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(
		filepath.Join(cfg.Dir, "logs", logFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open task log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Task{
		id:           id,
		goal:         cfg.Goal,
		dir:          cfg.Dir,
		createdAt:    time.Now().UTC(),
		ws:           ws,
		bus:          event.NewBus(),
		registry:     tool.NewRegistry(),
		ctx:          ctx,
		cancel:       cancel,
		status:       StatusPending,
		agents:       make(map[string]Runtime),
		pendingCalls: make(map[string]bool),
		logFile:      logFile,
	}

	opts := append([]tool.ExecutorOption{tool.WithEmitter(&busEmitter{t: t})}, cfg.ExecutorOptions...)
	t.executor = tool.NewExecutor(t.registry, opts...)

	return t, nil
}

// TaskID returns the task identifier.
func (t *Task) TaskID() string { return t.id }

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Goal returns the user's objective.
func (t *Task) Goal() string { return t.goal }

// Dir returns the task's directory.
func (t *Task) Dir() string { return t.dir }

// CreatedAt returns the creation timestamp.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Workspace returns the task's artifact store.
func (t *Task) Workspace() *workspace.Workspace { return t.ws }

// Bus returns the task's event bus.
func (t *Task) Bus() *event.Bus { return t.bus }

// Registry returns the task-scoped tool registry.
func (t *Task) Registry() *tool.Registry { return t.registry }

// Executor returns the task's tool executor.
func (t *Task) Executor() *tool.Executor { return t.executor }

// Context returns the task's cancellation context.
func (t *Task) Context() context.Context { return t.ctx }

// Definitions returns the tool definitions for the given names from the
// task registry. With no names, all registered tools are returned.
func (t *Task) Definitions(names ...string) ([]tool.Definition, error) {
	if len(names) == 0 {
		return t.registry.Definitions(), nil
	}
	return t.registry.Schemas(names...)
}

// Status returns the current task status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus transitions the task and emits a task_update event.
// Transitions out of a terminal state are rejected.
func (t *Task) SetStatus(to Status, detail map[string]any) error {
	t.mu.Lock()
	if t.status.IsTerminal() {
		from := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	t.status = to
	t.mu.Unlock()

	t.Publish(event.NewTaskUpdate(t.id, string(to), detail))
	return nil
}

// Plan returns the current plan, or nil before planning.
func (t *Task) Plan() *plan.Plan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.plan
}

// SetPlan installs (or replaces) the plan and persists it.
func (t *Task) SetPlan(p *plan.Plan) error {
	t.mu.Lock()
	t.plan = p
	t.mu.Unlock()
	return t.PersistPlan()
}

// PersistPlan fsyncs the current plan to plan.json.
func (t *Task) PersistPlan() error {
	t.mu.Lock()
	p := t.plan
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.SaveFile(filepath.Join(t.dir, planFile))
}

// History returns a copy of the message history.
func (t *Task) History() []*model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*model.Message, len(t.history))
	copy(out, t.history)
	return out
}

// AppendMessage appends to history, enforcing the tool-call pairing
// invariant, persists the history and emits a message event.
//
// Every tool call carried by an assistant message must be answered by
// exactly one tool result before the next assistant message is appended.
func (t *Task) AppendMessage(msg *model.Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	t.mu.Lock()
	switch msg.Role {
	case model.RoleAssistant:
		if len(t.pendingCalls) > 0 {
			t.mu.Unlock()
			return ErrUnansweredToolCalls
		}
		for _, call := range msg.ToolCalls() {
			t.pendingCalls[call.ID] = true
		}
	case model.RoleTool:
		for _, result := range msg.ToolResults() {
			if !t.pendingCalls[result.ToolCallID] {
				t.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrUnexpectedToolResult, result.ToolCallID)
			}
			delete(t.pendingCalls, result.ToolCallID)
		}
	}
	t.history = append(t.history, msg)
	err := t.persistHistoryLocked()
	t.mu.Unlock()
	if err != nil {
		return err
	}

	t.Publish(event.NewMessage(t.id, msg))
	return nil
}

// Publish emits an event on the task bus. log_entry events are also
// appended to the task's log file.
func (t *Task) Publish(ev *event.Event) {
	if ev == nil {
		return
	}
	if ev.Type == event.TypeLogEntry {
		t.mu.Lock()
		if t.logFile != nil {
			fmt.Fprintf(t.logFile, "%s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Log)
		}
		t.mu.Unlock()
	}
	t.bus.Publish(ev)
}

// Log publishes a log_entry event.
func (t *Task) Log(line string) {
	t.Publish(event.NewLogEntry(t.id, line))
}

// AddAgent attaches an agent runtime to the task.
func (t *Task) AddAgent(r Runtime) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	name := r.Name()
	if _, ok := t.agents[name]; ok {
		return fmt.Errorf("agent %q already attached", name)
	}
	t.agents[name] = r
	return nil
}

// Agent returns the attached runtime with the given name.
func (t *Task) Agent(name string) (Runtime, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.agents[name]
	return r, ok
}

// AgentNames returns the attached agent names.
func (t *Task) AgentNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.agents))
	for name := range t.agents {
		out = append(out, name)
	}
	return out
}

// ArtifactWritten emits an artifact event; wired as the workspace tool
// notifier.
func (t *Task) ArtifactWritten(name string, version workspace.Version, created bool) {
	t.Publish(event.NewArtifact(t.id, event.ArtifactInfo{
		Name:    name,
		Version: version.ID,
		Size:    version.Size,
	}, created))
}

// Cancel aborts the task context. In-flight model and tool calls observe
// the cancellation; the orchestrator finalises status and closes the bus.
func (t *Task) Cancel() {
	t.cancel()
}

// Close tears the task down: the context is cancelled, the bus closed and
// the log sink released. Close is idempotent.
func (t *Task) Close() {
	t.cancel()
	t.bus.Close()

	t.mu.Lock()
	if t.logFile != nil {
		t.logFile.Close()
		t.logFile = nil
	}
	t.mu.Unlock()
}

// persistHistoryLocked writes history.json. Caller holds t.mu.
func (t *Task) persistHistoryLocked() error {
	return writeJSON(filepath.Join(t.dir, historyFile), t.history)
}

// busEmitter adapts the task bus to the executor's Emitter interface.
type busEmitter struct {
	t *Task
}

func (b *busEmitter) ToolCallStart(call tool.ToolCall) {
	b.t.Publish(event.NewToolCallStart(b.t.id, call))
}

func (b *busEmitter) ToolCallResult(result tool.ToolResult, elapsed time.Duration) {
	b.t.Publish(event.NewToolCallResult(b.t.id, result, elapsed))
}

var _ tool.Emitter = (*busEmitter)(nil)
