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

// Package orchestrator implements the lead coordinator (XAgent).
//
// The orchestrator owns the plan-driven loop: it asks its brain for a
// plan, dispatches actionable items to the team's agents one step at a
// time, verifies declared artifacts, and converses with the user about
// the plan. It never executes work itself.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/event"
	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/plan"
	"github.com/kadirpekel/maestro/pkg/task"
	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/tool/workspacetool"
)

// DefaultStepTimeout bounds one Step call end to end.
const DefaultStepTimeout = 300 * time.Second

// Config parameterises the orchestrator.
type Config struct {
	// Brain is the planning model (required).
	Brain model.LLM

	// Agents is the team roster (required, at least one).
	Agents []*agent.Agent

	// Handoffs are advisory planner hints.
	Handoffs []config.Handoff

	// Dir is the root under which per-task directories are created.
	Dir string

	// StepTimeout bounds a single Step call. Defaults to
	// DefaultStepTimeout.
	StepTimeout time.Duration

	// ExecutorOptions are applied to every task's tool executor.
	ExecutorOptions []tool.ExecutorOption
}

// Orchestrator coordinates tasks across the team. Safe for concurrent
// use; each task serialises its own stepping.
type Orchestrator struct {
	cfg     Config
	planner *planner
	agents  map[string]*agent.Agent

	mu    sync.Mutex
	tasks map[string]*task.Task

	// stepping guards against concurrent Step calls on the same task.
	stepping map[string]*sync.Mutex
}

// New creates an orchestrator for the given team.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Brain == nil {
		return nil, fmt.Errorf("orchestrator needs a brain")
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("orchestrator needs at least one agent")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("orchestrator dir is required")
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}

	agents := make(map[string]*agent.Agent, len(cfg.Agents))
	roster := make([]teamMember, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if _, ok := agents[a.Name()]; ok {
			return nil, fmt.Errorf("duplicate agent %q", a.Name())
		}
		agents[a.Name()] = a
		roster = append(roster, teamMember{Name: a.Name(), Description: a.Description()})
	}

	return &Orchestrator{
		cfg:      cfg,
		planner:  newPlanner(cfg.Brain, roster, cfg.Handoffs),
		agents:   agents,
		tasks:    make(map[string]*task.Task),
		stepping: make(map[string]*sync.Mutex),
	}, nil
}

// Start creates a task for the goal and persists the initial user
// message. Execution does not begin until the first Step call.
func (o *Orchestrator) Start(goal string) (string, error) {
	if strings.TrimSpace(goal) == "" {
		return "", fmt.Errorf("goal is required")
	}

	id := uuid.NewString()
	t, err := task.New(task.Config{
		ID:              id,
		Goal:            goal,
		Dir:             filepath.Join(o.cfg.Dir, id),
		ExecutorOptions: o.cfg.ExecutorOptions,
	})
	if err != nil {
		return "", err
	}

	if err := workspacetool.Register(t.Registry(), t.Workspace(), t); err != nil {
		t.Close()
		return "", err
	}
	for _, a := range o.agents {
		if err := t.AddAgent(a); err != nil {
			t.Close()
			return "", err
		}
	}
	if err := t.AppendMessage(model.NewUserMessage(goal)); err != nil {
		t.Close()
		return "", err
	}

	o.mu.Lock()
	o.tasks[id] = t
	o.stepping[id] = &sync.Mutex{}
	o.mu.Unlock()

	slog.Info("task started", "task", id, "goal", goal)
	return id, nil
}

// Task returns the task with the given id.
func (o *Orchestrator) Task(id string) (*task.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// TaskIDs returns the ids of all known tasks.
func (o *Orchestrator) TaskIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.tasks))
	for id := range o.tasks {
		out = append(out, id)
	}
	return out
}

// Subscribe attaches a consumer to the task's event stream.
func (o *Orchestrator) Subscribe(id string, buffer int) (*event.Subscription, error) {
	t, err := o.Task(id)
	if err != nil {
		return nil, err
	}
	return t.Bus().Subscribe(buffer), nil
}

// IsComplete reports whether the task has reached a terminal state or
// its plan has no work left.
func (o *Orchestrator) IsComplete(id string) (bool, error) {
	t, err := o.Task(id)
	if err != nil {
		return false, err
	}
	if t.Status().IsTerminal() {
		return true, nil
	}
	if p := t.Plan(); p != nil {
		return p.IsComplete(), nil
	}
	return false, nil
}

// Step advances the task's plan by one dispatchable unit and returns a
// human-readable account of what happened.
func (o *Orchestrator) Step(ctx context.Context, id string) (string, error) {
	t, err := o.Task(id)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	stepMu := o.stepping[id]
	o.mu.Unlock()
	stepMu.Lock()
	defer stepMu.Unlock()

	switch status := t.Status(); {
	case status.IsTerminal():
		return fmt.Sprintf("task is %s; nothing to do", status), nil
	case status == task.StatusAwaitingInput:
		return "task is awaiting user input; use chat to continue", nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	stop := context.AfterFunc(t.Context(), cancel)
	defer stop()

	// Ensure a plan exists.
	p := t.Plan()
	if p == nil {
		if err := t.SetStatus(task.StatusRunning, nil); err != nil {
			return "", err
		}
		t.Log("generating plan")
		p, err = o.planner.Generate(stepCtx, t.Goal())
		if err != nil {
			if cause := o.cancelled(t, stepCtx, err); cause != "" {
				return o.finalizeCancelled(t, cause)
			}
			if model.IsTransport(err) {
				// The brain may come back; the task stays runnable.
				return "", err
			}
			o.finalize(t, task.StatusFailed, map[string]any{"error": err.Error()})
			return "", err
		}
		if err := t.SetPlan(p); err != nil {
			return "", err
		}
		t.Log(fmt.Sprintf("plan ready with %d items", p.Len()))
		return fmt.Sprintf("plan generated with %d items", p.Len()), nil
	}

	if p.IsComplete() {
		o.finalize(t, task.StatusCompleted, map[string]any{"progress": p.Progress()})
		return "plan complete", nil
	}

	item, ok := p.NextActionable()
	if !ok {
		return o.resolveDeadlock(t, p)
	}

	return o.dispatch(stepCtx, t, p, item)
}

// dispatch runs one plan item through its agent.
func (o *Orchestrator) dispatch(ctx context.Context, t *task.Task, p *plan.Plan, item plan.Item) (string, error) {
	a, ok := o.agents[item.Agent]
	if !ok {
		return o.failItem(t, p, item, fmt.Sprintf("%v: %s", ErrAgentUnknown, item.Agent))
	}

	briefing, err := o.briefing(t, p, item)
	if err != nil {
		return "", err
	}

	if err := p.UpdateStatus(item.ID, plan.StatusInProgress); err != nil {
		return "", err
	}
	if err := t.PersistPlan(); err != nil {
		return "", err
	}
	t.Publish(event.NewTaskUpdate(t.ID(), string(t.Status()), map[string]any{
		"item":   item.ID,
		"agent":  item.Agent,
		"status": string(plan.StatusInProgress),
	}))

	msg := model.NewUserMessage(briefing)
	if err := t.AppendMessage(msg); err != nil {
		return "", err
	}

	final, err := a.Step(ctx, t, []*model.Message{msg})
	if err != nil {
		if cause := o.cancelled(t, ctx, err); cause != "" {
			markFailed(p, item.ID, cause)
			t.PersistPlan()
			return o.finalizeCancelled(t, cause)
		}
		return o.failItem(t, p, item, err.Error())
	}

	// Completion requires every artifact the action declared.
	declared := declaredArtifacts(item.Action)
	var missing []string
	for _, name := range declared {
		if !t.Workspace().Exists(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return o.failItem(t, p, item,
			fmt.Sprintf("%v: %s", ErrArtifactMissing, strings.Join(missing, ", ")))
	}

	if err := p.UpdateStatus(item.ID, plan.StatusCompleted); err != nil {
		return "", err
	}
	if len(declared) > 0 {
		p.SetResultRef(item.ID, strings.Join(declared, ", "))
	}
	if err := t.PersistPlan(); err != nil {
		return "", err
	}
	t.Publish(event.NewTaskUpdate(t.ID(), string(t.Status()), map[string]any{
		"item":   item.ID,
		"agent":  item.Agent,
		"status": string(plan.StatusCompleted),
	}))

	if p.IsComplete() {
		o.finalize(t, task.StatusCompleted, map[string]any{"progress": p.Progress()})
		return fmt.Sprintf("item %s completed by %s; plan complete", item.ID, item.Agent), nil
	}

	summary := final.Text()
	if len(summary) > 120 {
		summary = summary[:120] + "..."
	}
	return fmt.Sprintf("item %s completed by %s: %s", item.ID, item.Agent, summary), nil
}

// briefing assembles the instruction for an item: its action plus the
// artifacts its satisfied dependencies produced. Artifacts unrelated to
// the dependencies are never mentioned.
func (o *Orchestrator) briefing(t *task.Task, p *plan.Plan, item plan.Item) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Your assigned task (%s):\n%s\n", item.ID, item.Action)

	var available []string
	for _, depID := range item.DependsOn {
		dep, ok := p.Item(depID)
		if !ok || dep.Status != plan.StatusCompleted {
			continue
		}
		for _, name := range strings.Split(dep.ResultRef, ", ") {
			name = strings.TrimSpace(name)
			if name != "" && t.Workspace().Exists(name) {
				available = append(available, name)
			}
		}
	}
	if len(available) > 0 {
		b.WriteString("\nArtifacts produced by completed dependencies:\n")
		for _, name := range available {
			fmt.Fprintf(&b, "- %s\n", name)
		}
		b.WriteString("Use the read_artifact tool to load them.\n")
	}
	return b.String(), nil
}

// failItem marks the item failed and applies its failure policy.
func (o *Orchestrator) failItem(t *task.Task, p *plan.Plan, item plan.Item, reason string) (string, error) {
	markFailed(p, item.ID, reason)
	t.PersistPlan()
	t.Publish(event.NewTaskUpdate(t.ID(), string(t.Status()), map[string]any{
		"item":   item.ID,
		"status": string(plan.StatusFailed),
		"reason": reason,
	}))
	slog.Warn("plan item failed", "task", t.ID(), "item", item.ID, "reason", reason)

	switch item.Policy() {
	case plan.FailureProceed:
		skipped := skipBlocked(p)
		t.PersistPlan()
		if len(skipped) > 0 {
			return fmt.Sprintf("item %s failed (%s); skipped dependants %s",
				item.ID, reason, strings.Join(skipped, ", ")), nil
		}
		return fmt.Sprintf("item %s failed (%s); proceeding", item.ID, reason), nil
	case plan.FailureEscalate:
		if err := t.SetStatus(task.StatusAwaitingInput, map[string]any{
			"item": item.ID, "reason": reason,
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("item %s failed (%s); awaiting user input", item.ID, reason), nil
	default:
		o.finalize(t, task.StatusFailed, map[string]any{"item": item.ID, "reason": reason})
		return fmt.Sprintf("item %s failed (%s); task halted", item.ID, reason), nil
	}
}

// resolveDeadlock handles an incomplete plan with nothing actionable:
// pending items whose dependencies failed. Each blocked item's failed
// dependency decides via its policy.
func (o *Orchestrator) resolveDeadlock(t *task.Task, p *plan.Plan) (string, error) {
	blocked := p.Blocked()
	if len(blocked) == 0 {
		progress := p.Progress()
		if progress[plan.StatusInProgress] > 0 {
			return "no actionable items; plan has in-flight work", nil
		}
		// Everything is settled but failed items keep the plan from ever
		// completing: the proceed policy already decided to run past them.
		o.finalize(t, task.StatusFailed, map[string]any{"progress": progress})
		return "plan finished with failed items; task failed", nil
	}

	policy := plan.FailureProceed
	for _, it := range blocked {
		for _, depID := range it.DependsOn {
			dep, ok := p.Item(depID)
			if !ok || dep.Status != plan.StatusFailed {
				continue
			}
			switch dep.Policy() {
			case plan.FailureHalt:
				policy = plan.FailureHalt
			case plan.FailureEscalate:
				if policy != plan.FailureHalt {
					policy = plan.FailureEscalate
				}
			}
		}
	}

	switch policy {
	case plan.FailureHalt:
		o.finalize(t, task.StatusFailed, map[string]any{"reason": "blocked by failed dependency"})
		return "plan blocked by a failed dependency; task halted", nil
	case plan.FailureEscalate:
		if err := t.SetStatus(task.StatusAwaitingInput, map[string]any{
			"reason": "blocked by failed dependency",
		}); err != nil {
			return "", err
		}
		return "plan blocked by a failed dependency; awaiting user input", nil
	default:
		skipped := skipBlocked(p)
		t.PersistPlan()
		if p.IsComplete() {
			o.finalize(t, task.StatusCompleted, map[string]any{"progress": p.Progress()})
			return fmt.Sprintf("skipped blocked items %s; plan complete", strings.Join(skipped, ", ")), nil
		}
		return fmt.Sprintf("skipped blocked items %s", strings.Join(skipped, ", ")), nil
	}
}

// Chat handles conversational input: Q&A, plan revision or approval of a
// suspended task. It never executes plan items.
func (o *Orchestrator) Chat(ctx context.Context, id, message string) (string, error) {
	t, err := o.Task(id)
	if err != nil {
		return "", err
	}
	if t.Status().IsTerminal() {
		return "", fmt.Errorf("%w: %s", task.ErrTerminal, t.Status())
	}

	if err := t.AppendMessage(model.NewUserMessage(message)); err != nil {
		return "", err
	}

	verdict, err := o.planner.Classify(ctx, t.Goal(), t.Plan(), message)
	if err != nil {
		return "", err
	}

	switch verdict.Kind {
	case "qa":
		reply := verdict.Reply
		if reply == "" {
			reply = "Noted."
		}
		if err := t.AppendMessage(model.NewAssistantMessage("orchestrator", reply)); err != nil {
			return "", err
		}
		return reply, nil

	case "approval":
		if t.Status() == task.StatusAwaitingInput {
			if err := t.SetStatus(task.StatusRunning, map[string]any{"approved": true}); err != nil {
				return "", err
			}
			return "resuming the task", nil
		}
		return "nothing is awaiting approval", nil

	case "revision":
		return o.revise(ctx, t, message)

	default:
		return "", fmt.Errorf("unrecognised verdict kind %q", verdict.Kind)
	}
}

// revise replaces the plan while preserving completed work. When the
// brain cannot comply within the attempt budget, the old plan stays in
// place and the task awaits user input.
func (o *Orchestrator) revise(ctx context.Context, t *task.Task, request string) (string, error) {
	current := t.Plan()
	if current == nil {
		return "", fmt.Errorf("no plan to revise yet")
	}
	preserved := current.CompletedIDs()

	next, err := o.planner.Revise(ctx, current, request)
	if err != nil {
		if errors.Is(err, ErrRevisionFailed) {
			t.SetStatus(task.StatusAwaitingInput, map[string]any{"error": err.Error()})
		}
		return "", err
	}

	var regenerated []string
	preservedSet := make(map[string]bool, len(preserved))
	for _, id := range preserved {
		preservedSet[id] = true
	}
	for _, it := range next.Items() {
		if !preservedSet[it.ID] {
			regenerated = append(regenerated, it.ID)
		}
	}

	if err := t.SetPlan(next); err != nil {
		return "", err
	}
	t.Publish(event.NewTaskUpdate(t.ID(), string(t.Status()), map[string]any{
		"plan_revised": true,
		"preserved":    preserved,
		"regenerated":  regenerated,
	}))
	slog.Info("plan revised", "task", t.ID(),
		"preserved", len(preserved), "regenerated", len(regenerated))
	return fmt.Sprintf("plan revised: %d items preserved, %d regenerated",
		len(preserved), len(regenerated)), nil
}

// Cancel aborts the task: in-flight work is signalled, in-progress items
// are failed, a terminal task_update is emitted and the bus is closed.
func (o *Orchestrator) Cancel(id string) error {
	t, err := o.Task(id)
	if err != nil {
		return err
	}
	if t.Status().IsTerminal() {
		return nil
	}

	t.Cancel()

	if p := t.Plan(); p != nil {
		for _, it := range p.Items() {
			if it.Status == plan.StatusInProgress {
				markFailed(p, it.ID, "cancelled")
			}
		}
		t.PersistPlan()
	}

	o.finalize(t, task.StatusCancelled, nil)
	return nil
}

// Close tears down every task.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	tasks := make([]*task.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	for _, t := range tasks {
		t.Close()
	}
}

// finalize moves the task to a terminal state and closes its bus.
func (o *Orchestrator) finalize(t *task.Task, status task.Status, detail map[string]any) {
	if err := t.SetStatus(status, detail); err != nil {
		slog.Warn("failed to finalise task", "task", t.ID(), "error", err)
	}
	t.Close()
}

// cancelled maps a step error to a failure reason when it stems from
// cancellation or the step deadline, empty otherwise.
func (o *Orchestrator) cancelled(t *task.Task, ctx context.Context, err error) string {
	switch {
	case t.Context().Err() != nil:
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return ""
	}
}

func (o *Orchestrator) finalizeCancelled(t *task.Task, cause string) (string, error) {
	if cause == "timeout" {
		if err := t.SetStatus(task.StatusAwaitingInput, map[string]any{"reason": cause}); err != nil {
			return "", err
		}
		return "step timed out; awaiting user input", nil
	}
	o.finalize(t, task.StatusCancelled, map[string]any{"reason": cause})
	return "task cancelled", nil
}

// markFailed forces an item into failed state regardless of its current
// status, recording the reason.
func markFailed(p *plan.Plan, id, reason string) {
	if it, ok := p.Item(id); ok && it.Status == plan.StatusPending {
		p.UpdateStatus(id, plan.StatusInProgress)
	}
	p.UpdateStatus(id, plan.StatusFailed)
	p.SetResultRef(id, "failed: "+reason)
}

// skipBlocked cascades skips through items blocked by failed or skipped
// dependencies and returns the skipped ids.
func skipBlocked(p *plan.Plan) []string {
	var skipped []string
	for {
		blocked := p.Blocked()
		if len(blocked) == 0 {
			return skipped
		}
		for _, it := range blocked {
			if err := p.UpdateStatus(it.ID, plan.StatusSkipped); err == nil {
				skipped = append(skipped, it.ID)
			}
		}
	}
}

// artifactPattern matches file-looking tokens in an action, e.g.
// "report.md" or "data/summary.json".
var artifactPattern = regexp.MustCompile(`[A-Za-z0-9_][A-Za-z0-9_./-]*\.[A-Za-z0-9]{1,8}`)

// declaredArtifacts extracts the output filenames an action names.
func declaredArtifacts(action string) []string {
	matches := artifactPattern.FindAllString(action, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		m = strings.Trim(m, ".")
		if m == "" || seen[m] {
			continue
		}
		// Tokens without an extension-looking suffix are prose.
		i := strings.LastIndexByte(m, '.')
		if i <= 0 || i == len(m)-1 {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
