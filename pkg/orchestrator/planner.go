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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/plan"
)

// maxPlanAttempts bounds generation, repair and revision loops.
const maxPlanAttempts = 3

// teamMember is a planner-facing roster entry.
type teamMember struct {
	Name        string
	Description string
}

// planner turns goals and revision requests into validated plans using
// the coordinator's brain.
type planner struct {
	llm      model.LLM
	roster   []teamMember
	handoffs []config.Handoff
}

func newPlanner(llm model.LLM, roster []teamMember, handoffs []config.Handoff) *planner {
	return &planner{llm: llm, roster: roster, handoffs: handoffs}
}

const planSystemPrompt = `You are a planning coordinator for a team of agents.
You decompose a goal into a dependency graph of work items and assign each
item to the best-suited team member.

Respond with a single JSON object, no prose, no markdown fences:

{"items": [{"id": "t1", "action": "...", "agent": "name", "depends_on": [], "on_failure": "halt"}]}

Rules:
- "id" values are short, unique and stable (t1, t2, ...).
- "action" is a complete instruction. When the item must produce files,
  name every output file explicitly, e.g. "write the summary to report.md".
- "agent" must be one of the team member names you were given.
- "depends_on" lists the ids whose outputs this item needs. No cycles.
- "on_failure" is one of "proceed", "halt" or "escalate".`

// Generate asks the brain for a plan and repairs invalid attempts.
func (pl *planner) Generate(ctx context.Context, goal string) (*plan.Plan, error) {
	prompt := pl.planPrompt(goal)

	var lastErr error
	for attempt := 1; attempt <= maxPlanAttempts; attempt++ {
		p, err := pl.request(ctx, planSystemPrompt, prompt)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if model.IsTransport(err) {
			return nil, err
		}
		lastErr = err
		slog.Warn("plan attempt rejected", "attempt", attempt, "error", err)
		prompt = fmt.Sprintf("%s\n\nYour previous plan was rejected: %v\nProduce a corrected plan.", pl.planPrompt(goal), err)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrPlanGeneration, maxPlanAttempts, lastErr)
}

// Revise asks the brain for a revised plan that keeps every completed
// item byte-for-byte. Violations are fed back, bounded by maxPlanAttempts.
func (pl *planner) Revise(ctx context.Context, current *plan.Plan, request string) (*plan.Plan, error) {
	preserved := current.CompletedIDs()
	currentJSON, err := planJSON(current)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf(`The current plan is:
%s

The following item ids are completed and MUST appear unchanged in the
revised plan (same id, same action, status "completed"): %s

The user requested this change:
%s

%s

Produce the full revised plan.`,
		currentJSON, strings.Join(preserved, ", "), request, pl.rosterPrompt())

	prompt := base
	var lastErr error
	for attempt := 1; attempt <= maxPlanAttempts; attempt++ {
		next, err := pl.request(ctx, planSystemPrompt, prompt)
		if err == nil {
			err = plan.CheckPreserved(next, preserved, current)
			if err == nil {
				return next, nil
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if model.IsTransport(err) {
			return nil, err
		}
		lastErr = err
		slog.Warn("revision attempt rejected", "attempt", attempt, "error", err)
		prompt = fmt.Sprintf("%s\n\nYour previous revision was rejected: %v\nProduce a corrected revision.", base, err)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRevisionFailed, maxPlanAttempts, lastErr)
}

// Verdict is the brain's typed classification of a chat message.
type Verdict struct {
	// Kind is one of "qa", "revision" or "approval".
	Kind string `json:"kind"`

	// Reply carries the direct answer for qa verdicts.
	Reply string `json:"reply,omitempty"`
}

const classifySystemPrompt = `You triage a user message sent to a running
multi-agent task. Classify it as exactly one of:

- "qa": a question or comment; answer it directly from the plan and goal.
- "revision": a request to change the remaining plan.
- "approval": the user approves continuing a suspended task.

Respond with a single JSON object, no prose, no markdown fences:
{"kind": "qa|revision|approval", "reply": "answer text for qa, otherwise empty"}`

// Classify asks the brain whether a chat message is Q&A, a plan revision
// request or an approval.
func (pl *planner) Classify(ctx context.Context, goal string, current *plan.Plan, message string) (Verdict, error) {
	planText := "(no plan yet)"
	if current != nil {
		if j, err := planJSON(current); err == nil {
			planText = j
		}
	}
	prompt := fmt.Sprintf("Goal: %s\n\nCurrent plan:\n%s\n\nUser message:\n%s", goal, planText, message)

	resp, err := model.Generate(ctx, pl.llm, &model.Request{
		Messages:          []*model.Message{model.NewUserMessage(prompt)},
		SystemInstruction: classifySystemPrompt,
	})
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &v); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse verdict: %w", err)
	}
	switch v.Kind {
	case "qa", "revision", "approval":
		return v, nil
	default:
		return Verdict{}, fmt.Errorf("unrecognised verdict kind %q", v.Kind)
	}
}

// request performs one brain call and parses the result into a valid plan.
func (pl *planner) request(ctx context.Context, system, prompt string) (*plan.Plan, error) {
	resp, err := model.Generate(ctx, pl.llm, &model.Request{
		Messages:          []*model.Message{model.NewUserMessage(prompt)},
		SystemInstruction: system,
	})
	if err != nil {
		return nil, err
	}
	return pl.parse(resp.Content)
}

// parse decodes the brain's JSON into a validated plan and checks that
// every item's agent is on the roster.
func (pl *planner) parse(raw string) (*plan.Plan, error) {
	var doc struct {
		Items []*plan.Item `json:"items"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}

	known := make(map[string]bool, len(pl.roster))
	for _, m := range pl.roster {
		known[m.Name] = true
	}
	var reasons []string
	for _, it := range doc.Items {
		if it.Agent != "" && !known[it.Agent] {
			reasons = append(reasons, fmt.Sprintf("item %s: agent %q is not on the team", it.ID, it.Agent))
		}
	}
	if len(reasons) > 0 {
		return nil, &plan.InvalidError{Reasons: reasons}
	}

	return plan.New(doc.Items...)
}

func (pl *planner) planPrompt(goal string) string {
	return fmt.Sprintf("Goal:\n%s\n\n%s", goal, pl.rosterPrompt())
}

func (pl *planner) rosterPrompt() string {
	var b strings.Builder
	b.WriteString("Team members:\n")
	for _, m := range pl.roster {
		fmt.Fprintf(&b, "- %s: %s\n", m.Name, m.Description)
	}
	if len(pl.handoffs) > 0 {
		b.WriteString("\nPreferred handoffs:\n")
		for _, h := range pl.handoffs {
			fmt.Fprintf(&b, "- %s -> %s", h.From, h.To)
			if h.Condition != "" {
				fmt.Fprintf(&b, " (%s)", h.Condition)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// stripFences removes a surrounding markdown code fence, which models
// emit despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line.
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func planJSON(p *plan.Plan) (string, error) {
	items := p.Items()
	doc := struct {
		Items []plan.Item `json:"items"`
	}{Items: items}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode plan: %w", err)
	}
	return string(data), nil
}
