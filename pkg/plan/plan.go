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

// Package plan models the DAG of work items a task executes.
//
// Items are plain records with a status field; transitions are validated by
// a pure function, not by a state-class hierarchy. The plan maintains a
// reverse-dependency index and unmet-dependency counters so actionable
// queries are O(V+E) overall, not per call.
package plan

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Status is the lifecycle state of a plan item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// FailurePolicy decides what happens to the task when an item's
// dependencies can never be satisfied.
type FailurePolicy string

const (
	// FailureProceed skips the blocked item and continues.
	FailureProceed FailurePolicy = "proceed"

	// FailureHalt fails the whole task.
	FailureHalt FailurePolicy = "halt"

	// FailureEscalate suspends the task for user input.
	FailureEscalate FailurePolicy = "escalate"
)

// Item is the atomic unit of work in a plan.
type Item struct {
	// ID is stable across plan revisions.
	ID string `json:"id"`

	// Action is the natural-language instruction, including the explicit
	// artifact filenames the agent must write.
	Action string `json:"action"`

	// Agent names the team member that executes this item.
	Agent string `json:"agent"`

	// DependsOn lists the IDs that must complete before this item
	// becomes actionable.
	DependsOn []string `json:"depends_on,omitempty"`

	Status Status `json:"status"`

	// OnFailure defaults to halt when empty.
	OnFailure FailurePolicy `json:"on_failure,omitempty"`

	// ResultRef names the artifacts the item produced, once completed.
	ResultRef string `json:"result_ref,omitempty"`
}

// Policy returns the effective failure policy.
func (it *Item) Policy() FailurePolicy {
	if it.OnFailure == "" {
		return FailureHalt
	}
	return it.OnFailure
}

// InvalidError reports why a plan failed validation.
type InvalidError struct {
	Reasons []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid plan: %s", strings.Join(e.Reasons, "; "))
}

// Plan is an ordered set of items forming a DAG via dependencies.
// All methods are safe for concurrent use.
type Plan struct {
	mu    sync.RWMutex
	items []*Item

	index      map[string]int      // id -> position
	dependants map[string][]string // id -> ids depending on it
	unmet      map[string]int      // id -> incomplete dependency count
}

// New builds a plan from items and validates it.
func New(items ...*Item) (*Plan, error) {
	p := &Plan{items: items}
	if err := p.reindex(); err != nil {
		return nil, err
	}
	return p, nil
}

// reindex rebuilds the lookup structures and validates the graph.
// Caller must hold the write lock (or have exclusive access).
func (p *Plan) reindex() error {
	var reasons []string

	p.index = make(map[string]int, len(p.items))
	for i, it := range p.items {
		switch {
		case it == nil:
			reasons = append(reasons, fmt.Sprintf("item %d is nil", i))
			continue
		case it.ID == "":
			reasons = append(reasons, fmt.Sprintf("item %d has empty id", i))
			continue
		}
		if _, dup := p.index[it.ID]; dup {
			reasons = append(reasons, fmt.Sprintf("duplicate item id %q", it.ID))
			continue
		}
		p.index[it.ID] = i
		if it.Action == "" {
			reasons = append(reasons, fmt.Sprintf("item %q has empty action", it.ID))
		}
		if it.Agent == "" {
			reasons = append(reasons, fmt.Sprintf("item %q has empty agent", it.ID))
		}
		if it.Status == "" {
			it.Status = StatusPending
		}
	}

	p.dependants = make(map[string][]string, len(p.items))
	p.unmet = make(map[string]int, len(p.items))
	for _, it := range p.items {
		if it == nil || it.ID == "" {
			continue
		}
		p.unmet[it.ID] = 0
		for _, dep := range it.DependsOn {
			if _, ok := p.index[dep]; !ok {
				reasons = append(reasons, fmt.Sprintf("item %q depends on unknown id %q", it.ID, dep))
				continue
			}
			if dep == it.ID {
				reasons = append(reasons, fmt.Sprintf("item %q depends on itself", it.ID))
				continue
			}
			p.dependants[dep] = append(p.dependants[dep], it.ID)
			if p.itemByID(dep).Status != StatusCompleted {
				p.unmet[it.ID]++
			}
		}
	}

	if len(reasons) == 0 {
		if cycle := p.findCycle(); cycle != "" {
			reasons = append(reasons, "dependency cycle involving "+cycle)
		}
	}

	if len(reasons) > 0 {
		return &InvalidError{Reasons: reasons}
	}
	return nil
}

// findCycle runs Kahn's algorithm over the full graph and returns the IDs
// left unprocessed (members of a cycle), or "".
func (p *Plan) findCycle() string {
	indegree := make(map[string]int, len(p.items))
	for _, it := range p.items {
		indegree[it.ID] = len(it.DependsOn)
	}

	var queue []string
	for _, it := range p.items {
		if indegree[it.ID] == 0 {
			queue = append(queue, it.ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range p.dependants[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed == len(p.items) {
		return ""
	}
	var stuck []string
	for id, deg := range indegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return strings.Join(stuck, ", ")
}

func (p *Plan) itemByID(id string) *Item {
	if i, ok := p.index[id]; ok {
		return p.items[i]
	}
	return nil
}

// Item returns a copy of the item with the given ID.
func (p *Plan) Item(id string) (Item, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	it := p.itemByID(id)
	if it == nil {
		return Item{}, false
	}
	return *it, true
}

// Items returns a copy of all items in plan order.
func (p *Plan) Items() []Item {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Item, len(p.items))
	for i, it := range p.items {
		out[i] = *it
	}
	return out
}

// Len returns the number of items.
func (p *Plan) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// NextActionable returns the first pending item whose dependencies are all
// completed, in plan order. ok is false when nothing is dispatchable.
func (p *Plan) NextActionable() (Item, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, it := range p.items {
		if it.Status == StatusPending && p.unmet[it.ID] == 0 {
			return *it, true
		}
	}
	return Item{}, false
}

// AllActionable returns every dispatchable item in plan order, capped at
// max when max is positive.
func (p *Plan) AllActionable(max int) []Item {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Item
	for _, it := range p.items {
		if it.Status == StatusPending && p.unmet[it.ID] == 0 {
			out = append(out, *it)
			if max > 0 && len(out) == max {
				break
			}
		}
	}
	return out
}

// Blocked returns the pending items that can never become actionable
// because a dependency failed or was skipped.
func (p *Plan) Blocked() []Item {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Item
	for _, it := range p.items {
		if it.Status != StatusPending || p.unmet[it.ID] == 0 {
			continue
		}
		for _, dep := range it.DependsOn {
			s := p.itemByID(dep).Status
			if s == StatusFailed || s == StatusSkipped {
				out = append(out, *it)
				break
			}
		}
	}
	return out
}

// legalTransition validates a status move. Skipped is reachable from any
// non-terminal state via failure policy.
func legalTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusInProgress:
		return from == StatusPending
	case StatusCompleted, StatusFailed:
		return from == StatusInProgress
	case StatusSkipped:
		return from == StatusPending || from == StatusInProgress
	default:
		return false
	}
}

// UpdateStatus applies a legal transition to the item.
// Completed and failed are reached only from in_progress; reverting a
// finished item requires the explicit Reset operation.
func (p *Plan) UpdateStatus(id string, to Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	it := p.itemByID(id)
	if it == nil {
		return fmt.Errorf("unknown plan item %q", id)
	}
	if !legalTransition(it.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s for item %q", it.Status, to, id)
	}

	it.Status = to

	if to == StatusCompleted {
		for _, dep := range p.dependants[id] {
			p.unmet[dep]--
		}
	}
	return nil
}

// SetResultRef records the artifacts an item produced.
func (p *Plan) SetResultRef(id, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	it := p.itemByID(id)
	if it == nil {
		return fmt.Errorf("unknown plan item %q", id)
	}
	it.ResultRef = ref
	return nil
}

// Reset is the administrative escape hatch used by plan revision: it
// returns the item to pending and transitively resets everything that
// depends on it.
func (p *Plan) Reset(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.itemByID(id) == nil {
		return fmt.Errorf("unknown plan item %q", id)
	}

	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		it := p.itemByID(cur)
		it.Status = StatusPending
		it.ResultRef = ""
		for _, dep := range p.dependants[cur] {
			walk(dep)
		}
	}
	walk(id)

	// Counters are invalidated by the cascade; rebuild them.
	for _, it := range p.items {
		p.unmet[it.ID] = 0
		for _, dep := range it.DependsOn {
			if p.itemByID(dep).Status != StatusCompleted {
				p.unmet[it.ID]++
			}
		}
	}
	return nil
}

// IsComplete reports whether every item is completed or skipped.
// An empty plan is complete.
func (p *Plan) IsComplete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, it := range p.items {
		if it.Status != StatusCompleted && it.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// HasFailed reports whether any item is failed.
func (p *Plan) HasFailed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, it := range p.items {
		if it.Status == StatusFailed {
			return true
		}
	}
	return false
}

// CompletedIDs returns the IDs of completed items in plan order.
func (p *Plan) CompletedIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []string
	for _, it := range p.items {
		if it.Status == StatusCompleted {
			out = append(out, it.ID)
		}
	}
	return out
}

// Progress returns the item count per status.
func (p *Plan) Progress() map[Status]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[Status]int)
	for _, it := range p.items {
		out[it.Status]++
	}
	return out
}

// CheckPreserved verifies the revision contract: every preserved ID must
// appear in next with the same action and status completed.
func CheckPreserved(next *Plan, preserved []string, prev *Plan) error {
	var reasons []string
	for _, id := range preserved {
		old, ok := prev.Item(id)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("preserved id %q not in previous plan", id))
			continue
		}
		updated, ok := next.Item(id)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("completed item %q was dropped", id))
			continue
		}
		if updated.Action != old.Action {
			reasons = append(reasons, fmt.Sprintf("completed item %q changed action", id))
		}
		if updated.Status != StatusCompleted {
			reasons = append(reasons, fmt.Sprintf("completed item %q lost completed status", id))
		}
	}
	if len(reasons) > 0 {
		return &InvalidError{Reasons: reasons}
	}
	return nil
}

// planDoc is the serialised form of a plan.
type planDoc struct {
	Items []*Item `json:"items"`
}

// Save writes the plan as deterministic, indented JSON.
func (p *Plan) Save(w io.Writer) error {
	p.mu.RLock()
	doc := planDoc{Items: p.items}
	data, err := json.MarshalIndent(&doc, "", "  ")
	p.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// SaveFile atomically writes the plan to path and fsyncs it.
func (p *Plan) SaveFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", tmp, err)
	}
	if err := p.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync plan: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Load reads a plan from r and validates it.
func Load(r io.Reader) (*Plan, error) {
	var doc planDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return New(doc.Items...)
}

// LoadFile reads a plan from path.
func LoadFile(path string) (*Plan, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
