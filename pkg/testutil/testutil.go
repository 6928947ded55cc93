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

// Package testutil provides a scripted brain and event helpers for tests.
package testutil

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/kadirpekel/maestro/pkg/event"
	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// Turn is one scripted brain response. Exactly one of Response or Err is
// consumed per generate call.
type Turn struct {
	Response *model.Response
	Err      error
}

// Brain is a scripted model.LLM. Calls consume queued turns in order and
// every request is recorded for assertions.
type Brain struct {
	mu       sync.Mutex
	turns    []Turn
	requests []*model.Request
}

// NewBrain creates a scripted brain with the given turns queued.
func NewBrain(turns ...Turn) *Brain {
	return &Brain{turns: turns}
}

// Text queues a plain text response.
func (b *Brain) Text(content string) *Brain {
	return b.push(Turn{Response: &model.Response{
		Content:      content,
		FinishReason: model.FinishReasonStop,
	}})
}

// Calls queues a tool-call response.
func (b *Brain) Calls(calls ...tool.ToolCall) *Brain {
	return b.push(Turn{Response: &model.Response{
		ToolCalls:    calls,
		FinishReason: model.FinishReasonToolCalls,
	}})
}

// Fail queues an error.
func (b *Brain) Fail(err error) *Brain {
	return b.push(Turn{Err: err})
}

func (b *Brain) push(t Turn) *Brain {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, t)
	return b
}

// Requests returns a copy of every request seen so far.
func (b *Brain) Requests() []*model.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*model.Request, len(b.requests))
	copy(out, b.requests)
	return out
}

// Remaining reports how many turns are still queued.
func (b *Brain) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

// Name implements model.LLM.
func (b *Brain) Name() string { return "scripted" }

// Close implements model.LLM.
func (b *Brain) Close() error { return nil }

// GenerateContent implements model.LLM. Streaming requests yield the
// scripted content as a single partial chunk followed by the final
// response.
func (b *Brain) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}

		b.mu.Lock()
		b.requests = append(b.requests, req)
		if len(b.turns) == 0 {
			b.mu.Unlock()
			yield(nil, fmt.Errorf("scripted brain exhausted after %d requests", len(b.requests)))
			return
		}
		turn := b.turns[0]
		b.turns = b.turns[1:]
		b.mu.Unlock()

		if turn.Err != nil {
			yield(nil, turn.Err)
			return
		}

		if stream && turn.Response.Content != "" {
			chunk := &model.Response{Content: turn.Response.Content, Partial: true}
			if !yield(chunk, nil) {
				return
			}
		}
		yield(turn.Response, nil)
	}
}

var _ model.LLM = (*Brain)(nil)

// Collector drains an event subscription on a background goroutine.
type Collector struct {
	sub *event.Subscription

	mu     sync.Mutex
	events []*event.Event
	done   chan struct{}
}

// Collect starts draining the given subscription.
func Collect(sub *event.Subscription) *Collector {
	c := &Collector{sub: sub, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for ev := range sub.Events() {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

// Events returns a snapshot of what has been collected so far.
func (c *Collector) Events() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*event.Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType filters the collected events by type.
func (c *Collector) OfType(typ event.Type) []*event.Event {
	var out []*event.Event
	for _, ev := range c.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Wait blocks until the bus closes or the timeout elapses, then returns
// everything collected.
func (c *Collector) Wait(timeout time.Duration) []*event.Event {
	select {
	case <-c.done:
	case <-time.After(timeout):
	}
	return c.Events()
}
