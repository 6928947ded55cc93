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

package event

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the queue depth of a subscription when the
// caller does not specify one.
const DefaultSubscriberBuffer = 256

// Subscription is a live attachment to a bus. Consume events from Events();
// the channel closes when the bus closes or the subscription is cancelled.
type Subscription struct {
	id      string
	ch      chan *Event
	dropped atomic.Uint64
	bus     *Bus
	once    sync.Once
}

// Events returns the ordered event stream. The channel closes on
// end-of-stream; no event is ever delivered after the close.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Dropped returns how many events were discarded because this subscriber's
// queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus and releases its queue.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is a per-task event fan-out.
//
// Publish never blocks: when a subscriber's queue is full, the oldest
// queued event is dropped for that subscriber only and its drop counter is
// incremented. A single mutex serialises publishes, so every subscriber
// observes the same event order.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewBus returns an open bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe attaches a new subscriber with the given queue depth.
// A non-positive buffer uses DefaultSubscriberBuffer. Subscribers receive
// events published after the subscription; history is not replayed.
// Subscribing to a closed bus yields an immediately closed stream.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{
		id:  uuid.NewString(),
		ch:  make(chan *Event, buffer),
		bus: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every subscriber. Publishing to a closed
// bus is a no-op.
func (b *Bus) Publish(ev *Event) {
	if ev == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		deliver(sub, ev)
	}
}

// deliver enqueues without blocking, dropping the subscriber's oldest
// queued event on overflow. Publishes are serialised by the bus lock, so
// the retry loop only competes with the consumer draining the channel.
func deliver(sub *Subscription, ev *Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
	}
}

// Close terminates the bus. Every subscriber sees its stream drain and then
// close; later publishes and subscriptions are inert. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}

// Closed reports whether the bus has been closed.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	sub.once.Do(func() { close(sub.ch) })
}
