// Copyright 2022 The eventbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/eventbridge/common"
	"github.com/apex/log"
)

// ErrQueueClosed the event queue was closed
var ErrQueueClosed = fmt.Errorf("event queue closed")

// EventQueue a subscription to a filtered stream of events
type EventQueue interface {
	// Name the queue name
	Name() string
	// WaitForEvent block until the next event arrives, the queue closes, or ctxt ends
	WaitForEvent(ctxt context.Context) (DomainEvent, error)
	// Close stop receiving events
	Close() error
}

// EventBus the monitoring engine's event bus
type EventBus interface {
	// Subscribe define a new queue receiving only events of the listed kinds
	Subscribe(name string, types []string) (EventQueue, error)
}

// validateQueueTypes check the requested event kinds
func validateQueueTypes(types []string) (map[string]bool, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("no event types requested")
	}
	result := make(map[string]bool, len(types))
	for _, eventType := range types {
		if !IsAllowedEventType(eventType) {
			return nil, fmt.Errorf("unrecognized event type %s", eventType)
		}
		result[eventType] = true
	}
	return result, nil
}

// ========================================================================================

// pendingEvents FIFO of events for a localEventQueue, with a wake-up signal for one waiter
type pendingEvents struct {
	lock   sync.Mutex
	events []DomainEvent
	closed bool
	notify chan struct{}
}

func newPendingEvents() *pendingEvents {
	return &pendingEvents{notify: make(chan struct{}, 1)}
}

func (q *pendingEvents) push(event DomainEvent) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.events = append(q.events, event)
	q.lock.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *pendingEvents) close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *pendingEvents) wait(ctxt context.Context) (DomainEvent, error) {
	for {
		q.lock.Lock()
		if len(q.events) > 0 {
			event := q.events[0]
			q.events[0] = DomainEvent{}
			q.events = q.events[1:]
			q.lock.Unlock()
			return event, nil
		}
		closed := q.closed
		q.lock.Unlock()
		if closed {
			return DomainEvent{}, ErrQueueClosed
		}
		select {
		case <-ctxt.Done():
			return DomainEvent{}, ctxt.Err()
		case <-q.notify:
		}
	}
}

// ========================================================================================

// LocalEventBus in-process EventBus
type LocalEventBus struct {
	common.Component
	lock   sync.RWMutex
	queues map[string]*localEventQueue
}

// NewLocalEventBus define a new LocalEventBus
func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{
		Component: common.Component{
			LogTags: log.Fields{"module": "events", "component": "local-event-bus"},
		},
		queues: make(map[string]*localEventQueue),
	}
}

// Subscribe define a new queue receiving only events of the listed kinds
func (b *LocalEventBus) Subscribe(name string, types []string) (EventQueue, error) {
	typeSet, err := validateQueueTypes(types)
	if err != nil {
		return nil, err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.queues[name]; ok {
		return nil, fmt.Errorf("event queue %s already registered", name)
	}
	queue := &localEventQueue{
		bus: b, name: name, types: typeSet, pending: newPendingEvents(),
	}
	b.queues[name] = queue
	log.WithFields(b.LogTags).Debugf("Registered event queue %s", name)
	return queue, nil
}

// Publish deliver an event to every queue interested in its kind
func (b *LocalEventBus) Publish(event DomainEvent) int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	delivered := 0
	for _, queue := range b.queues {
		if queue.types[event.Type()] && queue.pending.push(event) {
			delivered++
		}
	}
	return delivered
}

// unregister drop a queue from the bus
func (b *LocalEventBus) unregister(name string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.queues, name)
	log.WithFields(b.LogTags).Debugf("Unregistered event queue %s", name)
}

// localEventQueue EventQueue on a LocalEventBus
type localEventQueue struct {
	bus     *LocalEventBus
	name    string
	types   map[string]bool
	pending *pendingEvents
}

func (q *localEventQueue) Name() string {
	return q.name
}

func (q *localEventQueue) WaitForEvent(ctxt context.Context) (DomainEvent, error) {
	return q.pending.wait(ctxt)
}

func (q *localEventQueue) Close() error {
	q.bus.unregister(q.name)
	q.pending.close()
	return nil
}
