package dispatch

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedTTL is how long a finished task keeps its closed marker. Later
// subscribers are turned away by the task's stored status instead.
const closedTTL = 10 * time.Minute

// Event is one lifecycle change of a task.
type Event struct {
	TaskID  string    `json:"task_id"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// EventBroker fans out task lifecycle events to subscribers. It is safe for
// concurrent use.
//
// Finished tasks keep a closed marker for closedTTL so late subscribers get a
// closed channel instead of waiting forever. An engine task offered again is
// reopened.
type EventBroker struct {
	mu        sync.Mutex
	topics    map[string]*eventTopic
	now       func() time.Time
	nextSweep time.Time
}

type eventTopic struct {
	subs     map[int]chan Event
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
		now:    time.Now,
	}
}

// sweep drops closed markers older than closedTTL, at most once per tenth
// of the TTL. Callers hold b.mu.
func (b *EventBroker) sweep() {
	now := b.now()
	if now.Before(b.nextSweep) {
		return
	}
	b.nextSweep = now.Add(closedTTL / 10)

	for id, t := range b.topics {
		if t.closed && now.Sub(t.closedAt) >= closedTTL {
			delete(b.topics, id)
		}
	}
}

// Subscribe returns a channel of events for taskID and an unsubscribe
// function. The channel is already closed if the task has finished.
func (b *EventBroker) Subscribe(taskID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweep()

	t, ok := b.topics[taskID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[taskID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
		if !t.closed && len(t.subs) == 0 && b.topics[taskID] == t {
			delete(b.topics, taskID)
		}
	}
}

// Publish sends ev to all subscribers of ev.TaskID, dropping it for
// subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.TaskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that taskID reached a final state. All subscriber channels
// are closed and Subscribe calls within closedTTL return a closed channel.
func (b *EventBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweep()

	now := b.now()
	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &eventTopic{subs: make(map[int]chan Event), closed: true, closedAt: now}
		return
	}

	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen clears the closed marker of taskID so new subscribers follow it
// again.
func (b *EventBroker) Reopen(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[taskID]; ok && t.closed {
		delete(b.topics, taskID)
	}
}
