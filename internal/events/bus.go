// Package events provides the in-process publish/subscribe bus that carries
// task and chain lifecycle notifications. Consumers such as the progress
// reporter and the CLI subscribe; the execution core publishes and never
// blocks on slow subscribers.
package events

import (
	"sync"
	"time"
)

// Type identifies a lifecycle event.
type Type string

const (
	// TaskStarted fires once per execution attempt.
	TaskStarted Type = "task_started"
	// TaskCompleted fires when a task reaches complete.
	TaskCompleted Type = "task_completed"
	// TaskFailed fires when a task exhausts its retries.
	TaskFailed Type = "task_failed"
	// TaskSkipped fires when a when condition gates a task off.
	TaskSkipped Type = "task_skipped"
	// ChainStarted fires when a chain begins executing.
	ChainStarted Type = "chain_started"
	// ChainCompleted fires when a chain reaches a terminal status.
	ChainCompleted Type = "chain_completed"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      map[string]any
}

// Handler receives events asynchronously.
type Handler func(Event)

// Bus fans events out to subscribers over buffered channels. Delivery is
// asynchronous; when a subscriber's buffer is full the event is dropped
// rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]*subscription
	bufferSize  int
	closed      bool
}

type subscription struct {
	ch chan Event
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[Type][]*subscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function. Handlers run on a dedicated goroutine; panics are
// recovered so a misbehaving subscriber cannot take the bus down.
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	b.subscribers[t] = append(b.subscribers[t], sub)

	go func() {
		for event := range sub.ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[t]
		for i, s := range subs {
			if s == sub {
				b.subscribers[t] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
}

func deliver(fn Handler, event Event) {
	defer func() {
		_ = recover()
	}()
	fn(event)
}

// Publish sends an event to every subscriber of its type.
func (b *Bus) Publish(t Type, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	for _, sub := range b.subscribers[t] {
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full; drop rather than block the engine.
		}
	}
}

// Close tears down all subscriptions. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subscribers = make(map[Type][]*subscription)
}
