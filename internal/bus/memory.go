package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshforge/runtime/internal/envelope"
)

// Memory is an in-process Publisher and Router for tests and offline
// replay. It records everything in publish order and can optionally
// dispatch synchronously to subscriber callbacks.
type Memory struct {
	mu          sync.Mutex
	events      []envelope.Envelope
	commands    []envelope.Envelope
	subscribers []func(envelope.Envelope)

	// FailPublish makes the next Publish/Route call fail, for exercising
	// transient-error paths.
	FailPublish bool
}

// NewMemory returns an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{}
}

// Subscribe registers a callback invoked synchronously, in order, for every
// published event. Not safe to call concurrently with Publish.
func (m *Memory) Subscribe(fn func(envelope.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Publish records the events and dispatches them to subscribers.
func (m *Memory) Publish(_ context.Context, events []envelope.Envelope) error {
	m.mu.Lock()
	if m.FailPublish {
		m.mu.Unlock()
		return fmt.Errorf("publish: bus unavailable")
	}
	m.events = append(m.events, events...)
	subs := m.subscribers
	m.mu.Unlock()

	for _, env := range events {
		for _, fn := range subs {
			fn(env)
		}
	}
	return nil
}

// Route records a command.
func (m *Memory) Route(_ context.Context, cmd envelope.Envelope) error {
	if !cmd.IsCommand() {
		return fmt.Errorf("route %s: not a command type: %s", cmd.MessageID, cmd.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPublish {
		return fmt.Errorf("route: bus unavailable")
	}
	m.commands = append(m.commands, cmd)
	return nil
}

// Events returns a copy of every published event in order.
func (m *Memory) Events() []envelope.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]envelope.Envelope, len(m.events))
	copy(out, m.events)
	return out
}

// Commands returns a copy of every routed command in order.
func (m *Memory) Commands() []envelope.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]envelope.Envelope, len(m.commands))
	copy(out, m.commands)
	return out
}

// Reset clears recorded traffic but keeps subscribers.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.commands = nil
}
