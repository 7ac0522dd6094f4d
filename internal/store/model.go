package store

import (
	"context"
	"sync"
	"time"
)

// Model bundles the resource containers behind a single reader-writer lock
// and a broadcast channel that stands in for a condition variable. Every
// long-lived task waits on the channel with a predicate over the containers;
// every writer calls Notify after committing.
type Model struct {
	mu           sync.RWMutex
	changed      chan struct{}
	shuttingDown bool

	// Node holds the IS-04 self resources plus the subscriptions and
	// grains served by the node's query surface.
	Node *Resources
	// Connection holds IS-05 staged/active state per sender and receiver.
	Connection *Resources
	// ChannelMapping holds IS-08 input/output state.
	ChannelMapping *Resources
	// Events holds IS-07 event type and state documents per source.
	Events *Resources
}

func NewModel() *Model {
	return &Model{
		changed:        make(chan struct{}),
		Node:           NewResources(),
		Connection:     NewResources(),
		ChannelMapping: NewResources(),
		Events:         NewResources(),
	}
}

func (m *Model) Lock()    { m.mu.Lock() }
func (m *Model) Unlock()  { m.mu.Unlock() }
func (m *Model) RLock()   { m.mu.RLock() }
func (m *Model) RUnlock() { m.mu.RUnlock() }

// Changed returns the channel closed by the next Notify. Callers must hold
// the lock when grabbing it and receive after releasing.
func (m *Model) Changed() <-chan struct{} { return m.changed }

// Notify wakes every waiter. Callers must hold the write lock.
func (m *Model) Notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// ShuttingDown reports the shutdown flag. Callers must hold the lock.
func (m *Model) ShuttingDown() bool { return m.shuttingDown }

// Shutdown raises the shutdown flag and wakes every waiter.
func (m *Model) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.Notify()
	m.mu.Unlock()
}

// Wait blocks until pred holds, evaluating it under the read lock. Returns
// false when the context ends or the model shuts down first.
func (m *Model) Wait(ctx context.Context, pred func() bool) bool {
	m.mu.RLock()
	for {
		if pred() {
			m.mu.RUnlock()
			return true
		}
		if m.shuttingDown {
			m.mu.RUnlock()
			return false
		}
		ch := m.changed
		m.mu.RUnlock()
		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
		m.mu.RLock()
	}
}

// WaitFor is Wait bounded by a timeout. On timeout it reports the final
// value of pred.
func (m *Model) WaitFor(ctx context.Context, d time.Duration, pred func() bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	m.mu.RLock()
	for {
		if pred() {
			m.mu.RUnlock()
			return true
		}
		if m.shuttingDown {
			m.mu.RUnlock()
			return false
		}
		ch := m.changed
		m.mu.RUnlock()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			m.mu.RLock()
			ok := pred()
			m.mu.RUnlock()
			return ok
		case <-ch:
		}
		m.mu.RLock()
	}
}
