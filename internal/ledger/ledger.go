// Package ledger provides the append-only audit trail for optimization
// actions. Emitting an event is fire-and-forget: sinks log their own
// failures and never propagate them back into the decision path.
package ledger

import (
	"context"
	"sync"

	"github.com/adverve/roaspilot/internal/domain"
)

// Ledger accepts audit events from the decision core.
type Ledger interface {
	Emit(ctx context.Context, event domain.AuditEvent)
}

// Memory is an in-process ledger that keeps events in order of arrival.
// It backs tests and single-process deployments without Redis.
type Memory struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

// NewMemory returns an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{}
}

// Emit appends the event.
func (m *Memory) Emit(_ context.Context, event domain.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of everything emitted so far.
func (m *Memory) Events() []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Nop discards every event. Used when no audit sink is configured.
type Nop struct{}

// Emit drops the event.
func (Nop) Emit(context.Context, domain.AuditEvent) {}
