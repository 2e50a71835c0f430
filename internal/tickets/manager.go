package tickets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"opsagent/internal/logging"
)

// Manager enforces the ticket lifecycle on top of an Adapter. Writes to the
// same ticket id are serialized; Reset excludes every other operation.
type Manager struct {
	adapter     Adapter
	transitions *Transitions
	now         func() time.Time

	resetMu sync.RWMutex
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a manager over adapter using the given lifecycle table.
func NewManager(adapter Adapter, transitions *Transitions) *Manager {
	return &Manager{
		adapter:     adapter,
		transitions: transitions,
		now:         func() time.Time { return time.Now().UTC() },
		locks:       make(map[string]*sync.Mutex),
	}
}

// Transitions exposes the lifecycle table.
func (m *Manager) Transitions() *Transitions { return m.transitions }

func (m *Manager) lock(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create opens a new ticket in status Open.
func (m *Manager) Create(ctx context.Context, title, description string, severity Severity) (Ticket, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if title == "" {
		return Ticket{}, fmt.Errorf("%w: title is required", ErrInvalidTicket)
	}
	if description == "" {
		return Ticket{}, fmt.Errorf("%w: description is required", ErrInvalidTicket)
	}
	sev, err := ParseSeverity(string(severity))
	if err != nil {
		return Ticket{}, err
	}

	m.resetMu.RLock()
	defer m.resetMu.RUnlock()

	now := m.now()
	t, err := m.adapter.Create(ctx, Ticket{
		Title:       title,
		Description: description,
		Severity:    sev,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Ticket{}, err
	}
	logging.Tickets("created %s (%s)", t.ID, t.Severity)
	return t, nil
}

// Get returns the ticket with the given id.
func (m *Manager) Get(ctx context.Context, id string) (Ticket, error) {
	m.resetMu.RLock()
	defer m.resetMu.RUnlock()
	return m.adapter.Get(ctx, NormalizeID(id))
}

// UpdateStatus moves a ticket one step forward in its lifecycle. Skips,
// reversals, same-status updates and changes to a terminal ticket are
// rejected with ErrInvalidTransition and leave the store unchanged.
func (m *Manager) UpdateStatus(ctx context.Context, id string, to Status) (Ticket, error) {
	id = NormalizeID(id)
	target, err := ParseStatus(string(to))
	if err != nil {
		return Ticket{}, err
	}

	m.resetMu.RLock()
	defer m.resetMu.RUnlock()
	unlock := m.lock(id)
	defer unlock()

	t, err := m.adapter.Get(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	if !m.transitions.Allowed(t.Status, target) {
		logging.TicketsDebug("rejected %s: %s -> %s", id, t.Status, target)
		return Ticket{}, &TransitionError{ID: id, From: t.Status, To: target}
	}

	t.Status = target
	t.UpdatedAt = m.now()
	if err := m.adapter.Update(ctx, t); err != nil {
		return Ticket{}, err
	}
	logging.Tickets("%s moved to %s", id, target)
	return t, nil
}

// List returns every ticket ordered by id.
func (m *Manager) List(ctx context.Context) ([]Ticket, error) {
	m.resetMu.RLock()
	defer m.resetMu.RUnlock()
	return m.adapter.List(ctx)
}

// Reset clears the store and rewinds the id sequence. Safe to call repeatedly.
func (m *Manager) Reset(ctx context.Context) error {
	m.resetMu.Lock()
	defer m.resetMu.Unlock()
	if err := m.adapter.Reset(ctx); err != nil {
		return err
	}
	logging.Tickets("ticket store reset")
	return nil
}
