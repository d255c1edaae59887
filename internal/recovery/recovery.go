// Package recovery re-establishes runtime state after a restart.
//
// Delivery records are durable but the dispatch queues are not: a record
// still queued when the process comes back up either never reached the
// transport or lost its acknowledgement with the process. Components that
// can rebuild such state register here and are driven once at startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that can rebuild its runtime state from the
// store. Recover returns the number of items restored.
type Recoverable interface {
	Recover(ctx context.Context) (int, error)
}

// Manager drives registered components through recovery at startup.
type Manager struct {
	components []Recoverable
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component to be recovered.
func (m *Manager) Register(r Recoverable) {
	m.components = append(m.components, r)
}

// RecoverAll runs every registered component. A failing component does not
// stop the others; the first error is returned after all have run.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("starting recovery", "components", len(m.components))

	var firstErr error
	restored := 0
	for _, c := range m.components {
		n, err := c.Recover(ctx)
		if err != nil {
			slog.Error("component recovery failed", "component", fmt.Sprintf("%T", c), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		restored += n
	}

	slog.Info("recovery completed", "restored", restored, "error", firstErr != nil)
	return firstErr
}
