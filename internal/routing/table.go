// Package routing holds the per-execution routing maps: for one in-flight
// workflow execution, which function topic receives each function's output.
package routing

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownExecution is returned for an execution that was never begun or is retired.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrExecutionExists is returned when an execution id is begun twice.
	ErrExecutionExists = errors.New("execution already exists")
)

// Table maps execution id -> (function topic -> next function topic).
// The zero value is not usable; call NewTable.
type Table struct {
	mu     sync.RWMutex
	routes map[string]map[string]string
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{routes: make(map[string]map[string]string)}
}

// Begin creates the routing map of a new execution.
func (t *Table) Begin(executionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.routes[executionID]; ok {
		return fmt.Errorf("begin %q: %w", executionID, ErrExecutionExists)
	}
	t.routes[executionID] = make(map[string]string)
	return nil
}

// Set routes the output of from to next within an execution.
func (t *Table) Set(executionID, from, next string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.routes[executionID]
	if !ok {
		return fmt.Errorf("route %q: %w", executionID, ErrUnknownExecution)
	}
	m[from] = next
	return nil
}

// Next returns where the output of from goes within an execution.
func (t *Table) Next(executionID, from string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	next, ok := t.routes[executionID][from]
	return next, ok
}

// Retire drops the routing map of a completed execution.
func (t *Table) Retire(executionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.routes[executionID]; !ok {
		return fmt.Errorf("retire %q: %w", executionID, ErrUnknownExecution)
	}
	delete(t.routes, executionID)
	return nil
}

// Len returns the number of in-flight executions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
