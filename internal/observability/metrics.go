package observability

import (
	"sync"
)

// Event outcomes recorded per inbound event kind.
const (
	OutcomeHandled  = "handled"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
	OutcomeFailed   = "failed"
)

// Metrics provides basic in-memory counters over routed events.
type Metrics struct {
	mu         sync.Mutex
	eventCount map[string]int64
	errorCount map[string]int64
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		eventCount: make(map[string]int64),
		errorCount: make(map[string]int64),
	}
}

// RecordEvent increments the counter for an event kind and its outcome.
func (m *Metrics) RecordEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCount[kind+"|"+outcome]++
}

// RecordError increments the error counter for a component and code.
func (m *Metrics) RecordError(component, code string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[component+"|"+code]++
}

// Snapshot copies the current counters, for the ops surface.
func (m *Metrics) Snapshot() (events, errors map[string]int64) {
	if m == nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	events = make(map[string]int64, len(m.eventCount))
	for k, v := range m.eventCount {
		events[k] = v
	}
	errors = make(map[string]int64, len(m.errorCount))
	for k, v := range m.errorCount {
		errors[k] = v
	}
	return events, errors
}
