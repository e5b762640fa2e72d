package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// instance ID. Intended for tests, debugging, and post-execution analysis.
//
// All events are held in memory; long-running production deployments
// should prefer a streaming backend or call Clear periodically.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects a subset of an instance's events. All fields are
// optional and combined with AND logic.
type HistoryFilter struct {
	// NodeID filters by node (empty = no filter).
	NodeID string

	// Msg filters by event name (empty = no filter).
	Msg string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores an event. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// History returns a copy of all events for an instance in emission order.
func (b *BufferedEmitter) History(instanceID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[instanceID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the instance's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events[instanceID] {
		if filter.NodeID != "" && ev.NodeID != filter.NodeID {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear removes all stored events for an instance. An empty instanceID
// clears everything.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if instanceID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, instanceID)
}
