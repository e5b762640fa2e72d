package emit

// NullEmitter implements Emitter by discarding all events. Useful as a
// default when observability is not configured and in benchmarks.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
