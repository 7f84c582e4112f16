package events

// Event is a structured state change emitted by a pool actor.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (gateway, metrics,
// log sinks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events. Engines fall
// back to it so event emission is always safe to call.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) { f(evt) }
