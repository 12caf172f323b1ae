package progress

import "context"

// Sink receives flushed event batches from the Hub. Consume may run
// concurrently with itself if a sink is shared between hubs, and the
// batch slice must not be retained past the call.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the producer-side interface: the coordinator emits events
// without knowing how they are buffered or where they end up. Hub
// implements it.
type Emitter interface {
	Emit(evt Event)
}
