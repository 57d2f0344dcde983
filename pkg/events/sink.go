package events

// EventSink is a destination for stream events. Implementations can
// forward events to the watermill bus, log them, or collect them for
// tests.
type EventSink interface {
	// PublishEvent publishes an event to the sink.
	// Returns an error if the event could not be published.
	PublishEvent(event Event) error
}
