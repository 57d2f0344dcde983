package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
)

type EventType string

// The closed set of stream events. A transport emits zero or more
// sources/partial events followed by exactly one terminal event:
// final, error or interrupt.
const (
	EventTypeStart     EventType = "start"
	EventTypeSources   EventType = "sources"
	EventTypePartial   EventType = "partial"
	EventTypeFinal     EventType = "final"
	EventTypeError     EventType = "error"
	EventTypeInterrupt EventType = "interrupt"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata correlates an event with the conversation and draft
// message it belongs to, and records which transport produced it.
type EventMetadata struct {
	ID             uuid.UUID `json:"message_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Mode           string    `json:"mode,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.Mode != "" {
		e.Str("mode", em.Mode)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON payload when the event was deserialized from the bus
	payload []byte
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte         { return e.payload }

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

// EventSources carries the citation list attached to the in-flight
// answer. The list replaces any previously delivered one.
type EventSources struct {
	EventImpl
	Sources []chat.Source `json:"sources"`
}

func NewSourcesEvent(metadata EventMetadata, sources []chat.Source) *EventSources {
	return &EventSources{
		EventImpl: EventImpl{Type_: EventTypeSources, Metadata_: metadata},
		Sources:   sources,
	}
}

var _ Event = &EventSources{}

// EventPartial is one token of the streamed answer together with the
// full completion so far.
type EventPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(metadata EventMetadata, delta string, completion string) *EventPartial {
	return &EventPartial{
		EventImpl:  EventImpl{Type_: EventTypePartial, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartial{}

type EventFinal struct {
	EventImpl
	Text    string        `json:"text"`
	Sources []chat.Source `json:"sources,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, text string, sources []chat.Source) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
		Sources:   sources,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

// EventInterrupt records a user-initiated cancellation. It is a
// terminal event but explicitly not an error.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventInterrupt{}

// IsTerminal reports whether t ends a stream.
func IsTerminal(t EventType) bool {
	switch t {
	case EventTypeFinal, EventTypeError, EventTypeInterrupt:
		return true
	}
	return false
}

// NewEventFromJson decodes an event coming back off the message bus
// into its typed form.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		ret, ok := ToTypedEvent[EventStart](e)
		if !ok {
			return nil, errors.New("could not cast event to EventStart")
		}
		return ret, nil
	case EventTypeSources:
		ret, ok := ToTypedEvent[EventSources](e)
		if !ok {
			return nil, errors.New("could not cast event to EventSources")
		}
		return ret, nil
	case EventTypePartial:
		ret, ok := ToTypedEvent[EventPartial](e)
		if !ok {
			return nil, errors.New("could not cast event to EventPartial")
		}
		return ret, nil
	case EventTypeFinal:
		ret, ok := ToTypedEvent[EventFinal](e)
		if !ok {
			return nil, errors.New("could not cast event to EventFinal")
		}
		return ret, nil
	case EventTypeError:
		ret, ok := ToTypedEvent[EventError](e)
		if !ok {
			return nil, errors.New("could not cast event to EventError")
		}
		return ret, nil
	case EventTypeInterrupt:
		ret, ok := ToTypedEvent[EventInterrupt](e)
		if !ok {
			return nil, errors.New("could not cast event to EventInterrupt")
		}
		return ret, nil
	}

	return e, nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}

func (e EventPartial) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta)
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}

func (e EventSources) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Int("num_sources", len(e.Sources))
}
