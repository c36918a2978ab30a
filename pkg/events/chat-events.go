package events

import (
	"encoding/json"

	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart to EventTypeFinal follow the life of one pending message
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	// Separate partial stream for reasoning text
	EventTypePartialThinking EventType = "partial-thinking"
	EventTypeFinal           EventType = "final"
	// Stop-and-keep: the partial text was committed
	EventTypeInterrupt EventType = "interrupt"
	// Nothing was generated, the pending message was discarded
	EventTypeDropped EventType = "dropped"
	EventTypeError   EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventImpl is embedded by every event type.
type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON, only set on decoded events
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// EventMetadata identifies the pending message an event belongs to.
type EventMetadata struct {
	ID          int64                 `json:"message_id" yaml:"message_id"`
	ConvID      string                `json:"conv_id" yaml:"conv_id"`
	ParentID    int64                 `json:"parent_id" yaml:"parent_id"`
	InferenceID string                `json:"inference_id,omitempty" yaml:"inference_id,omitempty"`
	Model       string                `json:"model,omitempty" yaml:"model,omitempty"`
	Timings     *conversation.Timings `json:"timings,omitempty" yaml:"timings,omitempty"`
	DurationMs  *int64                `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

// MetadataFor builds the metadata of a pending message.
func MetadataFor(inferenceID string, m *conversation.Message) EventMetadata {
	return EventMetadata{
		ID:          m.ID,
		ConvID:      m.ConvID,
		ParentID:    m.Parent,
		InferenceID: inferenceID,
		Model:       m.Model,
		Timings:     m.Timings.Clone(),
	}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("message_id", em.ID)
	e.Str("conv_id", em.ConvID)
	e.Int64("parent_id", em.ParentID)
	if em.InferenceID != "" {
		e.Str("inference_id", em.InferenceID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.Timings != nil {
		if em.Timings.PromptN != nil {
			e.Int("prompt_n", *em.Timings.PromptN)
		}
		if em.Timings.PredictedN != nil {
			e.Int("predicted_n", *em.Timings.PredictedN)
		}
		if em.Timings.PredictedMS != nil {
			e.Float64("predicted_ms", *em.Timings.PredictedMS)
		}
	}
	if em.DurationMs != nil {
		e.Int64("duration_ms", *em.DurationMs)
	}
}

func newImpl(t EventType, metadata EventMetadata) EventImpl {
	return EventImpl{Type_: t, Metadata_: metadata}
}

// EventPartialCompletionStart announces a new pending message.
type EventPartialCompletionStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventPartialCompletionStart {
	return &EventPartialCompletionStart{EventImpl: newImpl(EventTypeStart, metadata)}
}

// EventPartialCompletion carries one content delta and the text accumulated so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  newImpl(EventTypePartialCompletion, metadata),
		Delta:      delta,
		Completion: completion,
	}
}

// EventThinkingPartial is the reasoning counterpart of EventPartialCompletion.
type EventThinkingPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewThinkingPartialEvent(metadata EventMetadata, delta string, completion string) *EventThinkingPartial {
	return &EventThinkingPartial{
		EventImpl:  newImpl(EventTypePartialThinking, metadata),
		Delta:      delta,
		Completion: completion,
	}
}

// EventFinal reports the committed answer.
type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{EventImpl: newImpl(EventTypeFinal, metadata), Text: text}
}

// EventInterrupt reports the partial answer committed after an abort.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{EventImpl: newImpl(EventTypeInterrupt, metadata), Text: text}
}

type EventDropped struct {
	EventImpl
}

func NewDroppedEvent(metadata EventMetadata) *EventDropped {
	return &EventDropped{EventImpl: newImpl(EventTypeDropped, metadata)}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{EventImpl: newImpl(EventTypeError, metadata), ErrorString: err.Error()}
}

var (
	_ Event = (*EventImpl)(nil)
	_ Event = (*EventPartialCompletionStart)(nil)
	_ Event = (*EventPartialCompletion)(nil)
	_ Event = (*EventThinkingPartial)(nil)
	_ Event = (*EventFinal)(nil)
	_ Event = (*EventInterrupt)(nil)
	_ Event = (*EventDropped)(nil)
	_ Event = (*EventError)(nil)
)

var decoders = map[EventType]func(b []byte) (Event, error){
	EventTypeStart:             decodeAs[EventPartialCompletionStart],
	EventTypePartialCompletion: decodeAs[EventPartialCompletion],
	EventTypePartialThinking:   decodeAs[EventThinkingPartial],
	EventTypeFinal:             decodeAs[EventFinal],
	EventTypeInterrupt:         decodeAs[EventInterrupt],
	EventTypeDropped:           decodeAs[EventDropped],
	EventTypeError:             decodeAs[EventError],
}

// NewEventFromJson decodes an event into its concrete type. Unknown types
// decode to a bare *EventImpl. Payload returns b in every case.
func NewEventFromJson(b []byte) (Event, error) {
	var head *EventImpl
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, err
	}
	if head == nil {
		return nil, errors.New("empty event")
	}
	decode, ok := decoders[head.Type_]
	if !ok {
		head.payload = b
		return head, nil
	}
	return decode(b)
}

type payloadSetter interface {
	Event
	setPayload(b []byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func decodeAs[T any, PT interface {
	*T
	payloadSetter
}](b []byte) (Event, error) {
	ret, ok := ToTypedEvent[T](b)
	if !ok {
		return nil, errors.Errorf("could not decode %T", ret)
	}
	PT(ret).setPayload(b)
	return PT(ret), nil
}

// ToTypedEvent decodes a JSON event payload into T.
func ToTypedEvent[T any](b []byte) (*T, bool) {
	ret := new(T)
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, false
	}
	return ret, true
}
