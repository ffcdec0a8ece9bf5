package domain

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

const (
	// ContentTypeJSON marks payloads serialized with encoding/json.
	ContentTypeJSON = "application/json"

	// ContentTypeProtobuf marks payloads serialized as binary protobuf.
	ContentTypeProtobuf = "application/protobuf"
)

// TypedEvent is implemented by JSON payloads that name their own event type.
type TypedEvent interface {
	EventType() string
}

// TypeOf returns the event type name of a payload.
// Protobuf messages use their full message name.
func TypeOf(payload any) (string, error) {
	switch p := payload.(type) {
	case proto.Message:
		return string(p.ProtoReflect().Descriptor().FullName()), nil
	case TypedEvent:
		return p.EventType(), nil
	default:
		return "", fmt.Errorf("%w: %T does not implement TypedEvent or proto.Message", ErrUnknownEventType, payload)
	}
}

// Encode serializes a payload and returns its event type, data and content type.
func Encode(payload any) (eventType string, data []byte, contentType string, err error) {
	eventType, err = TypeOf(payload)
	if err != nil {
		return "", nil, "", err
	}

	if msg, ok := payload.(proto.Message); ok {
		data, err = proto.Marshal(msg)
		if err != nil {
			return "", nil, "", fmt.Errorf("marshal %s: %w", eventType, err)
		}
		return eventType, data, ContentTypeProtobuf, nil
	}

	data, err = json.Marshal(payload)
	if err != nil {
		return "", nil, "", fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return eventType, data, ContentTypeJSON, nil
}

// Decode deserializes the payload of an event into E.
//
// E is usually a struct value type for JSON payloads (users.UserCreated) or a
// pointer type for protobuf messages (*ledgerv1.Deposited). A payload attached
// with Transform is returned directly when it has the requested type.
func Decode[E any](e *Event) (E, error) {
	var out E
	if e.payload != nil {
		if p, ok := e.payload.(E); ok {
			return p, nil
		}
	}

	if zero, ok := any(out).(proto.Message); ok {
		// E is a pointer to a generated message, allocate through its descriptor
		msg := zero.ProtoReflect().New().Interface()
		if err := proto.Unmarshal(e.Data, msg); err != nil {
			return out, fmt.Errorf("unmarshal %s: %w", e.EventType, err)
		}
		return msg.(E), nil
	}

	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("unmarshal %s: %w", e.EventType, err)
	}
	return out, nil
}

// Payload returns the payload attached by Transform, if any.
func (e *Event) Payload() any {
	return e.payload
}

// Transform derives an event carrying a different payload while keeping the
// position, stream, tenant and timestamp of the source event. Custom groupers
// use it to hand projections a payload enriched with looked-up data.
func Transform(source *Event, payload any) (*Event, error) {
	eventType, data, contentType, err := Encode(payload)
	if err != nil {
		return nil, err
	}

	derived := *source
	derived.EventType = eventType
	derived.Data = data
	derived.ContentType = contentType
	derived.payload = payload
	return &derived, nil
}
