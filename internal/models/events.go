package models

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Kind tags an Event. Its String form is the wire label.
type Kind uint8

const (
	KindNewChat Kind = iota + 1
	KindAddToChat
	KindUpdateChatName
	KindRemoveFromChat
	KindNewMessage
)

// Kinds lists every event kind in declaration order.
var Kinds = []Kind{KindNewChat, KindAddToChat, KindUpdateChatName, KindRemoveFromChat, KindNewMessage}

func (k Kind) String() string {
	switch k {
	case KindNewChat:
		return "NewChat"
	case KindAddToChat:
		return "AddToChat"
	case KindUpdateChatName:
		return "UpdateChatName"
	case KindRemoveFromChat:
		return "RemoveFromChat"
	case KindNewMessage:
		return "NewMessage"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a wire label back to its Kind.
func ParseKind(label string) (Kind, bool) {
	for _, k := range Kinds {
		if k.String() == label {
			return k, true
		}
	}
	return 0, false
}

// Event is one domain occurrence pushed to clients. The set of
// implementations is closed: NewChat, AddToChat, UpdateChatName,
// RemoveFromChat and NewMessage.
//
// A delivered Event is shared by every subscriber of a user and must not be
// mutated by readers.
type Event interface {
	Kind() Kind
	isEvent()
}

type NewChat struct{ Chat }

type AddToChat struct{ Chat }

type UpdateChatName struct{ Chat }

type RemoveFromChat struct{ Chat }

type NewMessage struct{ Message }

func (NewChat) Kind() Kind        { return KindNewChat }
func (AddToChat) Kind() Kind      { return KindAddToChat }
func (UpdateChatName) Kind() Kind { return KindUpdateChatName }
func (RemoveFromChat) Kind() Kind { return KindRemoveFromChat }
func (NewMessage) Kind() Kind     { return KindNewMessage }

func (NewChat) isEvent()        {}
func (AddToChat) isEvent()      {}
func (UpdateChatName) isEvent() {}
func (RemoveFromChat) isEvent() {}
func (NewMessage) isEvent()     {}

var ErrUnknownEvent = errors.New("unknown event")

type chatEnvelope struct {
	Event string `json:"event"`
	Chat
}

type messageEnvelope struct {
	Event string `json:"event"`
	Message
}

// MarshalEvent encodes the event payload: the variant's fields plus an
// "event" discriminator holding the label.
func MarshalEvent(e Event) ([]byte, error) {
	switch v := e.(type) {
	case NewChat:
		return json.Marshal(chatEnvelope{Event: v.Kind().String(), Chat: v.Chat})
	case AddToChat:
		return json.Marshal(chatEnvelope{Event: v.Kind().String(), Chat: v.Chat})
	case UpdateChatName:
		return json.Marshal(chatEnvelope{Event: v.Kind().String(), Chat: v.Chat})
	case RemoveFromChat:
		return json.Marshal(chatEnvelope{Event: v.Kind().String(), Chat: v.Chat})
	case NewMessage:
		return json.Marshal(messageEnvelope{Event: v.Kind().String(), Message: v.Message})
	case nil:
		return nil, fmt.Errorf("marshal event: %w: nil", ErrUnknownEvent)
	}
	return nil, fmt.Errorf("marshal event: %w: %T", ErrUnknownEvent, e)
}

// UnmarshalEvent decodes a payload produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	kind, ok := ParseKind(head.Event)
	if !ok {
		return nil, fmt.Errorf("unmarshal event: %w: %q", ErrUnknownEvent, head.Event)
	}

	if kind == KindNewMessage {
		var env messageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		return NewMessage{env.Message}, nil
	}

	var env chatEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
	}
	switch kind {
	case KindNewChat:
		return NewChat{env.Chat}, nil
	case KindAddToChat:
		return AddToChat{env.Chat}, nil
	case KindUpdateChatName:
		return UpdateChatName{env.Chat}, nil
	case KindRemoveFromChat:
		return RemoveFromChat{env.Chat}, nil
	}
	return nil, fmt.Errorf("unmarshal event: %w: %q", ErrUnknownEvent, head.Event)
}
