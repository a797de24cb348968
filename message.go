package relaypool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

type MessageKind byte

const (
	TextMessage MessageKind = iota + 1
	BinaryMessage
)

func (k MessageKind) Is(other MessageKind) bool {
	return k == other
}

func (k MessageKind) IsText() bool {
	return k.Is(TextMessage)
}

func (k MessageKind) IsBinary() bool {
	return k.Is(BinaryMessage)
}

func (k MessageKind) String() string {
	switch k {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is the tagged union carried over a relay connection: either a UTF-8
// text frame or an opaque binary frame. Messages are immutable once built and
// carry their creation timestamp.
type Message struct {
	kind MessageKind
	data []byte
	at   time.Time
}

func NewTextMessage(text string) Message {
	return Message{kind: TextMessage, data: []byte(text), at: time.Now()}
}

func NewBinaryMessage(data []byte) Message {
	return Message{kind: BinaryMessage, data: data, at: time.Now()}
}

// NewJSONMessage marshals v and wraps it as a text message. Marshalling
// failures are reported wrapped around ErrMessageDecode.
func NewJSONMessage(v any) (Message, error) {
	bts, err := json.Marshal(v)
	if err != nil {
		return Message{}, errors.Wrap(ErrMessageDecode, err.Error())
	}
	return Message{kind: TextMessage, data: bts, at: time.Now()}, nil
}

func (m Message) Kind() MessageKind {
	return m.kind
}

func (m Message) Data() []byte {
	return m.data
}

func (m Message) Text() string {
	return string(m.data)
}

func (m Message) At() time.Time {
	return m.at
}

func (m Message) String() string {
	return fmt.Sprintf("Message{kind=%s,data=%s}", m.kind, m.data)
}

// decodePayload parses a text payload as a string-keyed JSON object. Anything
// else (arrays, scalars, malformed input) fails wrapped around
// ErrMessageDecode; interpretation of the object is left to collaborators.
func decodePayload(data []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(ErrMessageDecode, err.Error())
	}
	if payload == nil {
		return nil, errors.Wrap(ErrMessageDecode, "payload is not a JSON object")
	}
	return payload, nil
}
