package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// MaxTextSize bounds the chat payload. Anything larger is rejected at the
// boundary rather than forwarded.
const MaxTextSize = 4096

// Encode serializes a Message for data channel transmission. Invalid
// messages are refused so malformed frames never reach the wire.
func Encode(msg Message) ([]byte, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode deserializes and validates an inbound data channel frame. Frames
// that do not carry a tagged envelope are treated as plain chat text, which
// keeps interop with peers that send bare strings.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("empty frame")
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Kind == "" {
		if !utf8.Valid(data) {
			return Message{}, fmt.Errorf("frame is neither a control message nor text (%d bytes)", len(data))
		}
		if len(data) > MaxTextSize {
			return Message{}, fmt.Errorf("text frame too large: %d bytes (max %d)", len(data), MaxTextSize)
		}
		return Chat(string(data)), nil
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Kind {
	case KindChat:
		if m.Text == "" {
			return fmt.Errorf("chat message with empty text")
		}
		if len(m.Text) > MaxTextSize {
			return fmt.Errorf("chat text too large: %d bytes (max %d)", len(m.Text), MaxTextSize)
		}
	case KindBusy, KindRejected, KindDisconnect, KindVideoUpgrade, KindVideoOff:
		if m.Text != "" {
			return fmt.Errorf("%s message carries no payload", m.Kind)
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}
