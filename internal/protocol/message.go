// Package protocol defines the control messages two paired clients exchange
// over their data channel.
package protocol

// Kind identifies the control message variant.
type Kind string

const (
	KindBusy         Kind = "busy"          // receiver is already in a session
	KindRejected     Kind = "rejected"      // receiver declined the call
	KindDisconnect   Kind = "disconnect"    // sender is hanging up
	KindVideoUpgrade Kind = "video-upgrade" // sender has started sending video
	KindVideoOff     Kind = "video-off"     // sender has stopped sending video
	KindChat         Kind = "chat"          // plain text chat line
)

// Message is the tagged union transmitted between paired clients. Only
// KindChat carries a payload.
type Message struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text,omitempty"`
}

// Control returns a payload-free control message of the given kind.
func Control(kind Kind) Message {
	return Message{Kind: kind}
}

// Chat returns a chat message carrying text.
func Chat(text string) Message {
	return Message{Kind: KindChat, Text: text}
}
