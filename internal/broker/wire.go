package broker

// Wire protocol spoken with the broker service over the WebSocket. The
// broker is a pure relay: it confirms or refuses a name registration, then
// forwards signaling envelopes between registered names.

type wireType string

const (
	wireOpen      wireType = "open"      // server → client: registration confirmed
	wireError     wireType = "error"     // server → client: registration refused
	wireOffer     wireType = "offer"     // relayed SDP offer
	wireAnswer    wireType = "answer"    // relayed SDP answer
	wireCandidate wireType = "candidate" // relayed ICE candidate (JSON-encoded init)
	wireLeave     wireType = "leave"     // server → client: peer went away
)

// reason strings carried by wireError.
const reasonNameTaken = "id-taken"

type wireMessage struct {
	Type      wireType `json:"type"`
	Src       string   `json:"src,omitempty"`
	Dst       string   `json:"dst,omitempty"`
	SDP       string   `json:"sdp,omitempty"`
	Candidate string   `json:"candidate,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}
