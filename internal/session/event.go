package session

import "time"

// EventType tags lifecycle events surfaced to the presenter.
type EventType string

const (
	EventState       EventType = "state"        // FSM state changed
	EventTick        EventType = "tick"         // once per second while active
	EventChat        EventType = "chat"         // inbound chat line
	EventRemoteVideo EventType = "remote-video" // remote video turned on/off
	EventEnded       EventType = "ended"        // session torn down
)

// Event is one presenter-facing notification. Fields are populated per type.
type Event struct {
	Type         EventType
	State        string
	Elapsed      time.Duration
	FeaturesOpen bool
	Text         string
	On           bool
	Err          error // EventEnded: nil on clean close
}
