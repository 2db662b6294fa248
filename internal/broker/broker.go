// Package broker abstracts the connection broker: a directory service that
// maps a chosen name to a connectable endpoint, with at most one active
// registrant per name. Name registration is the only coordination primitive
// the matching protocol relies on; there is no matchmaking server.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/protocol"
)

var (
	// ErrNameTaken means someone else already holds the requested name.
	// Recoverable: the caller falls back to connecting as a guest.
	ErrNameTaken = errors.New("broker: name already registered")

	// ErrNoSuchName means a connect attempt targeted an unregistered name.
	ErrNoSuchName = errors.New("broker: no such name")

	// ErrConnectTimeout means the target did not answer within the window.
	ErrConnectTimeout = errors.New("broker: connect timed out")

	// ErrIdentityTaken means a persistent identity is registered from
	// another device. Terminal: retrying cannot help.
	ErrIdentityTaken = errors.New("broker: persistent identity already in use")

	// ErrClosed is returned by operations on a closed broker, listener,
	// or connection.
	ErrClosed = errors.New("broker: closed")
)

// Broker is the directory service handle.
type Broker interface {
	// Register claims name exclusively and returns a listener for inbound
	// connections. Fails with ErrNameTaken when the name is held elsewhere.
	Register(ctx context.Context, name string) (Listener, error)

	// Connect dials the peer registered under name. It fails with
	// ErrConnectTimeout when the peer does not answer within timeout and
	// ErrNoSuchName when nobody holds the name.
	Connect(ctx context.Context, name string, timeout time.Duration) (Conn, error)

	Close() error
}

// Listener is an exclusive registration waiting for inbound connections.
// Close releases the name; connections already accepted stay alive.
type Listener interface {
	// Accept blocks for the next inbound connection. When a connection is
	// already pending, Accept returns it even if ctx is already cancelled;
	// a guest that raced the host's release window must never be dropped.
	Accept(ctx context.Context) (Conn, error)

	Name() string
	Close() error
}

// Conn is an established pairing endpoint: a reliable ordered control/chat
// channel plus media attachment. Ready is closed once the channel is open
// in both directions; Done is closed on any teardown, local or remote.
type Conn interface {
	RemoteID() string

	Send(ctx context.Context, msg protocol.Message) error
	OnMessage(fn func(protocol.Message))

	// AttachMedia adds the stream's tracks to the pairing, renegotiating
	// the running connection without dropping the control channel.
	AttachMedia(ctx context.Context, s *media.Stream) error

	// OnRemoteMedia reports the remote peer's media set whenever it
	// changes, including the initial bring-up.
	OnRemoteMedia(fn func(media.RemoteInfo))

	Ready() <-chan struct{}
	Done() <-chan struct{}
	Close() error
}
