// Package dial is the direct-call entry point: instead of rendezvous, it
// connects to a known persistent identity, and answers incoming calls with
// an explicit ring/accept/reject stage.
package dial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/protocol"
	"github.com/voxpair/voxpair/internal/session"
)

var (
	// ErrTargetUnavailable is terminal: the dialed identity is not
	// listening. Unlike rendezvous, there is no slot to rotate to.
	ErrTargetUnavailable = errors.New("dial: target unavailable")

	// ErrAlreadyAnswered is returned by a second Accept or Reject on the
	// same incoming call.
	ErrAlreadyAnswered = errors.New("dial: call already answered")
)

// Config carries the dialer tunables.
type Config struct {
	// Identity is the persistent per-device identity registered while
	// listening; stable across sessions, unlike the ephemeral rendezvous
	// identities.
	Identity string
	// DialTimeout bounds one outbound call attempt.
	DialTimeout time.Duration
	// RingTimeout auto-rejects an unanswered incoming call.
	RingTimeout time.Duration
}

// Dialer places and receives direct calls, reusing the session manager once
// paired.
type Dialer struct {
	broker  broker.Broker
	manager *session.Manager
	cfg     Config

	incoming chan *IncomingCall
}

// NewDialer creates a Dialer. Listen must be called before incoming calls
// can arrive.
func NewDialer(b broker.Broker, m *session.Manager, cfg Config) *Dialer {
	return &Dialer{
		broker:   b,
		manager:  m,
		cfg:      cfg,
		incoming: make(chan *IncomingCall, 1),
	}
}

// Incoming delivers ringing calls. Each call rings until Accept, Reject, or
// the ring timeout.
func (d *Dialer) Incoming() <-chan *IncomingCall { return d.incoming }

// Call connects directly to target. A connect timeout is terminal: the
// target is simply not there, and retrying other names makes no sense.
func (d *Dialer) Call(ctx context.Context, target string, wantVideo bool) (*session.Session, error) {
	conn, err := d.broker.Connect(ctx, target, d.cfg.DialTimeout)
	if err != nil {
		if errors.Is(err, broker.ErrConnectTimeout) || errors.Is(err, broker.ErrNoSuchName) {
			return nil, fmt.Errorf("%w: %s", ErrTargetUnavailable, target)
		}
		return nil, err
	}
	return d.manager.Establish(ctx, session.RoleGuest, conn, wantVideo)
}

// Listen registers the persistent identity and rings incoming connections
// until ctx is cancelled. A name conflict means this identity is live on
// another device; terminal, surfaced as ErrIdentityTaken.
func (d *Dialer) Listen(ctx context.Context) error {
	l, err := d.broker.Register(ctx, d.cfg.Identity)
	if err != nil {
		if errors.Is(err, broker.ErrNameTaken) {
			return fmt.Errorf("%w: %s", broker.ErrIdentityTaken, d.cfg.Identity)
		}
		return err
	}
	go d.acceptLoop(ctx, l)
	return nil
}

func (d *Dialer) acceptLoop(ctx context.Context, l broker.Listener) {
	defer l.Close()
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			return
		}
		if d.manager.HandleIncoming(conn) {
			continue // busy: answered and closed by the manager
		}

		call := &IncomingCall{d: d, conn: conn}
		call.ringTimer = time.AfterFunc(d.cfg.RingTimeout, func() {
			if err := call.Reject(); err == nil {
				log.Info().Str("peer", conn.RemoteID()).Msg("call unanswered, rejected")
			}
		})
		log.Info().Str("peer", conn.RemoteID()).Msg("incoming call")

		select {
		case d.incoming <- call:
		default:
			// Nobody is consuming rings; treat as unanswered right away.
			_ = call.Reject()
		}
	}
}

// IncomingCall is a ringing inbound pairing. Media devices are untouched
// until Accept: ringing must not lock the microphone.
type IncomingCall struct {
	d    *Dialer
	conn broker.Conn

	mu        sync.Mutex
	answered  bool
	ringTimer *time.Timer
}

// From identifies the caller.
func (c *IncomingCall) From() string { return c.conn.RemoteID() }

// Accept answers the call, acquiring media now and handing the pairing to
// the session manager as host.
func (c *IncomingCall) Accept(ctx context.Context, wantVideo bool) (*session.Session, error) {
	if err := c.answer(); err != nil {
		return nil, err
	}
	return c.d.manager.Establish(ctx, session.RoleHost, c.conn, wantVideo)
}

// Reject declines the call: the caller is told explicitly, then the
// connection is closed.
func (c *IncomingCall) Reject() error {
	if err := c.answer(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.conn.Send(ctx, protocol.Control(protocol.KindRejected))
	return c.conn.Close()
}

func (c *IncomingCall) answer() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answered {
		return ErrAlreadyAnswered
	}
	c.answered = true
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	return nil
}
