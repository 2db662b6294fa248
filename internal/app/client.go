// Package app ties the protocol together behind the presenter surface:
// synchronous state queries, an event stream, and the intent methods a UI
// calls. It owns the one-outstanding-attempt and single-session rules at
// the top level.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/config"
	"github.com/voxpair/voxpair/internal/dial"
	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/rendezvous"
	"github.com/voxpair/voxpair/internal/session"
)

// State is the presenter-visible client state.
type State string

const (
	StateIdle      State = "idle"
	StateMatching  State = "matching"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateError     State = "error"
)

// Event is one presenter notification: a state snapshot, optionally a
// forwarded session event, a terminal error, or a ringing caller.
type Event struct {
	State    State
	Session  *session.Event
	Err      *Error
	Incoming string
}

// Client is the top-level protocol handle.
type Client struct {
	cfg     *config.Config
	broker  broker.Broker
	coord   *rendezvous.Coordinator
	manager *session.Manager
	dialer  *dial.Dialer

	mu          sync.Mutex
	state       State
	lastErr     *Error
	matchCancel context.CancelFunc
	ringing     *dial.IncomingCall

	events chan Event
}

// New wires a Client from its collaborators.
func New(cfg *config.Config, b broker.Broker, devices media.Devices) *Client {
	manager := session.NewManager(devices, session.Config{
		FeatureGateAfter: cfg.FeatureGateAfter,
		BusyGrace:        cfg.BusyGrace,
	})
	c := &Client{
		cfg:    cfg,
		broker: b,
		coord: rendezvous.NewCoordinator(b, rendezvous.Config{
			Namespace:      cfg.Namespace,
			Criteria:       cfg.Criteria,
			SlotCount:      cfg.SlotCount,
			HostWait:       cfg.HostWait,
			ConnectTimeout: cfg.ConnectTimeout,
			MatchTimeout:   cfg.MatchTimeout,
		}),
		manager: manager,
		dialer: dial.NewDialer(b, manager, dial.Config{
			Identity:    cfg.Identity,
			DialTimeout: cfg.DialTimeout,
			RingTimeout: cfg.RingTimeout,
		}),
		state:  StateIdle,
		events: make(chan Event, 64),
	}
	go c.pumpSessionEvents()
	go c.pumpIncoming()
	return c
}

// State answers synchronously; presenters must query it rather than cache
// stale copies across awaits.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the terminal error behind StateError, if any.
func (c *Client) LastError() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Events is the presenter stream.
func (c *Client) Events() <-chan Event { return c.events }

// Session returns the live session for elapsed time and feature-gate
// queries, or nil.
func (c *Client) Session() *session.Session { return c.manager.Current() }

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

// Start begins random matching. A no-op while already matching or in an
// established session.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateMatching || c.state == StateConnected || c.state == StateRinging {
		c.mu.Unlock()
		return
	}
	mctx, cancel := context.WithCancel(ctx)
	c.matchCancel = cancel
	c.setStateLocked(StateMatching)
	c.mu.Unlock()

	go func() {
		pairing, err := c.coord.FindPartner(mctx)
		if err != nil {
			c.finish(classify(err))
			return
		}
		sess, err := c.manager.Establish(mctx, pairing.Role, pairing.Conn, false)
		if err != nil {
			c.finish(classify(err))
			return
		}
		log.Info().Str("role", string(sess.Role())).Str("peer", sess.RemoteID()).Msg("matched")
		c.setState(StateConnected)
	}()
}

// CallDirect dials a known persistent identity, bypassing rendezvous.
func (c *Client) CallDirect(ctx context.Context, target string) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return
	}
	mctx, cancel := context.WithCancel(ctx)
	c.matchCancel = cancel
	c.setStateLocked(StateMatching)
	c.mu.Unlock()

	go func() {
		if _, err := c.dialer.Call(mctx, target, false); err != nil {
			c.finish(classify(err))
			return
		}
		c.setState(StateConnected)
	}()
}

// Listen registers the persistent identity for incoming direct calls.
func (c *Client) Listen(ctx context.Context) error {
	if err := c.dialer.Listen(ctx); err != nil {
		c.finish(classify(err))
		return err
	}
	return nil
}

// Cancel aborts an in-flight matching or dialing attempt. The attempt's
// broker registration and speculative connections unwind through the
// cancelled context.
func (c *Client) Cancel() {
	c.mu.Lock()
	cancel := c.matchCancel
	c.matchCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Hangup ends the current session, if any.
func (c *Client) Hangup() {
	if s := c.manager.Current(); s != nil {
		s.Hangup()
	}
}

// UpgradeVideo switches the current session to audio+video.
func (c *Client) UpgradeVideo(ctx context.Context) error {
	s := c.manager.Current()
	if s == nil {
		return session.ErrNotActive
	}
	return s.UpgradeVideo(ctx)
}

// DowngradeVideo turns local video back off.
func (c *Client) DowngradeVideo(ctx context.Context) error {
	s := c.manager.Current()
	if s == nil {
		return session.ErrNotActive
	}
	return s.DowngradeVideo(ctx)
}

// SendMessage sends a chat line on the current session.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	s := c.manager.Current()
	if s == nil {
		return session.ErrNotActive
	}
	return s.SendText(ctx, text)
}

// AcceptCall answers the ringing incoming call.
func (c *Client) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	call := c.ringing
	c.ringing = nil
	c.mu.Unlock()
	if call == nil {
		return dial.ErrAlreadyAnswered
	}
	if _, err := call.Accept(ctx, false); err != nil {
		c.finish(classify(err))
		return err
	}
	c.setState(StateConnected)
	return nil
}

// RejectCall declines the ringing incoming call.
func (c *Client) RejectCall() error {
	c.mu.Lock()
	call := c.ringing
	c.ringing = nil
	c.mu.Unlock()
	if call == nil {
		return dial.ErrAlreadyAnswered
	}
	err := call.Reject()
	c.setState(StateIdle)
	return err
}

// ---------------------------------------------------------------------------
// Event plumbing
// ---------------------------------------------------------------------------

func (c *Client) pumpSessionEvents() {
	for ev := range c.manager.Events() {
		forwarded := ev
		if ev.Type == session.EventEnded {
			// Negotiation-phase failures are resolved by the intent that
			// started them; only an established session ending moves the
			// client state from here.
			c.mu.Lock()
			wasConnected := c.state == StateConnected
			c.mu.Unlock()
			if wasConnected {
				if ev.Err != nil {
					c.finish(classify(ev.Err))
				} else {
					c.setState(StateIdle)
				}
			}
		}
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		c.emit(Event{State: state, Session: &forwarded})
	}
}

func (c *Client) pumpIncoming() {
	for call := range c.dialer.Incoming() {
		c.mu.Lock()
		c.ringing = call
		c.setStateLocked(StateRinging)
		c.mu.Unlock()
		c.emit(Event{State: StateRinging, Incoming: call.From()})
	}
}

// finish resolves an attempt: nil (cancellation) returns to idle quietly,
// anything else surfaces as a terminal error.
func (c *Client) finish(err *Error) {
	if err == nil {
		c.setState(StateIdle)
		return
	}
	c.mu.Lock()
	c.lastErr = err
	c.setStateLocked(StateError)
	c.mu.Unlock()
	c.emit(Event{State: StateError, Err: err})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
	c.emit(Event{State: s})
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	log.Debug().Str("from", string(c.state)).Str("to", string(s)).Msg("client state")
	c.state = s
	if s != StateError {
		c.lastErr = nil
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
