package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/protocol"
	"github.com/voxpair/voxpair/internal/util"
)

// ErrBusy is returned when a pairing arrives while a session is live.
var ErrBusy = errors.New("session: already in a session")

// Config carries the session-level tunables.
type Config struct {
	// FeatureGateAfter is the elapsed time before video and chat unlock.
	FeatureGateAfter time.Duration
	// BusyGrace is how long a rejected second pairing is given to read the
	// busy signal before its connection is closed.
	BusyGrace time.Duration
}

// Manager enforces the single-session invariant and owns the event stream.
type Manager struct {
	devices media.Devices
	cfg     Config

	mu      sync.Mutex
	current *Session

	events chan Event
}

// NewManager creates a Manager acquiring media through devices.
func NewManager(devices media.Devices, cfg Config) *Manager {
	return &Manager{
		devices: devices,
		cfg:     cfg,
		events:  make(chan Event, 64),
	}
}

// Events is the presenter-facing stream. Slow consumers lose events rather
// than stalling the protocol.
func (m *Manager) Events() <-chan Event { return m.events }

// Current returns the live session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Establish brings up a freshly paired connection: acquire local media,
// attach it, and wait until the remote's media arrives; elapsed time
// counts from there. On any failure the connection is torn down through
// the normal teardown path, never a partial one.
func (m *Manager) Establish(ctx context.Context, role Role, conn broker.Conn, wantVideo bool) (*Session, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrBusy
	}
	s := newSession(m, role, conn)
	m.current = s
	m.mu.Unlock()

	_ = s.fsm.Event(ctx, eventNegotiate)

	// Busy/Rejected and chat handling must be live before media bring-up
	// so a negotiation-phase abort is never missed.
	conn.OnMessage(s.handleMessage)
	conn.OnRemoteMedia(s.handleRemoteMedia)

	stream, err := m.devices.Acquire(ctx, wantVideo)
	if err != nil {
		s.teardown(err)
		return nil, err
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	if err := conn.AttachMedia(ctx, stream); err != nil {
		s.teardown(err)
		return nil, err
	}

	select {
	case <-s.remoteUp:
	case <-conn.Done():
		s.teardown(nil)
		return nil, s.failure()
	case <-s.ctx.Done():
		// Torn down while waiting: remote busy, rejected, or closed.
		return nil, s.failure()
	case <-ctx.Done():
		s.teardown(ctx.Err())
		return nil, ctx.Err()
	}

	s.activate()
	util.SessionsEstablished.WithLabelValues(string(role)).Inc()
	log.Info().Str("role", string(role)).Str("peer", conn.RemoteID()).Msg("session established")
	return s, nil
}

// HandleIncoming applies the busy rule to a second pairing attempt: answer
// it with a busy signal and close it within the grace period, never
// silently dropping or promoting it. Returns true when the pairing
// was consumed this way; false means no session is live and the caller may
// proceed (e.g. ring).
func (m *Manager) HandleIncoming(conn broker.Conn) bool {
	m.mu.Lock()
	busy := m.current != nil
	m.mu.Unlock()
	if !busy {
		return false
	}

	util.BusyRejections.Inc()
	log.Debug().Str("peer", conn.RemoteID()).Msg("busy, rejecting second pairing")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BusyGrace)
		defer cancel()
		_ = conn.Send(ctx, protocol.Control(protocol.KindBusy))
		// Give the remote the rest of the grace window to read the signal.
		select {
		case <-ctx.Done():
		case <-conn.Done():
		}
		conn.Close()
	}()
	return true
}

func (m *Manager) clearCurrent(s *Session) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Debug().Str("type", string(ev.Type)).Msg("event dropped, consumer lagging")
	}
}
