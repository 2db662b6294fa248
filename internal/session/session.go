// Package session owns the lifecycle of an established pairing: media and
// control bring-up, busy signaling, the audio↔video media set, chat, and
// teardown. There is at most one live session per Manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/protocol"
	"github.com/voxpair/voxpair/internal/util"
)

// Role is the side of the pairing this client took during rendezvous.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Session states. The FSM is the single source of truth and is queried
// synchronously, never cached across suspension points.
const (
	StateIdle        = "idle"
	StateNegotiating = "negotiating"
	StateActiveAudio = "active-audio"
	StateActiveVideo = "active-video"
)

const (
	eventNegotiate = "negotiate"
	eventEstablish = "establish"
	eventUpgrade   = "upgrade"
	eventDowngrade = "downgrade"
	eventTeardown  = "teardown"
)

var (
	// ErrRemoteBusy means the remote answered our pairing with a busy signal.
	ErrRemoteBusy = errors.New("session: remote is busy")
	// ErrRemoteRejected means the remote declined the call.
	ErrRemoteRejected = errors.New("session: remote rejected the call")
	// ErrNotActive is returned by operations that need a live session.
	ErrNotActive = errors.New("session: not active")
	// ErrConnClosed means the pairing's connection went away underneath us.
	ErrConnClosed = errors.New("session: connection closed")
)

// GateError reports a feature request made before the elapsed-time gate
// opened. Advisory and local: the remote is never informed.
type GateError struct {
	Remaining time.Duration
}

func (e *GateError) Error() string {
	return fmt.Sprintf("feature locked: %d seconds remaining", int(e.Remaining.Round(time.Second).Seconds()))
}

// Session is one established pairing. Created only by Manager.Establish,
// destroyed atomically by teardown from any trigger.
type Session struct {
	m    *Manager
	role Role
	conn broker.Conn

	ctx    context.Context
	cancel context.CancelFunc

	fsm *fsm.FSM

	mu          sync.Mutex
	stream      *media.Stream
	startedAt   time.Time
	remoteVideo bool
	cause       error

	remoteUp     chan struct{}
	remoteUpOnce sync.Once
	teardownOnce sync.Once
	upgradeMu    sync.Mutex
}

func newSession(m *Manager, role Role, conn broker.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		m:        m,
		role:     role,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		remoteUp: make(chan struct{}),
	}
	s.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventNegotiate, Src: []string{StateIdle}, Dst: StateNegotiating},
			{Name: eventEstablish, Src: []string{StateNegotiating}, Dst: StateActiveAudio},
			{Name: eventUpgrade, Src: []string{StateActiveAudio}, Dst: StateActiveVideo},
			{Name: eventDowngrade, Src: []string{StateActiveVideo}, Dst: StateActiveAudio},
			{Name: eventTeardown, Src: []string{StateIdle, StateNegotiating, StateActiveAudio, StateActiveVideo}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if e.Src != e.Dst {
					s.m.emit(Event{Type: EventState, State: e.Dst})
				}
			},
		},
	)
	return s
}

// State returns the current FSM state.
func (s *Session) State() string { return s.fsm.Current() }

// Role returns the local role assigned during pairing.
func (s *Session) Role() Role { return s.role }

// RemoteID returns the remote endpoint identifier.
func (s *Session) RemoteID() string { return s.conn.RemoteID() }

// Elapsed is the time since media started flowing, zero while negotiating.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// FeaturesOpen reports whether the elapsed-time gate for video and chat has
// opened.
func (s *Session) FeaturesOpen() bool { return s.gateRemaining() <= 0 }

func (s *Session) gateRemaining() time.Duration {
	s.mu.Lock()
	gate := s.m.cfg.FeatureGateAfter
	started := s.startedAt
	s.mu.Unlock()
	if started.IsZero() {
		return gate
	}
	return gate - time.Since(started)
}

func (s *Session) isActive() bool {
	state := s.fsm.Current()
	return state == StateActiveAudio || state == StateActiveVideo
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

// SendText sends a chat line. Gated behind the elapsed-time threshold.
func (s *Session) SendText(ctx context.Context, text string) error {
	if !s.isActive() {
		return ErrNotActive
	}
	if rem := s.gateRemaining(); rem > 0 {
		return &GateError{Remaining: rem}
	}
	return s.conn.Send(ctx, protocol.Chat(text))
}

// UpgradeVideo moves the session from audio-only to audio+video: acquire
// the local video capability, announce it, and swap the richer media set
// into the running call. Idempotent: a duplicate call while already
// upgraded is a no-op.
func (s *Session) UpgradeVideo(ctx context.Context) error {
	if !s.isActive() {
		return ErrNotActive
	}
	if rem := s.gateRemaining(); rem > 0 {
		return &GateError{Remaining: rem}
	}

	s.upgradeMu.Lock()
	defer s.upgradeMu.Unlock()

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return ErrNotActive
	}
	if stream.HasVideo() {
		return nil
	}

	if err := s.m.devices.AddVideo(ctx, stream); err != nil {
		return fmt.Errorf("acquire video: %w", err)
	}
	if err := s.conn.AttachMedia(ctx, stream); err != nil {
		return err
	}
	if err := s.conn.Send(ctx, protocol.Control(protocol.KindVideoUpgrade)); err != nil {
		return err
	}
	util.VideoUpgrades.Inc()
	s.syncMediaState()
	return nil
}

// DowngradeVideo stops the local video track, keeps audio flowing, and
// tells the remote; video-off is signaled symmetrically, matching the
// upgrade path. Idempotent.
func (s *Session) DowngradeVideo(ctx context.Context) error {
	if !s.isActive() {
		return ErrNotActive
	}
	s.upgradeMu.Lock()
	defer s.upgradeMu.Unlock()

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil || !stream.HasVideo() {
		return nil
	}

	stream.StopVideo()
	if err := s.conn.AttachMedia(ctx, stream); err != nil {
		return err
	}
	if err := s.conn.Send(ctx, protocol.Control(protocol.KindVideoOff)); err != nil {
		return err
	}
	s.syncMediaState()
	return nil
}

// Hangup announces the disconnect and tears the session down. Safe to call
// at any time, from any goroutine, more than once.
func (s *Session) Hangup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.conn.Send(ctx, protocol.Control(protocol.KindDisconnect))
	s.teardown(nil)
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (s *Session) handleMessage(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindBusy:
		s.teardown(ErrRemoteBusy)
	case protocol.KindRejected:
		s.teardown(ErrRemoteRejected)
	case protocol.KindDisconnect:
		s.teardown(nil)
	case protocol.KindVideoUpgrade:
		s.mu.Lock()
		already := s.remoteVideo
		s.remoteVideo = true
		s.mu.Unlock()
		if !already {
			s.m.emit(Event{Type: EventRemoteVideo, On: true})
		}
		s.syncMediaState()
	case protocol.KindVideoOff:
		s.mu.Lock()
		had := s.remoteVideo
		s.remoteVideo = false
		s.mu.Unlock()
		if had {
			s.m.emit(Event{Type: EventRemoteVideo, On: false})
		}
		s.syncMediaState()
	case protocol.KindChat:
		s.m.emit(Event{Type: EventChat, Text: msg.Text})
	}
}

func (s *Session) handleRemoteMedia(info media.RemoteInfo) {
	s.remoteUpOnce.Do(func() { close(s.remoteUp) })
	log.Debug().Str("peer", info.PeerID).Bool("video", info.HasVideo).Msg("remote media")
}

// syncMediaState reconciles the FSM media set with the local and remote
// video flags: the session is audio+video when either side sends video.
func (s *Session) syncMediaState() {
	s.mu.Lock()
	localVideo := s.stream != nil && s.stream.HasVideo()
	video := localVideo || s.remoteVideo
	s.mu.Unlock()

	if video && s.fsm.Is(StateActiveAudio) {
		_ = s.fsm.Event(s.ctx, eventUpgrade)
	} else if !video && s.fsm.Is(StateActiveVideo) {
		_ = s.fsm.Event(s.ctx, eventDowngrade)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// activate marks media flowing: elapsed starts counting here, not at
// handshake start.
func (s *Session) activate() {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	_ = s.fsm.Event(s.ctx, eventEstablish)
	s.syncMediaState()
	go s.runTicker()
	go s.watchConn()
}

func (s *Session) runTicker() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.m.emit(Event{Type: EventTick, Elapsed: s.Elapsed(), FeaturesOpen: s.FeaturesOpen()})
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) watchConn() {
	select {
	case <-s.conn.Done():
		s.teardown(nil)
	case <-s.ctx.Done():
	}
}

// teardown closes the connection, releases every local media track, cancels
// all session timers, and returns the FSM to idle. Idempotent and safe
// under concurrent triggers: local hangup racing a remote close runs the
// cleanup exactly once. Error paths share this exact route.
func (s *Session) teardown(cause error) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		stream := s.stream
		s.mu.Unlock()

		s.cancel()
		s.conn.Close()
		if stream != nil {
			stream.Close()
		}
		_ = s.fsm.Event(context.Background(), eventTeardown)
		s.m.clearCurrent(s)
		s.m.emit(Event{Type: EventEnded, Err: cause})
	})
}

// failure returns the recorded teardown cause, defaulting to ErrConnClosed
// when the session died without an explicit one during negotiation.
func (s *Session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause != nil {
		return s.cause
	}
	return ErrConnClosed
}
