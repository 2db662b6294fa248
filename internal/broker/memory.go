package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/protocol"
)

// Memory is an in-process Broker: a plain name table handing out paired
// in-memory endpoints. It backs the test suite and the `-broker memory`
// local mode, and enforces the same contract as the networked broker:
// one registrant per name, connect timeouts, close propagation.
type Memory struct {
	mu     sync.Mutex
	names  map[string]*memListener
	closed bool
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{names: make(map[string]*memListener)}
}

// Register claims name, failing with ErrNameTaken when it is already held.
func (b *Memory) Register(_ context.Context, name string) (Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, taken := b.names[name]; taken {
		return nil, ErrNameTaken
	}
	l := &memListener{
		b:     b,
		name:  name,
		inbox: make(chan *memConn, 1),
		done:  make(chan struct{}),
	}
	b.names[name] = l
	return l, nil
}

// Connect offers a connection to the registrant of name and waits until it
// is accepted. An unregistered name behaves like an unreachable peer: the
// call blocks for the full timeout, then fails with ErrConnectTimeout.
func (b *Memory) Connect(ctx context.Context, name string, timeout time.Duration) (Conn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	l := b.names[name]
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if l == nil {
		select {
		case <-timer.C:
			return nil, ErrConnectTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	local, remote := newMemPair(uuid.NewString(), name)
	select {
	case l.inbox <- remote:
	case <-l.done:
		return nil, ErrNoSuchName
	case <-timer.C:
		local.Close()
		return nil, ErrConnectTimeout
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	}

	// Delivered; now wait for the listener to accept.
	select {
	case <-local.Ready():
		return local, nil
	case <-timer.C:
		local.Close()
		return nil, ErrConnectTimeout
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	}
}

// Close releases every registration.
func (b *Memory) Close() error {
	b.mu.Lock()
	listeners := make([]*memListener, 0, len(b.names))
	for _, l := range b.names {
		listeners = append(listeners, l)
	}
	b.closed = true
	b.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}
	return nil
}

func (b *Memory) release(name string, l *memListener) {
	b.mu.Lock()
	if b.names[name] == l {
		delete(b.names, name)
	}
	b.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

type memListener struct {
	b     *Memory
	name  string
	inbox chan *memConn

	closeOnce sync.Once
	done      chan struct{}
}

func (l *memListener) Name() string { return l.name }

// Accept returns the next pending connection. A connection already waiting
// in the inbox is returned even when ctx is cancelled, so a guest that
// arrived a moment before the host's wait window expired still wins.
func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	for {
		// Drain a pending guest first, regardless of ctx state.
		select {
		case conn := <-l.inbox:
			if conn.open() {
				return conn, nil
			}
			continue // guest gave up while queued
		default:
		}

		select {
		case conn := <-l.inbox:
			if conn.open() {
				return conn, nil
			}
		case <-l.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the name registration. Accepted connections stay alive;
// a queued, never-accepted guest is cut loose so its connect times out.
func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		l.b.release(l.name, l)
		close(l.done)
	})
	return nil
}

// ---------------------------------------------------------------------------
// Conn
// ---------------------------------------------------------------------------

// memConn is one end of an in-memory pairing. Messages are delivered
// synchronously to the peer's handler; media attachment is modeled as a
// RemoteInfo notification.
type memConn struct {
	localID  string
	remoteID string
	peer     *memConn

	ready     chan struct{}
	openOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	onMessage     func(protocol.Message)
	onRemoteMedia func(media.RemoteInfo)
	pendingMsgs   []protocol.Message
	pendingMedia  []media.RemoteInfo
}

// newMemPair builds the two entangled endpoints of a pairing. The guest end
// is returned first; the host end is what the listener hands to Accept.
func newMemPair(guestID, hostID string) (guest, host *memConn) {
	guest = &memConn{localID: guestID, remoteID: hostID, ready: make(chan struct{}), done: make(chan struct{})}
	host = &memConn{localID: hostID, remoteID: guestID, ready: make(chan struct{}), done: make(chan struct{})}
	guest.peer = host
	host.peer = guest
	return guest, host
}

// open marks the pairing established on both ends. Returns false when the
// guest already tore the pairing down while waiting in the inbox.
func (c *memConn) open() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.openOnce.Do(func() { close(c.ready) })
	c.peer.openOnce.Do(func() { close(c.peer.ready) })
	return true
}

func (c *memConn) RemoteID() string       { return c.remoteID }
func (c *memConn) Ready() <-chan struct{} { return c.ready }
func (c *memConn) Done() <-chan struct{}  { return c.done }

func (c *memConn) Send(ctx context.Context, msg protocol.Message) error {
	if _, err := protocol.Encode(msg); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.peer.deliver(msg)
	return nil
}

func (c *memConn) OnMessage(fn func(protocol.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	queued := c.pendingMsgs
	c.pendingMsgs = nil
	c.mu.Unlock()
	for _, msg := range queued {
		fn(msg)
	}
}

func (c *memConn) deliver(msg protocol.Message) {
	c.mu.Lock()
	fn := c.onMessage
	if fn == nil {
		c.pendingMsgs = append(c.pendingMsgs, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(msg)
}

// AttachMedia notifies the peer of the local media set. Re-attaching after
// an upgrade sends a fresh notification, mirroring renegotiation.
func (c *memConn) AttachMedia(_ context.Context, s *media.Stream) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.peer.deliverMedia(media.RemoteInfo{PeerID: c.localID, HasVideo: s.HasVideo()})
	return nil
}

func (c *memConn) OnRemoteMedia(fn func(media.RemoteInfo)) {
	c.mu.Lock()
	c.onRemoteMedia = fn
	queued := c.pendingMedia
	c.pendingMedia = nil
	c.mu.Unlock()
	for _, info := range queued {
		fn(info)
	}
}

func (c *memConn) deliverMedia(info media.RemoteInfo) {
	c.mu.Lock()
	fn := c.onRemoteMedia
	if fn == nil {
		c.pendingMedia = append(c.pendingMedia, info)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(info)
}

// Close tears down both ends. The peer observes its Done channel closing,
// the same signal a networked connection produces on remote close.
func (c *memConn) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *memConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}
