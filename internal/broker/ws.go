package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// WS talks to a public broker service over WebSocket. Each registration is
// its own socket: the broker binds the socket to the requested name and
// relays signaling envelopes to it. Once a pairing's DataChannel opens, the
// socket is no longer needed for that pairing: guests drop theirs
// immediately, listeners keep theirs only to stay reachable.
type WS struct {
	url string
}

// NewWS creates a broker handle for the given endpoint URL
// (e.g. wss://broker.example.net/ws).
func NewWS(url string) *WS {
	return &WS{url: url}
}

// Register claims name by opening a socket bound to it.
func (b *WS) Register(ctx context.Context, name string) (Listener, error) {
	sock, err := dialBrokerSocket(ctx, b.url, name)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		sock:  sock,
		name:  name,
		inbox: make(chan Conn, 4),
		done:  make(chan struct{}),
		calls: make(map[string]*peerCall),
	}
	go l.readLoop()
	return l, nil
}

// Connect registers a throwaway guest identity, offers a call to name, and
// waits for the DataChannel to open within timeout. The signaling socket is
// closed as soon as the channel is up.
func (b *WS) Connect(ctx context.Context, name string, timeout time.Duration) (Conn, error) {
	guestID := "g-" + uuid.NewString()
	sock, err := dialBrokerSocket(ctx, b.url, guestID)
	if err != nil {
		return nil, err
	}

	call, err := newPeerCall(name, true)
	if err != nil {
		sock.close()
		return nil, err
	}

	call.onICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		if err := sock.send(wireMessage{Type: wireCandidate, Dst: name, Candidate: string(data)}); err != nil {
			log.Debug().Err(err).Msg("candidate send failed")
		}
	})

	offer, err := call.createOffer()
	if err != nil {
		sock.close()
		call.Close()
		return nil, err
	}
	if err := sock.send(wireMessage{Type: wireOffer, Dst: name, SDP: offer.SDP}); err != nil {
		sock.close()
		call.Close()
		return nil, err
	}

	// Route the answer and candidates until the channel opens.
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := sock.read()
			if err != nil {
				readErr <- err
				return
			}
			switch msg.Type {
			case wireAnswer:
				if err := call.acceptAnswer(msg.SDP); err != nil {
					readErr <- err
					return
				}
			case wireCandidate:
				addRelayedCandidate(call, msg.Candidate)
			case wireLeave, wireError:
				readErr <- ErrNoSuchName
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-call.Ready():
		sock.close()
		return call, nil
	case err := <-readErr:
		sock.close()
		call.Close()
		if err == ErrNoSuchName {
			return nil, err
		}
		return nil, fmt.Errorf("broker: signaling failed: %w", err)
	case <-timer.C:
		sock.close()
		call.Close()
		return nil, ErrConnectTimeout
	case <-ctx.Done():
		sock.close()
		call.Close()
		return nil, ctx.Err()
	}
}

// Close is a no-op: sockets belong to listeners and in-flight connects.
func (b *WS) Close() error { return nil }

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

type wsListener struct {
	sock  *brokerSocket
	name  string
	inbox chan Conn

	closeOnce sync.Once
	done      chan struct{}

	mu    sync.Mutex
	calls map[string]*peerCall // keyed by guest id, pending handshake
}

func (l *wsListener) Name() string { return l.name }

// readLoop answers inbound offers and routes candidates until the socket
// dies or the listener is closed.
func (l *wsListener) readLoop() {
	for {
		msg, err := l.sock.read()
		if err != nil {
			select {
			case <-l.done:
			default:
				log.Debug().Str("name", l.name).Err(err).Msg("broker socket closed")
			}
			l.Close()
			return
		}
		switch msg.Type {
		case wireOffer:
			l.handleOffer(msg)
		case wireCandidate:
			l.mu.Lock()
			call := l.calls[msg.Src]
			l.mu.Unlock()
			if call != nil {
				addRelayedCandidate(call, msg.Candidate)
			}
		case wireLeave:
			l.mu.Lock()
			delete(l.calls, msg.Src)
			l.mu.Unlock()
		}
	}
}

func (l *wsListener) handleOffer(msg wireMessage) {
	call, err := newPeerCall(msg.Src, false)
	if err != nil {
		log.Warn().Err(err).Msg("cannot answer offer")
		return
	}

	call.onICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		if err := l.sock.send(wireMessage{Type: wireCandidate, Dst: msg.Src, Candidate: string(data)}); err != nil {
			log.Debug().Err(err).Msg("candidate send failed")
		}
	})

	answer, err := call.answerOffer(msg.SDP)
	if err != nil {
		log.Warn().Str("guest", msg.Src).Err(err).Msg("answer failed")
		call.Close()
		return
	}
	if err := l.sock.send(wireMessage{Type: wireAnswer, Dst: msg.Src, SDP: answer.SDP}); err != nil {
		call.Close()
		return
	}

	l.mu.Lock()
	l.calls[msg.Src] = call
	l.mu.Unlock()

	// Queue the pairing once its channel opens; give up quietly if the
	// guest never completes.
	go func() {
		select {
		case <-call.Ready():
			l.mu.Lock()
			delete(l.calls, msg.Src)
			l.mu.Unlock()
			select {
			case l.inbox <- call:
			case <-l.done:
				call.Close()
			}
		case <-call.Done():
		case <-l.done:
			call.Close()
		}
	}()
}

// Accept returns the next established inbound pairing. A pairing already
// queued is returned even when ctx is cancelled, per the Listener contract.
func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.inbox:
		return conn, nil
	default:
	}
	select {
	case conn := <-l.inbox:
		return conn, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drops the socket, releasing the name on the broker. Pairings
// already accepted are unaffected; pending handshakes are abandoned.
func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.sock.close()
		l.mu.Lock()
		for _, call := range l.calls {
			call.Close()
		}
		l.calls = map[string]*peerCall{}
		l.mu.Unlock()
	})
	return nil
}

// ---------------------------------------------------------------------------
// Socket
// ---------------------------------------------------------------------------

// brokerSocket is one WebSocket bound to a broker name, with serialized
// writes.
type brokerSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// dialBrokerSocket connects and completes the registration handshake: the
// broker confirms with an open frame or refuses with an error frame.
func dialBrokerSocket(ctx context.Context, url, id string) (*brokerSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, fmt.Sprintf("%s?id=%s", url, id), nil)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	sock := &brokerSocket{conn: conn}

	msg, err := sock.read()
	if err != nil {
		sock.close()
		return nil, fmt.Errorf("broker: handshake: %w", err)
	}
	switch {
	case msg.Type == wireOpen:
		return sock, nil
	case msg.Type == wireError && msg.Reason == reasonNameTaken:
		sock.close()
		return nil, ErrNameTaken
	default:
		sock.close()
		return nil, fmt.Errorf("broker: registration refused: %s", msg.Reason)
	}
}

func (s *brokerSocket) send(msg wireMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *brokerSocket) read() (wireMessage, error) {
	var msg wireMessage
	err := s.conn.ReadJSON(&msg)
	return msg, err
}

func (s *brokerSocket) close() {
	s.conn.Close()
}

func addRelayedCandidate(call *peerCall, candidate string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		log.Debug().Err(err).Msg("bad candidate payload")
		return
	}
	if err := call.addCandidate(init); err != nil {
		log.Debug().Err(err).Msg("add candidate failed")
	}
}
