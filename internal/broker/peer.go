package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/protocol"
)

// STUN servers for ICE candidate gathering. No TURN: pairings that need a
// relay simply fail their connect window and the caller rotates on.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// peerCall is the networked Conn: one PeerConnection with a reliable ordered
// DataChannel for control/chat and pre-allocated audio/video transceivers.
// Allocating both transceivers up front lets media attach, upgrade, and
// downgrade happen through ReplaceTrack with no mid-call renegotiation, so
// the broker socket can be dropped as soon as the channel opens.
type peerCall struct {
	remoteID string

	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	ready    chan struct{}
	openOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	mu            sync.Mutex
	onMessage     func(protocol.Message)
	onRemoteMedia func(media.RemoteInfo)
	pendingMsgs   []protocol.Message
	pendingMedia  []media.RemoteInfo
	remoteVideo   bool
}

// newPeerCall builds the call endpoint. The initiator creates the
// DataChannel and later sends the offer; the answerer waits for the channel
// through OnDataChannel.
func newPeerCall(remoteID string, initiator bool) (*peerCall, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	c := &peerCall{
		remoteID: remoteID,
		pc:       pc,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		tr, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			pc.Close()
			return nil, err
		}
		if kind == webrtc.RTPCodecTypeAudio {
			c.audioSender = tr.Sender()
		} else {
			c.videoSender = tr.Sender()
		}
		go drainRTCP(tr.Sender())
	}

	if initiator {
		dc, err := pc.CreateDataChannel("session", nil)
		if err != nil {
			pc.Close()
			return nil, err
		}
		c.bindChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.bindChannel(dc)
		})
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.remoteVideo = true
		}
		info := media.RemoteInfo{PeerID: c.remoteID, HasVideo: c.remoteVideo}
		c.mu.Unlock()
		c.deliverMedia(info)
		go drainTrack(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("peer", remoteID).Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.shutdown()
		}
	})

	return c, nil
}

func (c *peerCall) bindChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.ready) })
	})
	dc.OnClose(func() {
		c.shutdown()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		decoded, err := protocol.Decode(msg.Data)
		if err != nil {
			log.Warn().Str("peer", c.remoteID).Err(err).Msg("dropping malformed frame")
			return
		}
		c.deliver(decoded)
	})
}

func (c *peerCall) RemoteID() string       { return c.remoteID }
func (c *peerCall) Ready() <-chan struct{} { return c.ready }
func (c *peerCall) Done() <-chan struct{}  { return c.done }

func (c *peerCall) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ready:
	}
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return ErrClosed
	}
	return dc.Send(data)
}

func (c *peerCall) OnMessage(fn func(protocol.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	queued := c.pendingMsgs
	c.pendingMsgs = nil
	c.mu.Unlock()
	for _, msg := range queued {
		fn(msg)
	}
}

func (c *peerCall) deliver(msg protocol.Message) {
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

// AttachMedia syncs the pairing's outbound tracks with the stream: audio is
// plugged in, video is plugged in or pulled depending on the stream's
// current set.
func (c *peerCall) AttachMedia(_ context.Context, s *media.Stream) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if audio := s.Audio(); audio != nil {
		if err := c.audioSender.ReplaceTrack(audio); err != nil {
			return fmt.Errorf("attach audio: %w", err)
		}
	}
	if err := c.videoSender.ReplaceTrack(s.Video()); err != nil {
		return fmt.Errorf("attach video: %w", err)
	}
	return nil
}

func (c *peerCall) OnRemoteMedia(fn func(media.RemoteInfo)) {
	c.mu.Lock()
	c.onRemoteMedia = fn
	queued := c.pendingMedia
	c.pendingMedia = nil
	c.mu.Unlock()
	for _, info := range queued {
		fn(info)
	}
}

func (c *peerCall) deliverMedia(info media.RemoteInfo) {
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

func (c *peerCall) Close() error {
	c.shutdown()
	return nil
}

func (c *peerCall) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		dc := c.dc
		c.mu.Unlock()
		if dc != nil {
			dc.Close()
		}
		c.pc.Close()
	})
}

// ---------------------------------------------------------------------------
// Signaling glue used by ws.go
// ---------------------------------------------------------------------------

// createOffer produces the local offer for the initiator side.
func (c *peerCall) createOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// answerOffer applies a remote offer and produces the local answer.
func (c *peerCall) answerOffer(sdp string) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *peerCall) acceptAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	})
}

func (c *peerCall) addCandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *peerCall) onICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

// drainTrack discards inbound RTP. Playback belongs to the presenter layer;
// the protocol core only needs the packets consumed so buffers do not grow.
func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// drainRTCP consumes sender reports for the same reason.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
