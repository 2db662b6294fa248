package media

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	frameInterval = 20 * time.Millisecond
	videoInterval = 100 * time.Millisecond // 10 fps placeholder pattern
)

// opusSilence is a canned Opus frame decoding to silence. Streaming it keeps
// the RTP pipeline warm without an encoder.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Synthetic is a Devices implementation that produces silence and a moving
// byte pattern instead of opening capture hardware. It keeps the module
// runnable and testable on machines without devices; deployments swap in a
// driver-backed implementation behind the same interface.
type Synthetic struct{}

// Acquire builds an audio (and optionally video) stream backed by generator
// goroutines. The generators stop when the stream is closed.
func (Synthetic) Acquire(ctx context.Context, wantVideo bool) (*Stream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voxpair",
	)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go writeSamples(stop, frameInterval, func() []byte { return opusSilence }, audio)

	var stopOnce func()
	{
		done := false
		stopOnce = func() {
			if !done {
				done = true
				close(stop)
			}
		}
	}

	s := NewStream(audio, stopOnce)
	if wantVideo {
		if err := (Synthetic{}).AddVideo(ctx, s); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// AddVideo attaches a placeholder video track to an existing stream.
func (Synthetic) AddVideo(_ context.Context, s *Stream) error {
	if s.HasVideo() {
		return nil
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "voxpair",
	)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	frame := make([]byte, 640)
	tick := byte(0)
	go writeSamples(stop, videoInterval, func() []byte {
		tick++
		for i := range frame {
			frame[i] = tick
		}
		return frame
	}, video)

	closed := false
	s.SetVideo(video, func() {
		if !closed {
			closed = true
			close(stop)
		}
	})
	return nil
}

// writeSamples pushes generated frames into track until stop is closed.
// WriteSample is a no-op while the track is unbound, so the generator may
// safely start before negotiation completes.
func writeSamples(stop <-chan struct{}, interval time.Duration, next func() []byte, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = track.WriteSample(pionmedia.Sample{Data: next(), Duration: interval})
		case <-stop:
			return
		}
	}
}
