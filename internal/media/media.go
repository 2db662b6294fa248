// Package media models local capture devices and the streams they produce.
// Acquisition is a collaborator concern: the session layer only owns the
// resulting Stream and never touches hardware directly.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrPermissionDenied is returned when the user declines device access.
var ErrPermissionDenied = errors.New("media: permission denied")

// Devices acquires local capture streams. Implementations decide what backs
// the tracks: real capture hardware, synthetic sources, or test fakes.
type Devices interface {
	// Acquire opens an audio stream, plus a video track when wantVideo is
	// set. The returned Stream is exclusively owned by the caller.
	Acquire(ctx context.Context, wantVideo bool) (*Stream, error)

	// AddVideo extends an already acquired stream with a video track,
	// leaving the audio capture untouched. It is a no-op when the stream
	// already carries video.
	AddVideo(ctx context.Context, s *Stream) error
}

// RemoteInfo describes the media set currently offered by the remote peer.
type RemoteInfo struct {
	PeerID   string
	HasVideo bool
}

// Stream is an exclusively owned set of local tracks. Video can be added
// (upgrade) or stopped (downgrade) without disturbing audio. Close releases
// every track and is idempotent.
type Stream struct {
	mu        sync.Mutex
	audio     webrtc.TrackLocal
	video     webrtc.TrackLocal
	stopAudio func()
	stopVideo func()
	closed    bool
}

// NewStream wraps an audio track. stop, if non-nil, halts the capture source
// backing the track and is invoked exactly once on Close.
func NewStream(audio webrtc.TrackLocal, stop func()) *Stream {
	return &Stream{audio: audio, stopAudio: stop}
}

// Audio returns the audio track.
func (s *Stream) Audio() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// Video returns the video track, or nil when the stream is audio-only.
func (s *Stream) Video() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// HasVideo reports whether a live video track is attached.
func (s *Stream) HasVideo() bool {
	return s.Video() != nil
}

// Tracks returns the current live tracks, audio first.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracks := []webrtc.TrackLocal{s.audio}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

// SetVideo attaches a video track with its capture stop function. Used by
// Devices implementations on acquire and upgrade.
func (s *Stream) SetVideo(video webrtc.TrackLocal, stop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.video != nil {
		if stop != nil {
			stop()
		}
		return
	}
	s.video = video
	s.stopVideo = stop
}

// StopVideo halts and detaches only the video track. Audio keeps flowing.
func (s *Stream) StopVideo() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopVideo != nil {
		s.stopVideo()
		s.stopVideo = nil
	}
	s.video = nil
}

// Close halts every capture source and detaches all tracks. Safe to call
// more than once and from concurrent teardown paths.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.stopAudio != nil {
		s.stopAudio()
		s.stopAudio = nil
	}
	if s.stopVideo != nil {
		s.stopVideo()
		s.stopVideo = nil
	}
	s.audio = nil
	s.video = nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
