// Package media owns local device capture and peer connection construction.
// Capture and the WebRTC API are built together because encoded tracks from
// pion/mediadevices only bind to a peer connection whose media engine was
// populated from the same codec selector.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Provider builds peer connections and captures local media. The production
// implementation is Engine (platform-dependent); tests use FakeProvider.
type Provider interface {
	NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error)

	// Capture acquires the local microphone, plus the camera when video is
	// true. Failures are reported as *AcquisitionError and are fatal to the
	// call attempt; no retry happens here.
	Capture(video bool) (*LocalStream, error)
}

// LocalStream is the bundle of local tracks owned by exactly one session.
// Close releases every device handle and is safe to call more than once.
type LocalStream struct {
	tracks []webrtc.TrackLocal
	stop   []func()
	once   sync.Once
}

// NewLocalStream bundles tracks with their release functions.
func NewLocalStream(tracks []webrtc.TrackLocal, stop ...func()) *LocalStream {
	return &LocalStream{tracks: tracks, stop: stop}
}

// Tracks returns the captured tracks. May be empty when the stream is a
// placeholder for a receive-only session.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	return s.tracks
}

// Close releases all device handles exactly once.
func (s *LocalStream) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		for _, fn := range s.stop {
			fn()
		}
	})
}
