package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Provider = (*Engine)(nil)
	_ Provider = (*FakeProvider)(nil)
)

// FakeProvider is a resource-tracking Provider for tests. It counts
// acquisitions and releases so leak properties can be asserted, and can be
// told to fail capture with a specific cause.
type FakeProvider struct {
	mu       sync.Mutex
	failWith AcquisitionCause
	acquired int
	released int
}

// NewFakeProvider creates a provider whose captures succeed with an empty
// (receive-only) stream.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// FailWith makes subsequent Capture calls fail with the given cause.
func (p *FakeProvider) FailWith(cause AcquisitionCause) {
	p.mu.Lock()
	p.failWith = cause
	p.mu.Unlock()
}

// Acquired reports how many captures succeeded.
func (p *FakeProvider) Acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

// Released reports how many captured streams were closed.
func (p *FakeProvider) Released() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *FakeProvider) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	// Loopback candidates let two in-process peers connect even when
	// loopback is the only interface.
	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	return api.NewPeerConnection(cfg)
}

func (p *FakeProvider) Capture(video bool) (*LocalStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failWith != "" {
		return nil, &AcquisitionError{Cause: p.failWith}
	}

	p.acquired++
	return NewLocalStream(nil, func() {
		p.mu.Lock()
		p.released++
		p.mu.Unlock()
	}), nil
}
