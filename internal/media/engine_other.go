//go:build !linux || !cgo

package media

import (
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Engine on non-Linux platforms builds receive-only peer connections.
// Camera/mic capture via pion/mediadevices needs platform drivers that are
// only wired up for Linux; elsewhere Capture reports device-not-found and
// sessions fall back to recvonly transceivers.
type Engine struct {
	api    *webrtc.API
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	return &Engine{api: api, logger: logger}, nil
}

func (e *Engine) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(cfg)
}

func (e *Engine) Capture(video bool) (*LocalStream, error) {
	return nil, &AcquisitionError{Cause: CauseDeviceNotFound}
}
