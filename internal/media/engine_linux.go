//go:build linux && cgo

package media

import (
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Engine captures camera/microphone via pion/mediadevices (V4L2 + malgo)
// and builds peer connections whose media engine understands the encoded
// VP8/Opus tracks it produces.
type Engine struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

// NewEngine builds the VP8+Opus codec selector and the WebRTC API around it.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup cycles through
	// disconnected and back instead of terminating the call.
	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	return &Engine{api: api, selector: selector, logger: logger}, nil
}

func (e *Engine) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(cfg)
}

func (e *Engine) Capture(video bool) (*LocalStream, error) {
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, &AcquisitionError{Cause: CauseDeviceNotFound}
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: e.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		e.logger.Warn("local capture failed", "video", video, "error", err)
		return nil, &AcquisitionError{Cause: classifyCaptureError(err), Err: err}
	}

	mdTracks := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
	stop := make([]func(), 0, len(mdTracks))
	for _, track := range mdTracks {
		track := track
		track.OnEnded(func(err error) {
			if err != nil {
				e.logger.Debug("local track ended", "error", err)
			}
		})
		tracks = append(tracks, track)
		stop = append(stop, func() { _ = track.Close() })
	}

	e.logger.Debug("local media captured", "video", video, "tracks", len(tracks))
	return NewLocalStream(tracks, stop...), nil
}
