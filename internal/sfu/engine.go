package sfu

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// opusCodec is the only codec the SFU negotiates: Opus 48kHz stereo with
// in-band FEC. Packets are forwarded verbatim, so publisher and consumer
// legs must agree on the payload type mapping.
var opusCodec = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	},
	PayloadType: 111,
}

// Factory produces configured peer connections. It is stateless after
// construction and safe for concurrent use.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

// NewFactory builds the shared webrtc.API: Opus-only media engine, the
// default interceptor set (NACK, RTCP reports, TWCC) and the configured
// ICE servers.
func NewFactory(iceServers []string) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(opusCodec, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
		),
		cfg: cfg,
	}, nil
}

func (f *Factory) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(f.cfg)
}
