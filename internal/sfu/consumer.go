package sfu

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"voicesfu/internal/domain"
)

// ConsumerHooks mirror PublisherHooks for the downstream leg.
type ConsumerHooks struct {
	// OnConnected fires once, when the peer connection reaches connected;
	// the router attaches the sink to the source forwarder here.
	OnConnected func(c *Consumer)
	// OnClosed fires once on failed or closed.
	OnClosed func(c *Consumer)
	// OnICECandidate trickles locally gathered candidates to the subscriber.
	OnICECandidate func(c *Consumer, ci webrtc.ICECandidateInit)
}

// Consumer is the downstream session carrying one source publisher's audio
// to one subscriber over its own peer connection.
type Consumer struct {
	Subscriber domain.UserID
	Source     domain.UserID

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticRTP
	sink  *Sink
	offer string

	mu         sync.Mutex
	pendingICE []webrtc.ICECandidateInit
	remoteSet  bool

	connectedOnce sync.Once
	closedOnce    sync.Once
}

// NewConsumer allocates the peer connection and a local track whose codec
// parameters mirror the source track, adds it sendonly and produces the
// SDP offer (gathering awaited, as for publishers).
func NewConsumer(
	f *Factory,
	subscriber, source domain.UserID,
	srcTrack *webrtc.TrackRemote,
	hooks ConsumerHooks,
) (*Consumer, error) {
	pc, err := f.NewPeerConnection()
	if err != nil {
		return nil, wrapError(CodeInternal, err, "consumer peer connection %s<-%s", subscriber, source)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		srcTrack.Codec().RTPCodecCapability,
		fmt.Sprintf("audio-%s", srcTrack.ID()),
		fmt.Sprintf("stream-%s", source),
	)
	if err != nil {
		_ = pc.Close()
		return nil, wrapError(CodeInternal, err, "consumer local track %s<-%s", subscriber, source)
	}

	c := &Consumer{
		Subscriber: subscriber,
		Source:     source,
		pc:         pc,
		track:      track,
		sink:       NewSink(track),
	}

	logger := log.With().
		Str("module", "sfu.consumer").
		Str("subscriber", string(subscriber)).
		Str("source", string(source)).
		Logger()

	transceiver, err := pc.AddTransceiverFromTrack(
		track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly},
	)
	if err != nil {
		_ = pc.Close()
		return nil, wrapError(CodeInternal, err, "consumer transceiver %s<-%s", subscriber, source)
	}

	// Drain sender RTCP so the NACK and report interceptors keep running.
	go func() {
		sender := transceiver.Sender()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Info().Str("state", s.String()).Msg("consumer peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.connectedOnce.Do(func() {
				if hooks.OnConnected != nil {
					hooks.OnConnected(c)
				}
			})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.closedOnce.Do(func() {
				if hooks.OnClosed != nil {
					hooks.OnClosed(c)
				}
			})
		}
	})

	pc.OnICECandidate(func(ci *webrtc.ICECandidate) {
		if ci != nil && hooks.OnICECandidate != nil {
			hooks.OnICECandidate(c, ci.ToJSON())
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, wrapError(CodeInternal, err, "consumer offer %s<-%s", subscriber, source)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, wrapError(CodeInternal, err, "consumer local description %s<-%s", subscriber, source)
	}
	<-gatherComplete

	c.offer = pc.LocalDescription().SDP
	return c, nil
}

// Offer returns the SDP offer generated at construction.
func (c *Consumer) Offer() string { return c.offer }

// Sink returns the forwarder attachment for this consumer's local track.
func (c *Consumer) Sink() *Sink { return c.sink }

// AcceptAnswer applies the subscriber's SDP answer, then drains queued ICE.
func (c *Consumer) AcceptAnswer(sdp string) error {
	c.mu.Lock()
	if c.remoteSet {
		c.mu.Unlock()
		return newError(CodeInvalidSDP, "consumer %s<-%s already has a remote description", c.Subscriber, c.Source)
	}
	c.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return wrapError(CodeInvalidSDP, err, "consumer answer %s<-%s", c.Subscriber, c.Source)
	}

	c.mu.Lock()
	c.remoteSet = true
	queued := c.pendingICE
	c.pendingICE = nil
	c.mu.Unlock()

	for _, ci := range queued {
		if err := c.pc.AddICECandidate(ci); err != nil {
			return wrapError(CodeInvalidSDP, err, "queued candidate %s<-%s", c.Subscriber, c.Source)
		}
	}
	return nil
}

// AddRemoteICE queues or applies a candidate, as for Publisher.
func (c *Consumer) AddRemoteICE(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pendingICE = append(c.pendingICE, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(ci); err != nil {
		return wrapError(CodeInvalidSDP, err, "candidate %s<-%s", c.Subscriber, c.Source)
	}
	return nil
}

// PendingICECount reports the queue length for tests.
func (c *Consumer) PendingICECount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingICE)
}

func (c *Consumer) Close() {
	c.sink.MarkDelete()
	if err := c.pc.Close(); err != nil {
		log.Warn().Err(err).
			Str("module", "sfu.consumer").
			Str("subscriber", string(c.Subscriber)).
			Str("source", string(c.Source)).
			Msg("consumer close error")
	}
}
