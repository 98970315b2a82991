package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"voicesfu/internal/domain"
)

// PublisherHooks reach back into the router. They run on pion callback
// goroutines, never under the router lock.
type PublisherHooks struct {
	// OnTrack fires once, when the first remote audio track is captured.
	OnTrack func(p *Publisher)
	// OnClosed fires once, when the peer connection reaches failed or closed.
	OnClosed func(p *Publisher)
	// OnICECandidate trickles locally gathered candidates to the client.
	OnICECandidate func(p *Publisher, c webrtc.ICECandidateInit)
}

// Publisher is the upstream session of one participant: a recvonly peer
// connection that captures the participant's audio track for fan-out.
type Publisher struct {
	UserID domain.UserID
	RoomID domain.RoomID

	pc    *webrtc.PeerConnection
	offer string

	mu         sync.Mutex
	pendingICE []webrtc.ICECandidateInit
	remoteSet  bool
	track      *webrtc.TrackRemote

	trackReady chan struct{}
	trackOnce  sync.Once
	closedOnce sync.Once
}

// NewPublisher allocates the peer connection, registers the hooks, adds a
// recvonly audio transceiver and produces the SDP offer. ICE gathering is
// awaited so the offer is complete (non-trickle); later candidates are
// still trickled through the hook.
func NewPublisher(
	f *Factory,
	userID domain.UserID,
	roomID domain.RoomID,
	hooks PublisherHooks,
) (*Publisher, error) {
	pc, err := f.NewPeerConnection()
	if err != nil {
		return nil, wrapError(CodeInternal, err, "publisher peer connection for %s", userID)
	}

	p := &Publisher{
		UserID:     userID,
		RoomID:     roomID,
		pc:         pc,
		trackReady: make(chan struct{}),
	}

	logger := log.With().
		Str("module", "sfu.publisher").
		Str("user", string(userID)).
		Logger()

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		if p.track != nil {
			p.mu.Unlock()
			logger.Warn().
				Str("track_id", track.ID()).
				Msg("extra remote track ignored, one audio track expected")
			return
		}
		p.track = track
		p.mu.Unlock()

		logger.Info().
			Str("track_id", track.ID()).
			Str("kind", track.Kind().String()).
			Msg("remote track captured")

		p.trackOnce.Do(func() { close(p.trackReady) })
		if hooks.OnTrack != nil {
			hooks.OnTrack(p)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Info().Str("state", s.String()).Msg("publisher peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			p.closedOnce.Do(func() {
				if hooks.OnClosed != nil {
					hooks.OnClosed(p)
				}
			})
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil && hooks.OnICECandidate != nil {
			hooks.OnICECandidate(p, c.ToJSON())
		}
	})

	if _, err := pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	); err != nil {
		_ = pc.Close()
		return nil, wrapError(CodeInternal, err, "publisher transceiver for %s", userID)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, wrapError(CodeInternal, err, "publisher offer for %s", userID)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, wrapError(CodeInternal, err, "publisher local description for %s", userID)
	}
	<-gatherComplete

	p.offer = pc.LocalDescription().SDP
	return p, nil
}

// Offer returns the SDP offer generated at construction.
func (p *Publisher) Offer() string { return p.offer }

// AcceptAnswer applies the client's SDP answer and drains the pending ICE
// queue in arrival order. A second answer for the same offer is rejected.
func (p *Publisher) AcceptAnswer(sdp string) error {
	p.mu.Lock()
	if p.remoteSet {
		p.mu.Unlock()
		return newError(CodeInvalidSDP, "publisher %s already has a remote description", p.UserID)
	}
	p.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return wrapError(CodeInvalidSDP, err, "publisher answer for %s", p.UserID)
	}

	p.mu.Lock()
	p.remoteSet = true
	queued := p.pendingICE
	p.pendingICE = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			return wrapError(CodeInvalidSDP, err, "queued candidate for %s", p.UserID)
		}
	}
	return nil
}

// AddRemoteICE applies a candidate immediately if the remote description is
// set, otherwise queues it for the drain in AcceptAnswer.
func (p *Publisher) AddRemoteICE(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pendingICE = append(p.pendingICE, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(c); err != nil {
		return wrapError(CodeInvalidSDP, err, "candidate for %s", p.UserID)
	}
	return nil
}

// Track returns the captured remote track, if any.
func (p *Publisher) Track() (*webrtc.TrackRemote, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track, p.track != nil
}

// AwaitTrack blocks until the remote track has been captured or ctx ends.
func (p *Publisher) AwaitTrack(ctx context.Context) (*webrtc.TrackRemote, error) {
	select {
	case <-p.trackReady:
		track, _ := p.Track()
		return track, nil
	case <-ctx.Done():
		return nil, newError(CodeTrackNotFound, "publisher %s track not captured yet", p.UserID)
	}
}

// PendingICECount reports the queue length; used by the router's tests and
// never on a hot path.
func (p *Publisher) PendingICECount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingICE)
}

func (p *Publisher) Close() {
	if err := p.pc.Close(); err != nil {
		log.Warn().Err(err).
			Str("module", "sfu.publisher").
			Str("user", string(p.UserID)).
			Msg("publisher close error")
	}
}
