package sfu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicesfu/internal/domain"
)

// captureEvents records router events for assertions.
type captureEvents struct {
	mu           sync.Mutex
	trackReady   []domain.UserID
	closedPubs   []domain.UserID
	trackReadyCh chan string
}

func newCaptureEvents() *captureEvents {
	return &captureEvents{trackReadyCh: make(chan string, 8)}
}

func (e *captureEvents) PublisherTrackReady(userID domain.UserID, trackID string) {
	e.mu.Lock()
	e.trackReady = append(e.trackReady, userID)
	e.mu.Unlock()
	e.trackReadyCh <- trackID
}

func (e *captureEvents) PublisherClosed(userID domain.UserID) {
	e.mu.Lock()
	e.closedPubs = append(e.closedPubs, userID)
	e.mu.Unlock()
}

func (e *captureEvents) ConsumerClosed(subscriber, source domain.UserID) {}

func (e *captureEvents) PublisherICECandidate(userID domain.UserID, c webrtc.ICECandidateInit) {}

func (e *captureEvents) ConsumerICECandidate(sub, src domain.UserID, c webrtc.ICECandidateInit) {}

func newTestRouter(t *testing.T) (*Router, *Factory, *captureEvents) {
	t.Helper()
	f, err := NewFactory(nil)
	require.NoError(t, err)
	r := NewRouter(t.Context(), f)
	events := newCaptureEvents()
	r.SetEvents(events)
	return r, f, events
}

func TestCreatePublisherReturnsAudioOffer(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.RemoveParticipant("alice")

	offer, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "opus/48000/2")
	assert.Contains(t, offer, "a=recvonly")
	assert.Equal(t, 1, r.PublisherCount())
}

func TestCreatePublisherTwiceFails(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.RemoveParticipant("alice")

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	_, err = r.CreatePublisher("alice", "room")
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyPublishing, CodeOf(err))
	assert.Equal(t, 1, r.PublisherCount())
}

func TestPublisherAnswerForUnknownUser(t *testing.T) {
	r, _, _ := newTestRouter(t)

	err := r.SetPublisherAnswer("ghost", "v=0")
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestPublisherRejectsGarbageAnswer(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.RemoveParticipant("alice")

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	err = r.SetPublisherAnswer("alice", "not an sdp")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidSDP, CodeOf(err))
}

func TestPublisherICEQueuedBeforeAnswer(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.RemoveParticipant("alice")

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	// Candidates arriving before the answer must be buffered, not rejected.
	err = r.AddPublisherICE("alice", webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
	})
	require.NoError(t, err)

	p, err := r.publisher("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, p.PendingICECount())
}

func TestPublisherICEDrainedOnAnswer(t *testing.T) {
	r, f, _ := newTestRouter(t)
	defer r.RemoveParticipant("alice")

	offer, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	require.NoError(t, r.AddPublisherICE("alice", webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
	}))
	p, err := r.publisher("alice")
	require.NoError(t, err)
	require.Equal(t, 1, p.PendingICECount())

	_, answer := answerOffer(t, f, offer, nil)
	require.NoError(t, r.SetPublisherAnswer("alice", answer))
	assert.Equal(t, 0, p.PendingICECount(), "queued candidates applied with the answer")
}

func TestRemovalClearsReservedConsumerSlots(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	// Slots a concurrent CreateConsumer has reserved but not yet filled.
	r.mu.Lock()
	r.consumers[pairKey{subscriber: "bob", source: "alice"}] = nil
	r.consumers[pairKey{subscriber: "alice", source: "carol"}] = nil
	r.mu.Unlock()

	r.RemoveParticipant("alice")

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Empty(t, r.consumers)
	assert.Empty(t, r.publishers)
}

func TestRegisterPublisherAfterRemoval(t *testing.T) {
	r, f, _ := newTestRouter(t)

	p, err := NewPublisher(f, "bob", "room", PublisherHooks{})
	require.NoError(t, err)
	defer p.Close()

	r.mu.Lock()
	r.publishers["bob"] = nil
	r.mu.Unlock()
	r.RemoveParticipant("bob")

	assert.False(t, r.registerPublisher("bob", p),
		"fill-in must fail once the reserved slot is gone")
	r.mu.RLock()
	_, exists := r.publishers["bob"]
	r.mu.RUnlock()
	assert.False(t, exists)
}

func TestRegisterConsumerAfterSourceRemoval(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	key := pairKey{subscriber: "bob", source: "alice"}
	r.mu.Lock()
	r.consumers[key] = nil
	r.mu.Unlock()

	// Source publisher torn down while the consumer session was being built.
	r.RemoveParticipant("alice")

	c := &Consumer{Subscriber: "bob", Source: "alice", sink: NewSink(&fakeWriter{})}
	assert.False(t, r.registerConsumer(key, c))
	assert.False(t, r.HasConsumer("bob", "alice"))
}

func TestForwarderAttachesEarlyConsumers(t *testing.T) {
	r, f, _ := newTestRouter(t)

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)
	p, err := r.publisher("alice")
	require.NoError(t, err)

	// Consumer registered and connected before the source forwarder existed.
	pc, err := f.NewPeerConnection()
	require.NoError(t, err)
	w := &fakeWriter{}
	c := &Consumer{Subscriber: "bob", Source: "alice", pc: pc, sink: NewSink(w)}
	r.mu.Lock()
	r.consumers[pairKey{subscriber: "bob", source: "alice"}] = c
	r.mu.Unlock()

	src := newFakeReader()
	fw := startForwarder(t, src)
	require.True(t, r.registerForwarder(p, fw))

	src.ch <- packetWithSeq(1)
	waitFor(t, func() bool { return len(w.packets()) == 1 })

	close(src.ch)
	r.RemoveParticipant("alice")
}

func TestRemoveParticipantWaitsForForwarderExit(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)
	p, err := r.publisher("alice")
	require.NoError(t, err)

	src := newFakeReader()
	fw := startForwarder(t, src)
	require.True(t, r.registerForwarder(p, fw))

	done := make(chan struct{})
	go func() {
		r.RemoveParticipant("alice")
		close(done)
	}()

	// Removal must not return while the read loop is still blocked.
	select {
	case <-done:
		t.Fatal("removal returned before the forwarding loop exited")
	case <-time.After(50 * time.Millisecond):
	}

	close(src.ch)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("removal did not finish after the loop exited")
	}
	select {
	case <-fw.Done():
	default:
		t.Fatal("forwarding loop still running after removal")
	}
}

func TestCreateConsumerSelfSubscribe(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.CreateConsumer("alice", "alice")
	require.Error(t, err)
	assert.Equal(t, CodeSelfSubscribe, CodeOf(err))
	assert.Equal(t, 0, r.ConsumerCount())
}

func TestCreateConsumerWithoutPublisher(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.CreateConsumer("bob", "alice")
	require.Error(t, err)
	assert.Equal(t, CodeTrackNotFound, CodeOf(err))
}

func TestCreateConsumerBeforeTrackCaptured(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.RemoveParticipant("alice")

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	// Publisher exists but no track has arrived yet.
	_, err = r.CreateConsumer("bob", "alice")
	require.Error(t, err)
	assert.Equal(t, CodeTrackNotFound, CodeOf(err))
}

func TestAwaitPublisherTrackTimeout(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.RemoveParticipant("alice")

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.AwaitPublisherTrack(ctx, "alice")
	require.Error(t, err)
	assert.Equal(t, CodeTrackNotFound, CodeOf(err))
}

func TestRemoveParticipantClearsPublisher(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)
	require.Equal(t, 1, r.PublisherCount())

	r.RemoveParticipant("alice")
	assert.Equal(t, 0, r.PublisherCount())

	// Removal is idempotent.
	r.RemoveParticipant("alice")
	assert.Equal(t, 0, r.PublisherCount())
}

func TestPublishingMembersSkipsTracklessPublishers(t *testing.T) {
	r, _, _ := newTestRouter(t)
	defer r.RemoveParticipant("alice")

	_, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	got := r.PublishingMembers([]domain.UserID{"alice", "bob"})
	assert.Empty(t, got)
}

// answerOffer builds a client-side peer connection that answers the given
// offer. When sendTrack is non-nil it is attached before answering.
func answerOffer(t *testing.T, f *Factory, offer string, sendTrack *webrtc.TrackLocalStaticRTP) (*webrtc.PeerConnection, string) {
	t.Helper()
	pc, err := f.NewPeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	if sendTrack != nil {
		_, err = pc.AddTrack(sendTrack)
		require.NoError(t, err)
	}

	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}))
	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(answer))
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		t.Fatal("ICE gathering did not complete")
	}
	return pc, pc.LocalDescription().SDP
}

// TestMediaPathEndToEnd drives a publisher leg and a consumer leg over real
// peer connections on the loopback interface and checks that RTP written by
// the publishing client arrives at the subscribing client.
func TestMediaPathEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback media test in short mode")
	}

	r, f, events := newTestRouter(t)
	defer r.RemoveParticipant("alice")
	defer r.RemoveParticipant("bob")

	offer, err := r.CreatePublisher("alice", "room")
	require.NoError(t, err)

	mic, err := webrtc.NewTrackLocalStaticRTP(opusCodec.RTPCodecCapability, "mic", "alice-client")
	require.NoError(t, err)

	_, answer := answerOffer(t, f, offer, mic)
	require.NoError(t, r.SetPublisherAnswer("alice", answer))

	// Pump RTP until the test ends; the track is only captured server-side
	// once media actually flows.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		seq := uint16(0)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = mic.WriteRTP(&rtp.Packet{
					Header: rtp.Header{
						Version:        2,
						PayloadType:    111,
						SequenceNumber: seq,
						Timestamp:      uint32(seq) * 960,
						SSRC:           0x1234,
					},
					Payload: []byte{0xfc, 0xff, 0xfe},
				})
				seq++
			}
		}
	}()

	awaitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	trackID, err := r.AwaitPublisherTrack(awaitCtx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, trackID)

	select {
	case <-events.trackReadyCh:
	case <-time.After(15 * time.Second):
		t.Fatal("track ready event not emitted")
	}
	assert.Equal(t, []domain.UserID{"alice"}, func() []domain.UserID {
		events.mu.Lock()
		defer events.mu.Unlock()
		return append([]domain.UserID(nil), events.trackReady...)
	}())
	assert.Equal(t, []domain.UserID{"alice"}, r.PublishingMembers([]domain.UserID{"alice", "bob"}))

	consumerOffer, err := r.CreateConsumer("bob", "alice")
	require.NoError(t, err)
	assert.Contains(t, consumerOffer, "m=audio")
	assert.True(t, r.HasConsumer("bob", "alice"))

	// Second subscription to the same source must be rejected.
	_, err = r.CreateConsumer("bob", "alice")
	require.Error(t, err)
	assert.Equal(t, CodeAlreadySubscribed, CodeOf(err))

	bobPC, bobAnswer := answerOffer(t, f, consumerOffer, nil)
	received := make(chan *rtp.Packet, 1)
	bobPC.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		pkt, _, err := track.ReadRTP()
		if err == nil {
			select {
			case received <- pkt:
			default:
			}
		}
	})

	// A candidate arriving before the answer is queued, then drained with it.
	require.NoError(t, r.AddConsumerICE("bob", "alice", webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
	}))
	cons, err := r.consumer("bob", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, cons.PendingICECount())

	require.NoError(t, r.SetConsumerAnswer("bob", "alice", bobAnswer))
	assert.Equal(t, 0, cons.PendingICECount())

	select {
	case pkt := <-received:
		assert.Equal(t, []byte{0xfc, 0xff, 0xfe}, pkt.Payload)
	case <-time.After(20 * time.Second):
		t.Fatal("no RTP arrived at the subscriber")
	}

	// Tearing down the publisher removes the dependent consumer too.
	r.RemoveParticipant("alice")
	assert.Equal(t, 0, r.PublisherCount())
	assert.False(t, r.HasConsumer("bob", "alice"))
}
