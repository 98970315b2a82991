// Package sfu implements the selective forwarding core: publisher and
// consumer sessions, the per-track forwarding loops and the router that
// owns them all.
package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"voicesfu/internal/domain"
)

type pairKey struct {
	subscriber domain.UserID
	source     domain.UserID
}

// EventSink receives router-emitted events. The signaling adapter
// implements it and translates events into outbound protocol frames.
// Callbacks run without the router lock held.
type EventSink interface {
	PublisherTrackReady(userID domain.UserID, trackID string)
	PublisherClosed(userID domain.UserID)
	ConsumerClosed(subscriber, source domain.UserID)
	PublisherICECandidate(userID domain.UserID, c webrtc.ICECandidateInit)
	ConsumerICECandidate(subscriber, source domain.UserID, c webrtc.ICECandidateInit)
}

// Router owns every publisher and consumer by identity. Registry mutations
// happen under one write lock; peer-connection work happens outside it,
// because pion callbacks re-enter the router.
type Router struct {
	factory *Factory
	events  EventSink
	ctx     context.Context

	mu         sync.RWMutex
	publishers map[domain.UserID]*Publisher
	consumers  map[pairKey]*Consumer
	forwarders map[domain.UserID]*Forwarder
}

// NewRouter creates an empty router. ctx bounds the lifetime of every
// forwarding loop the router starts.
func NewRouter(ctx context.Context, factory *Factory) *Router {
	return &Router{
		factory:    factory,
		ctx:        ctx,
		publishers: make(map[domain.UserID]*Publisher),
		consumers:  make(map[pairKey]*Consumer),
		forwarders: make(map[domain.UserID]*Forwarder),
	}
}

// SetEvents wires the event sink. Must be called before any session is
// created; the adapter does it once at startup.
func (r *Router) SetEvents(sink EventSink) { r.events = sink }

// CreatePublisher allocates the upstream session for userID and returns the
// SDP offer for the create_publisher response. A second call while a
// publisher exists fails with ALREADY_PUBLISHING.
func (r *Router) CreatePublisher(userID domain.UserID, roomID domain.RoomID) (string, error) {
	r.mu.Lock()
	if _, exists := r.publishers[userID]; exists {
		r.mu.Unlock()
		return "", newError(CodeAlreadyPublishing, "publisher already exists for %s", userID)
	}
	// Reserve the slot so concurrent creates fail fast; filled in below.
	r.publishers[userID] = nil
	r.mu.Unlock()

	p, err := NewPublisher(r.factory, userID, roomID, PublisherHooks{
		OnTrack: r.handlePublisherTrack,
		OnClosed: func(p *Publisher) {
			r.handlePublisherClosed(p.UserID)
		},
		OnICECandidate: func(p *Publisher, c webrtc.ICECandidateInit) {
			if r.events != nil {
				r.events.PublisherICECandidate(p.UserID, c)
			}
		},
	})
	if err != nil {
		r.mu.Lock()
		delete(r.publishers, userID)
		r.mu.Unlock()
		return "", err
	}

	if !r.registerPublisher(userID, p) {
		p.Close()
		return "", newError(CodeNotFound, "participant %s removed during publisher setup", userID)
	}

	log.Info().
		Str("module", "sfu.router").
		Str("user", string(userID)).
		Str("room", string(roomID)).
		Msg("publisher created")
	return p.Offer(), nil
}

// SetPublisherAnswer dispatches the publish_audio answer.
func (r *Router) SetPublisherAnswer(userID domain.UserID, sdp string) error {
	p, err := r.publisher(userID)
	if err != nil {
		return err
	}
	return p.AcceptAnswer(sdp)
}

// AddPublisherICE dispatches a remote candidate to the publisher leg.
func (r *Router) AddPublisherICE(userID domain.UserID, c webrtc.ICECandidateInit) error {
	p, err := r.publisher(userID)
	if err != nil {
		return err
	}
	return p.AddRemoteICE(c)
}

// AwaitPublisherTrack blocks until userID's publisher has captured its
// remote track, returning the track ID for the audio_published reply.
func (r *Router) AwaitPublisherTrack(ctx context.Context, userID domain.UserID) (string, error) {
	p, err := r.publisher(userID)
	if err != nil {
		return "", err
	}
	track, err := p.AwaitTrack(ctx)
	if err != nil {
		return "", err
	}
	return track.ID(), nil
}

// CreateConsumer allocates the downstream session carrying source's audio
// to subscriber and returns its SDP offer. Exactly one consumer may exist
// per (subscriber, source) pair; self-subscription is rejected.
func (r *Router) CreateConsumer(subscriber, source domain.UserID) (string, error) {
	if subscriber == source {
		return "", newError(CodeSelfSubscribe, "participant %s cannot consume itself", subscriber)
	}
	key := pairKey{subscriber: subscriber, source: source}

	r.mu.Lock()
	if _, exists := r.consumers[key]; exists {
		r.mu.Unlock()
		return "", newError(CodeAlreadySubscribed, "consumer %s<-%s already exists", subscriber, source)
	}
	pub := r.publishers[source]
	if pub == nil {
		r.mu.Unlock()
		return "", newError(CodeTrackNotFound, "no publisher for %s", source)
	}
	track, ok := pub.Track()
	if !ok {
		r.mu.Unlock()
		return "", newError(CodeTrackNotFound, "publisher %s has not captured a track yet", source)
	}
	r.consumers[key] = nil
	r.mu.Unlock()

	c, err := NewConsumer(r.factory, subscriber, source, track, ConsumerHooks{
		OnConnected: r.startForwarding,
		OnClosed: func(c *Consumer) {
			r.handleConsumerClosed(c.Subscriber, c.Source)
		},
		OnICECandidate: func(c *Consumer, ci webrtc.ICECandidateInit) {
			if r.events != nil {
				r.events.ConsumerICECandidate(c.Subscriber, c.Source, ci)
			}
		},
	})
	if err != nil {
		r.mu.Lock()
		delete(r.consumers, key)
		r.mu.Unlock()
		return "", err
	}

	if !r.registerConsumer(key, c) {
		c.Close()
		return "", newError(CodeTrackNotFound, "publisher %s went away during consumer setup", source)
	}

	log.Info().
		Str("module", "sfu.router").
		Str("subscriber", string(subscriber)).
		Str("source", string(source)).
		Msg("consumer created")
	return c.Offer(), nil
}

// SetConsumerAnswer dispatches the consumer_answer SDP.
func (r *Router) SetConsumerAnswer(subscriber, source domain.UserID, sdp string) error {
	c, err := r.consumer(subscriber, source)
	if err != nil {
		return err
	}
	return c.AcceptAnswer(sdp)
}

// AddConsumerICE dispatches a remote candidate to the consumer leg.
func (r *Router) AddConsumerICE(subscriber, source domain.UserID, ci webrtc.ICECandidateInit) error {
	c, err := r.consumer(subscriber, source)
	if err != nil {
		return err
	}
	return c.AddRemoteICE(ci)
}

// RemoveParticipant tears down the participant's publisher, every consumer
// it subscribes with and every consumer sourced from it. Peer connections
// are closed outside the registry lock.
func (r *Router) RemoveParticipant(userID domain.UserID) {
	r.removePublisher(userID)

	r.mu.Lock()
	type victim struct {
		consumer  *Consumer
		forwarder *Forwarder
	}
	var victims []victim
	for key, c := range r.consumers {
		if key.subscriber != userID {
			continue
		}
		// nil entries are slots reserved by an in-flight CreateConsumer;
		// deleting them makes its fill-in step close the orphan session.
		delete(r.consumers, key)
		if c == nil {
			continue
		}
		victims = append(victims, victim{consumer: c, forwarder: r.forwarders[key.source]})
	}
	r.mu.Unlock()

	for _, v := range victims {
		if v.forwarder != nil {
			v.forwarder.RemoveSink(userID)
		}
		v.consumer.Close()
	}

	log.Info().
		Str("module", "sfu.router").
		Str("user", string(userID)).
		Int("consumers_removed", len(victims)).
		Msg("participant removed")
}

// PublishingMembers filters members down to those whose publisher has a
// captured track; feeds the existing_publishers list on room join.
func (r *Router) PublishingMembers(members []domain.UserID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(members))
	for _, m := range members {
		if p := r.publishers[m]; p != nil {
			if _, ok := p.Track(); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

// PublisherCount and ConsumerCount expose registry sizes for tests and the
// rooms listing.
func (r *Router) PublisherCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.publishers {
		if p != nil {
			n++
		}
	}
	return n
}

func (r *Router) ConsumerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.consumers {
		if c != nil {
			n++
		}
	}
	return n
}

// HasConsumer reports whether the (subscriber, source) pair is registered.
func (r *Router) HasConsumer(subscriber, source domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumers[pairKey{subscriber: subscriber, source: source}] != nil
}

func (r *Router) publisher(userID domain.UserID) (*Publisher, error) {
	r.mu.RLock()
	p := r.publishers[userID]
	r.mu.RUnlock()
	if p == nil {
		return nil, newError(CodeNotFound, "no publisher for %s", userID)
	}
	return p, nil
}

func (r *Router) consumer(subscriber, source domain.UserID) (*Consumer, error) {
	r.mu.RLock()
	c := r.consumers[pairKey{subscriber: subscriber, source: source}]
	r.mu.RUnlock()
	if c == nil {
		return nil, newError(CodeNotFound, "no consumer %s<-%s", subscriber, source)
	}
	return c, nil
}

// handlePublisherTrack runs on the pion on-track callback: it starts the
// forwarding loop and announces the publisher to the room.
func (r *Router) handlePublisherTrack(p *Publisher) {
	track, ok := p.Track()
	if !ok {
		return
	}

	fw := NewForwarder(track)
	logger := log.With().
		Str("module", "sfu.forwarder").
		Str("source", string(p.UserID)).
		Logger()
	// Started before registration so a concurrent removal never waits on a
	// loop that has not launched.
	fw.Start(r.ctx, &logger)

	if !r.registerForwarder(p, fw) {
		// Publisher was removed between track arrival and registration.
		fw.Stop()
		return
	}

	if r.events != nil {
		r.events.PublisherTrackReady(p.UserID, track.ID())
	}
}

// registerForwarder publishes fw as the forwarding loop for p's track and
// attaches any consumers that registered before the loop existed. Reports
// false when p is no longer the registered publisher.
func (r *Router) registerForwarder(p *Publisher, fw *Forwarder) bool {
	r.mu.Lock()
	if r.publishers[p.UserID] != p {
		r.mu.Unlock()
		return false
	}
	r.forwarders[p.UserID] = fw
	var attach []*Consumer
	for key, c := range r.consumers {
		if key.source == p.UserID && c != nil {
			attach = append(attach, c)
		}
	}
	r.mu.Unlock()

	for _, c := range attach {
		fw.AddSink(c.Subscriber, c.Sink())
	}
	return true
}

// registerPublisher fills the slot reserved by CreatePublisher. Reports
// false when the slot was removed while the session was being built; the
// caller owns the orphan session.
func (r *Router) registerPublisher(userID domain.UserID, p *Publisher) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.publishers[userID]; !ok {
		return false
	}
	r.publishers[userID] = p
	return true
}

// registerConsumer fills the slot reserved by CreateConsumer, with the same
// contract as registerPublisher.
func (r *Router) registerConsumer(key pairKey, c *Consumer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consumers[key]; !ok {
		return false
	}
	r.consumers[key] = c
	return true
}

// startForwarding attaches the consumer's sink once its peer connection is
// connected. A consumer that connects before its source forwarder registers
// is picked up by registerForwarder's attach pass instead.
func (r *Router) startForwarding(c *Consumer) {
	r.mu.RLock()
	registered := r.consumers[pairKey{subscriber: c.Subscriber, source: c.Source}] == c
	fw := r.forwarders[c.Source]
	r.mu.RUnlock()
	if !registered {
		return
	}
	if fw == nil {
		log.Warn().
			Str("module", "sfu.router").
			Str("subscriber", string(c.Subscriber)).
			Str("source", string(c.Source)).
			Msg("consumer connected before its source forwarder registered")
		return
	}
	fw.AddSink(c.Subscriber, c.Sink())
}

// removePublisher tears down userID's publisher, its forwarder and every
// consumer sourced from it.
func (r *Router) removePublisher(userID domain.UserID) bool {
	r.mu.Lock()
	p, ok := r.publishers[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.publishers, userID)
	fw := r.forwarders[userID]
	delete(r.forwarders, userID)
	var victims []*Consumer
	for key, c := range r.consumers {
		if key.source != userID {
			continue
		}
		delete(r.consumers, key)
		if c != nil {
			victims = append(victims, c)
		}
	}
	r.mu.Unlock()

	if fw != nil {
		fw.Stop()
	}
	for _, c := range victims {
		c.Close()
	}
	if p != nil {
		p.Close()
	}
	if fw != nil {
		// The loop exits once the closed peer connection fails its next
		// read; removal is not complete until then.
		<-fw.Done()
	}

	log.Info().
		Str("module", "sfu.router").
		Str("user", string(userID)).
		Int("consumers_removed", len(victims)).
		Msg("publisher removed")
	return true
}

// handlePublisherClosed runs when a publisher peer connection reaches
// failed or closed; the session requests its own removal.
func (r *Router) handlePublisherClosed(userID domain.UserID) {
	if r.removePublisher(userID) && r.events != nil {
		r.events.PublisherClosed(userID)
	}
}

// handleConsumerClosed removes a single consumer after its peer connection
// failed or was closed remotely.
func (r *Router) handleConsumerClosed(subscriber, source domain.UserID) {
	key := pairKey{subscriber: subscriber, source: source}
	r.mu.Lock()
	c := r.consumers[key]
	if c == nil {
		r.mu.Unlock()
		return
	}
	delete(r.consumers, key)
	fw := r.forwarders[source]
	r.mu.Unlock()

	if fw != nil {
		fw.RemoveSink(subscriber)
	}
	c.Close()
	if r.events != nil {
		r.events.ConsumerClosed(subscriber, source)
	}
}
