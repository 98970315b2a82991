package sfu

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"voicesfu/internal/domain"
)

// TrackReader is the read side of a forwarding pair. *webrtc.TrackRemote
// satisfies it; tests substitute a fake.
type TrackReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// TrackWriter is the write side. *webrtc.TrackLocalStaticRTP satisfies it.
type TrackWriter interface {
	WriteRTP(*rtp.Packet) error
}

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateDelete
)

// Sink is one consumer-side local track attached to a forwarder.
type Sink struct {
	Track TrackWriter
	state atomic.Int32 // zero value is SinkStateOk
}

func NewSink(track TrackWriter) *Sink {
	return &Sink{Track: track}
}

func (s *Sink) State() SinkState { return SinkState(s.state.Load()) }
func (s *Sink) MarkDelete()      { s.state.Store(int32(SinkStateDelete)) }

// Forwarder pumps RTP packets from one publisher's remote track to every
// subscribed consumer track. pion remote tracks are single-reader, so one
// goroutine owns the read loop and fans packets out; per (source, sink)
// ordering is strict FIFO because a sink is only ever written from here.
type Forwarder struct {
	src TrackReader

	mu    sync.RWMutex
	sinks map[domain.UserID]*Sink

	cancel context.CancelFunc
	done   chan struct{}
}

func NewForwarder(src TrackReader) *Forwarder {
	return &Forwarder{
		src:   src,
		sinks: make(map[domain.UserID]*Sink),
		done:  make(chan struct{}),
	}
}

// Start launches the read loop. The loop ends when ctx is cancelled or the
// source track reaches end-of-stream (publisher gone).
func (f *Forwarder) Start(ctx context.Context, logger *zerolog.Logger) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.loop(ctx, logger)
}

func (f *Forwarder) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("forwarder cancelled, marking all sinks for delete")
			f.markAllDelete()
			return
		default:
		}
		pkt, _, err := f.src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("forwarder read RTP error, stopping")
			}
			f.markAllDelete()
			return
		}
		f.forward(pkt, logger)
	}
}

func (f *Forwarder) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := make(map[domain.UserID]*Sink, len(f.sinks))
	maps.Copy(snapshot, f.sinks)
	f.mu.RUnlock()

	var dirty []domain.UserID
	for subscriber, sink := range snapshot {
		switch sink.State() {
		case SinkStateDelete:
			dirty = append(dirty, subscriber)
		case SinkStateOk:
			if err := sink.Track.WriteRTP(pkt); err != nil {
				// The consumer peer connection may not be connected yet;
				// a closed pipe before the first binding is transient.
				if errors.Is(err, io.ErrClosedPipe) {
					continue
				}
				logger.Warn().
					Err(err).
					Str("subscriber", string(subscriber)).
					Msg("forwarder write RTP error, dropping sink")
				sink.MarkDelete()
				dirty = append(dirty, subscriber)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		f.mu.Lock()
		for _, subscriber := range dirty {
			delete(f.sinks, subscriber)
		}
		f.mu.Unlock()
	}
}

func (f *Forwarder) markAllDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sink := range f.sinks {
		sink.MarkDelete()
	}
}

// AddSink subscribes a consumer track. Packets flow on the next read cycle.
func (f *Forwarder) AddSink(subscriber domain.UserID, sink *Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[subscriber] = sink
}

// RemoveSink detaches a consumer. Safe to call for unknown subscribers.
func (f *Forwarder) RemoveSink(subscriber domain.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sink, ok := f.sinks[subscriber]; ok {
		sink.MarkDelete()
		delete(f.sinks, subscriber)
	}
}

// Stop cancels the read loop and detaches every sink.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.markAllDelete()
}

// Done is closed when the read loop has exited.
func (f *Forwarder) Done() <-chan struct{} { return f.done }
