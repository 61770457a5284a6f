package api

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/mpegts"
	"github.com/plexbridge/plexbridge/internal/transcoder"
)

// subBuffer is the per-subscriber frame buffer. A subscriber that falls
// this far behind a live stream is beyond saving and gets disconnected
// rather than stalling the session.
const subBuffer = 64

// pipeline fans one supervisor's output out to every client attached to a
// session. All subscriber mutations and sends happen under mu, so a closed
// channel can never be sent to.
type pipeline struct {
	sessionID string
	sup       *transcoder.Supervisor
	cancel    context.CancelFunc
	log       zerolog.Logger

	mu     sync.Mutex
	subs   map[string]chan transcoder.Frame
	closed bool

	carry []byte // partial TS packet awaiting its remainder
}

func newPipeline(sessionID string, sup *transcoder.Supervisor, cancel context.CancelFunc, log zerolog.Logger) *pipeline {
	return &pipeline{
		sessionID: sessionID,
		sup:       sup,
		cancel:    cancel,
		log:       log,
		subs:      make(map[string]chan transcoder.Frame),
	}
}

// subscribe attaches a client. The returned stop function detaches it;
// both are safe after the pipeline ended.
func (p *pipeline) subscribe(clientID string) (<-chan transcoder.Frame, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ch := make(chan transcoder.Frame)
		close(ch)
		return ch, func() {}
	}
	ch := make(chan transcoder.Frame, subBuffer)
	p.subs[clientID] = ch
	stop := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[clientID]; ok {
			delete(p.subs, clientID)
			close(c)
		}
	}
	return ch, stop
}

// pump forwards supervisor frames to subscribers until the terminal frame,
// then reports the session as ended. Byte frames are re-chunked on 188-byte
// packet boundaries so every subscriber, late joiners included, reads
// packet-aligned TS.
func (p *pipeline) pump(frames <-chan transcoder.Frame, onTerminal func(reason string)) {
	for f := range frames {
		switch {
		case f.Err != nil:
			p.finish(transcoder.Frame{Err: f.Err})
			onTerminal("supervisor failure")
			return
		case f.End:
			p.finish(transcoder.Frame{End: true})
			onTerminal("upstream ended")
			return
		case len(f.Bytes) > 0:
			if chunk := p.align(f.Bytes); len(chunk) > 0 {
				p.broadcast(transcoder.Frame{Bytes: chunk})
			}
		}
	}
	// Channel closed without a terminal frame; treat as a clean end.
	p.finish(transcoder.Frame{End: true})
	onTerminal("upstream ended")
}

// align merges b with the carried partial packet and returns the largest
// whole-packet prefix.
func (p *pipeline) align(b []byte) []byte {
	p.carry = append(p.carry, b...)
	aligned := len(p.carry) / mpegts.PacketSize * mpegts.PacketSize
	if aligned == 0 {
		return nil
	}
	chunk := make([]byte, aligned)
	copy(chunk, p.carry[:aligned])
	p.carry = append(p.carry[:0], p.carry[aligned:]...)
	return chunk
}

// broadcast delivers one frame to every subscriber. A subscriber with a
// full buffer is cut loose so the others keep flowing.
func (p *pipeline) broadcast(f transcoder.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- f:
		default:
			p.log.Warn().Str("session", p.sessionID).Str("client", id).Msg("slow client dropped")
			delete(p.subs, id)
			close(ch)
		}
	}
}

// finish delivers the terminal frame and closes every subscriber.
func (p *pipeline) finish(f transcoder.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		select {
		case ch <- f:
		default:
		}
		delete(p.subs, id)
		close(ch)
	}
}

// shutdown cancels the supervisor and reaps its process.
func (p *pipeline) shutdown() {
	p.cancel()
	p.sup.Stop()
}
