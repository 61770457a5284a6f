// Package deferred keeps a Plex client's MPEG-TS response alive while a slow
// upstream spins up: it pads the wire with paced null packets (plus periodic
// PAT/PMT so the demuxer can lock on) and hands over to the real transcoder
// output the instant the first frame lands. Everything written is whole
// 188-byte packets, so the client sees a valid transport stream from byte
// one.
package deferred

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/plexbridge/plexbridge/internal/mpegts"
	"github.com/plexbridge/plexbridge/internal/observe"
	"github.com/plexbridge/plexbridge/internal/transcoder"
)

// packetInterval paces padding at roughly one packet per 10ms, enough to
// defeat client idle timeouts without meaningful bandwidth.
const packetInterval = 10 * time.Millisecond

// psiEvery interleaves a PAT+PMT pair after this many null packets so a
// demuxer that attached mid-padding still learns the program layout quickly.
const psiEvery = 50

// ErrHandoverDeadline reports that no real output arrived in time. The
// response is closed cleanly; Plex retries on its own.
var ErrHandoverDeadline = errors.New("deferred: handover deadline expired")

// Flusher is the subset of http.Flusher the shim needs.
type Flusher interface{ Flush() }

// Shim is one deferred-start instance; it is single-use.
type Shim struct {
	handoverDeadline time.Duration
	metrics          *observe.Metrics
	log              zerolog.Logger

	// OnBytes, when set, is called with every byte count written downstream.
	OnBytes func(n int)
	// OnHandover, when set, fires once when real output replaces padding.
	OnHandover func()
}

// New builds a shim with the given handover deadline.
func New(handoverDeadline time.Duration, m *observe.Metrics) *Shim {
	return &Shim{
		handoverDeadline: handoverDeadline,
		metrics:          m,
		log:              observe.Component("deferred"),
	}
}

// Serve owns the response body from the first byte on. It pads until the
// supervisor's first real frame, then streams frames verbatim until the
// channel closes. The caller must already have written response headers.
//
// Returns nil on a clean end (including a deadline close with no real
// output), or the write/context error that tore the response down.
func (s *Shim) Serve(ctx context.Context, w io.Writer, flush Flusher, frames <-chan transcoder.Frame) error {
	if s.metrics != nil {
		s.metrics.DeferredStarts.Inc()
	}
	deadline := time.NewTimer(s.handoverDeadline)
	defer deadline.Stop()

	limiter := rate.NewLimiter(rate.Every(packetInterval), 1)
	// Continuity counters are tracked per PID.
	var patCC, pmtCC, nullCC uint8
	padding := 0
	supervisorDead := false

	writePacket := func(pkt []byte) error {
		if _, err := w.Write(pkt); err != nil {
			return err
		}
		if s.OnBytes != nil {
			s.OnBytes(len(pkt))
		}
		if flush != nil {
			flush.Flush()
		}
		return nil
	}

	// Padding phase.
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		select {
		case f, ok := <-frames:
			switch {
			case !ok || f.End:
				// Supervisor finished without producing output; keep the
				// response warm until the deadline in case of a retry race.
				supervisorDead = true
			case f.Err != nil:
				s.log.Warn().Err(f.Err).Msg("supervisor failed before handover, padding until deadline")
				supervisorDead = true
			case len(f.Bytes) > 0:
				if s.OnHandover != nil {
					s.OnHandover()
				}
				s.log.Debug().Int("padding_packets", padding).Msg("handing over to real output")
				if err := writePacket(f.Bytes); err != nil {
					return err
				}
				return s.pump(ctx, w, flush, frames)
			}
		case <-deadline.C:
			s.log.Info().Int("padding_packets", padding).Msg("handover deadline expired, closing")
			return ErrHandoverDeadline
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if supervisorDead {
			// Only padding remains; wait out the deadline without selecting
			// on a closed channel.
			select {
			case <-deadline.C:
				return ErrHandoverDeadline
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		var pkt [mpegts.PacketSize]byte
		switch {
		case padding%psiEvery == 0:
			pkt = mpegts.PATPacket(patCC)
			patCC++
		case padding%psiEvery == 1:
			pkt = mpegts.PMTPacket(pmtCC)
			pmtCC++
		default:
			pkt = mpegts.NullPacket(nullCC)
			nullCC++
		}
		padding++
		if err := writePacket(pkt[:]); err != nil {
			return err
		}
	}
}

// pump streams real frames until the channel closes.
func (s *Shim) pump(ctx context.Context, w io.Writer, flush Flusher, frames <-chan transcoder.Frame) error {
	for {
		select {
		case f, ok := <-frames:
			if !ok || f.End {
				return nil
			}
			if f.Err != nil {
				return f.Err
			}
			if len(f.Bytes) == 0 {
				continue
			}
			if _, err := w.Write(f.Bytes); err != nil {
				return err
			}
			if s.OnBytes != nil {
				s.OnBytes(len(f.Bytes))
			}
			if flush != nil {
				flush.Flush()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
