package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/cache"
	"github.com/plexbridge/plexbridge/internal/config"
	"github.com/plexbridge/plexbridge/internal/deferred"
	"github.com/plexbridge/plexbridge/internal/observe"
	"github.com/plexbridge/plexbridge/internal/probe"
	"github.com/plexbridge/plexbridge/internal/profile"
	"github.com/plexbridge/plexbridge/internal/session"
	"github.com/plexbridge/plexbridge/internal/store"
	"github.com/plexbridge/plexbridge/internal/transcoder"
)

// retryAfterHint is the Retry-After value sent with admission denials.
const retryAfterHint = "5"

// streamer owns the stream endpoints and the per-session transcoder
// pipelines. Sessions and clients are addressed by id only; the registry
// owns their lifetime.
type streamer struct {
	cfg      *config.Holder
	store    *store.Store
	cache    *cache.Cache
	sessions *session.Registry
	profiles *profile.Registry
	prober   *probe.Prober
	metrics  *observe.Metrics
	log      zerolog.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline // keyed by session id
}

func newStreamer(d Deps) *streamer {
	return &streamer{
		cfg:       d.Config,
		store:     d.Store,
		cache:     d.Cache,
		sessions:  d.Sessions,
		profiles:  d.Profiles,
		prober:    d.Prober,
		metrics:   d.Metrics,
		log:       observe.Component("stream"),
		pipelines: make(map[string]*pipeline),
	}
}

func (s *streamer) handleStream(w http.ResponseWriter, r *http.Request) {
	class := profile.ClassFromUserAgent(r.UserAgent())
	s.serve(w, r, class, false)
}

// handlePreview is the admin-facing variant: browser-friendly output via
// the web profile, never deferred.
func (s *streamer) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, profile.Web, true)
}

func (s *streamer) serve(w http.ResponseWriter, r *http.Request, class profile.ClientClass, forceDirect bool) {
	snap := s.cfg.Get()
	channelID := chi.URLParam(r, "channelID")

	ch, err := s.store.GetChannel(r.Context(), channelID)
	if err != nil || !ch.Enabled {
		streamError(w, http.StatusNotFound, "unknown channel")
		return
	}
	streams, err := s.store.StreamsForChannel(r.Context(), channelID)
	if err != nil || len(streams) == 0 {
		streamError(w, http.StatusBadGateway, "channel has no playable stream")
		return
	}
	// Admission runs before any upstream probing so a full tuner pool
	// answers immediately. The session records the channel's primary
	// stream; failover within the channel does not reopen admission.
	st := streams[0]

	clientID := uuid.NewString()
	shareable := st.ConnectionLimits == 0
	sess, joined, err := s.sessions.GetOrCreate(ch.ChannelID, st.StreamID, shareable,
		class, clientID, r.UserAgent(), r.RemoteAddr)
	if err != nil {
		w.Header().Set("Retry-After", retryAfterHint)
		streamError(w, http.StatusServiceUnavailable, "all tuners in use")
		return
	}
	defer s.sessions.Detach(sess.ID, clientID)

	var sub <-chan transcoder.Frame
	var stop func()
	needsDeferred := false

	if joined {
		p := s.waitPipeline(r.Context(), sess.ID)
		if p == nil {
			streamError(w, http.StatusServiceUnavailable, "session ended before attach")
			return
		}
		sub, stop = p.subscribe(clientID)
	} else {
		target := st
		var probed *probe.Result
		if len(streams) > 1 {
			target, probed = s.pickStream(r.Context(), streams)
		}
		if !forceDirect && target.ConnectionLimits > 0 && class.Deferrable() {
			needsDeferred = s.requiresDeferred(target, probed)
		}
		p, err := s.startPipeline(r.Context(), snap, sess.ID, target, class)
		if err != nil {
			s.sessions.Terminate(sess.ID, "start failure")
			s.log.Error().Err(err).Str("channel", channelID).Msg("pipeline start failed")
			streamError(w, http.StatusBadGateway, "upstream start failed")
			return
		}
		sub, stop = p.subscribe(clientID)
	}
	defer stop()

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("ETag", `"`+uuid.NewString()+`"`)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	onBytes := func(n int) { s.sessions.AddBytes(sess.ID, clientID, int64(n)) }

	if needsDeferred {
		s.sessions.SetState(sess.ID, session.StateDeferring, time.Now().Add(snap.HandoverDeadline()))
		shim := deferred.New(snap.HandoverDeadline(), s.metrics)
		shim.OnBytes = onBytes
		shim.OnHandover = func() { s.sessions.SetState(sess.ID, session.StateStreaming, time.Time{}) }
		err = shim.Serve(r.Context(), w, flusher, sub)
	} else {
		err = s.serveDirect(r.Context(), snap, w, flusher, sub, sess.ID, onBytes, !forceDirect && class.Deferrable())
	}
	// Bytes are already on the wire; whatever happened is an end-of-stream,
	// not a status change.
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, deferred.ErrHandoverDeadline) {
		s.log.Debug().Err(err).Str("session", sess.ID).Msg("stream ended with error")
	}
}

// serveDirect streams frames as they arrive. If the first frame misses the
// first-byte deadline the response fails over to the deferred shim instead
// of erroring: the client keeps a valid TS stream either way.
func (s *streamer) serveDirect(ctx context.Context, snap config.Snapshot, w http.ResponseWriter,
	flusher http.Flusher, sub <-chan transcoder.Frame, sessionID string,
	onBytes func(int), allowShim bool) error {

	firstByte := time.NewTimer(snap.FirstByteDeadline())
	defer firstByte.Stop()

	var first transcoder.Frame
	select {
	case f, ok := <-sub:
		if !ok || f.End {
			return nil
		}
		if f.Err != nil {
			return f.Err
		}
		first = f
	case <-firstByte.C:
		if !allowShim {
			return errors.New("no output before first-byte deadline")
		}
		s.sessions.SetState(sessionID, session.StateDeferring, time.Now().Add(snap.HandoverDeadline()))
		shim := deferred.New(snap.HandoverDeadline(), s.metrics)
		shim.OnBytes = onBytes
		shim.OnHandover = func() { s.sessions.SetState(sessionID, session.StateStreaming, time.Time{}) }
		return shim.Serve(ctx, w, flusher, sub)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.sessions.SetState(sessionID, session.StateStreaming, time.Time{})
	write := func(b []byte) error {
		if _, err := w.Write(b); err != nil {
			return err
		}
		onBytes(len(b))
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	if err := write(first.Bytes); err != nil {
		return err
	}
	for {
		select {
		case f, ok := <-sub:
			if !ok || f.End {
				return nil
			}
			if f.Err != nil {
				return f.Err
			}
			if err := write(f.Bytes); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pickStream chooses the first stream whose upstream is not known
// unreachable, falling back to the first stream when probing rules all of
// them out. Probe results ride the cache so the check is cheap per open.
func (s *streamer) pickStream(ctx context.Context, streams []store.Stream) (store.Stream, *probe.Result) {
	for _, st := range streams {
		res, err := s.probeStream(ctx, st)
		if err == nil {
			return st, res
		}
		if !errors.Is(err, probe.ErrUnreachable) {
			// Unauthorized or unsupported won't improve with failover for a
			// different reason than reachability; let the supervisor try.
			return st, nil
		}
		s.log.Warn().Str("stream", st.StreamID).Msg("stream unreachable, trying next")
	}
	return streams[0], nil
}

// requiresDeferred picks the launch strategy without waiting on a live
// probe: only a known result may choose direct. The first open of an
// unprobed limited upstream gets the shim, so padding starts inside the
// first-byte deadline, and a background probe settles the question for the
// next open.
func (s *streamer) requiresDeferred(st store.Stream, res *probe.Result) bool {
	if res == nil {
		if v, ok := s.cache.Get(cache.KeyProbe(st.StreamID)); ok {
			r := v.(probe.Result)
			res = &r
		}
	}
	if res != nil {
		return res.RequiresDeferredStart
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.probeStream(ctx, st); err != nil {
			s.log.Debug().Err(err).Str("stream", st.StreamID).Msg("background probe failed")
		}
	}()
	return true
}

func (s *streamer) probeStream(ctx context.Context, st store.Stream) (*probe.Result, error) {
	v, err := s.cache.GetOrFill(ctx, cache.KeyProbe(st.StreamID), cache.TTLProbe, false,
		func(ctx context.Context) (any, int64, error) {
			res, err := s.prober.Probe(ctx, upstreamURL(st), st.ConnectionLimits > 0)
			if err != nil {
				return nil, 0, err
			}
			return res, 128, nil
		})
	if err != nil {
		return nil, err
	}
	res := v.(probe.Result)
	return &res, nil
}

// startPipeline builds and registers the transcoder pipeline for a fresh
// session. The pipeline's context is detached from the request: the session
// may outlive the client that created it.
func (s *streamer) startPipeline(ctx context.Context, snap config.Snapshot,
	sessionID string, st store.Stream, class profile.ClientClass) (*pipeline, error) {

	args, err := s.profiles.Args(ctx, snap.TranscoderDefaultProfile, class)
	if err != nil {
		return nil, err
	}
	argv := profile.Expand(args, upstreamURL(st))
	sup := transcoder.New(snap.TranscoderBinaryPath, argv, 0, s.metrics)

	runCtx, cancel := context.WithCancel(context.Background())
	frames := sup.Start(runCtx)
	p := newPipeline(sessionID, sup, cancel, s.log)

	s.mu.Lock()
	s.pipelines[sessionID] = p
	s.mu.Unlock()

	go p.pump(frames, func(reason string) {
		s.sessions.Terminate(sessionID, reason)
	})
	return p, nil
}

// waitPipeline resolves the pipeline for a session a client just joined.
// A creating request registers its pipeline moments after admission, so a
// short poll covers the gap.
func (s *streamer) waitPipeline(ctx context.Context, sessionID string) *pipeline {
	deadline := time.After(time.Second)
	for {
		s.mu.Lock()
		p := s.pipelines[sessionID]
		s.mu.Unlock()
		if p != nil {
			return p
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// release tears down a terminated session's pipeline. Idempotent; safe for
// sessions that never had one.
func (s *streamer) release(sessionID, reason string) {
	s.mu.Lock()
	p := s.pipelines[sessionID]
	delete(s.pipelines, sessionID)
	s.mu.Unlock()
	if p == nil {
		return
	}
	s.log.Debug().Str("session", sessionID).Str("reason", reason).Msg("stopping pipeline")
	p.shutdown()
}

// upstreamURL injects stored credentials as URL userinfo when the stream
// record carries them separately.
func upstreamURL(st store.Stream) string {
	if st.Username == "" {
		return st.URL
	}
	u, err := url.Parse(st.URL)
	if err != nil || u.User != nil {
		return st.URL
	}
	u.User = url.UserPassword(st.Username, st.Password)
	return u.String()
}

// streamError writes a pre-stream failure as a bare JSON envelope. The
// stream endpoint never negotiates XML: before the first TS byte the only
// consumers of its errors are machines.
func streamError(w http.ResponseWriter, status int, msg string) {
	if status > http.StatusInternalServerError {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"size":0,"error":"` + msg + `"}`))
}
