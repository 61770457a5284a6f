package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/observe"
	"github.com/plexbridge/plexbridge/internal/profile"
)

var (
	ErrTunerBusy      = errors.New("session: no tuner slot available")
	ErrStreamCap      = errors.New("session: per-stream cap reached")
	ErrUnknownSession = errors.New("session: unknown session")
)

// preemptIdleAfter is how long a non-Plex session must have gone without
// byte writes before a Plex client may displace it.
const preemptIdleAfter = 10 * time.Second

const sweepInterval = 5 * time.Second

// Limits carries the admission knobs, captured from the live config snapshot
// per call so hot reloads take effect immediately.
type Limits struct {
	MaxConcurrent int
	// PerStream overrides the stream-level cap; 0 means "no cap".
	PerStream int
	// IdleGrace terminates sessions that have had no clients for this long.
	IdleGrace time.Duration
	// IdleCeiling terminates any session without client activity for this long.
	IdleCeiling time.Duration
}

// TerminateFunc is invoked outside the registry lock whenever a session
// ends, with the terminal snapshot and reason. The API layer uses it to tear
// down the session's supervisor.
type TerminateFunc func(snap Snapshot, reason string)

// Registry is the central session table.
type Registry struct {
	metrics     *observe.Metrics
	log         zerolog.Logger
	limits      func() Limits
	onTerminate TerminateFunc

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh chan struct{}
	done   chan struct{}
}

// NewRegistry builds a registry. limits is called on every admission so the
// current config snapshot applies; onTerminate may be nil.
func NewRegistry(m *observe.Metrics, limits func() Limits, onTerminate TerminateFunc) *Registry {
	r := &Registry{
		metrics:     m,
		log:         observe.Component("session"),
		limits:      limits,
		onTerminate: onTerminate,
		sessions:    map[string]*Session{},
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the idle sweeper and terminates every live session.
func (r *Registry) Close() {
	close(r.stopCh)
	<-r.done
	for _, snap := range r.List() {
		r.Terminate(snap.ID, "shutdown")
	}
}

// GetOrCreate attaches the client to an existing shareable session for the
// channel, or admits and creates a new one. joined reports whether an
// existing session was reused.
func (r *Registry) GetOrCreate(channelID, streamID string, shareable bool,
	class profile.ClientClass, clientID, ua, remote string) (snap Snapshot, joined bool, err error) {

	var preempted *Session
	r.mu.Lock()
	if s := r.shareableForLocked(channelID); s != nil {
		r.attachLocked(s, clientID, ua, remote)
		snap = s.snapshotLocked()
		r.mu.Unlock()
		r.log.Debug().Str("session", snap.ID).Str("client", clientID).Msg("client joined existing session")
		return snap, true, nil
	}

	preempted, err = r.admitLocked(channelID, streamID, class)
	if err != nil {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.AdmissionDenied.Inc()
		}
		return Snapshot{}, false, err
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		ChannelID:    channelID,
		StreamID:     streamID,
		Class:        class,
		Shareable:    shareable,
		CreatedAt:    now,
		state:        StateInitializing,
		lastActivity: now,
		clients:      map[string]*ClientBinding{},
	}
	r.attachLocked(s, clientID, ua, remote)
	r.sessions[s.ID] = s
	if r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
		r.metrics.SessionsByChannel.WithLabelValues(channelID).Inc()
	}
	snap = s.snapshotLocked()
	r.mu.Unlock()

	if preempted != nil {
		r.Terminate(preempted.ID, "preempted by plex client")
	}
	r.log.Info().
		Str("session", snap.ID).
		Str("channel", channelID).
		Str("stream", streamID).
		Str("class", string(class)).
		Bool("shareable", shareable).
		Msg("session created")
	return snap, false, nil
}

// shareableForLocked finds a live shareable session on the channel.
func (r *Registry) shareableForLocked(channelID string) *Session {
	for _, s := range r.sessions {
		if s.ChannelID == channelID && s.Shareable && s.state != StateTerminated && s.state != StateDraining {
			return s
		}
	}
	return nil
}

// admitLocked applies the tuner admission policy. It may return a victim
// session to pre-empt; the caller terminates it after releasing the lock.
func (r *Registry) admitLocked(channelID, streamID string, class profile.ClientClass) (*Session, error) {
	lim := r.limits()

	if lim.PerStream > 0 {
		onStream := 0
		for _, s := range r.sessions {
			if s.StreamID == streamID && s.state != StateTerminated {
				onStream++
			}
		}
		if onStream >= lim.PerStream {
			return nil, ErrStreamCap
		}
	}

	if lim.MaxConcurrent <= 0 || len(r.sessions) < lim.MaxConcurrent {
		return nil, nil
	}

	// Full house. Plex clients may displace one idle non-Plex session. The
	// victim stays in the table, marked draining so it cannot be picked
	// twice; Terminate owns its removal once the lock is released.
	if plexClass(class) {
		now := time.Now()
		for _, s := range r.sessions {
			if !plexClass(s.Class) && s.state != StateTerminated && s.state != StateDraining &&
				now.Sub(s.lastActivity) >= preemptIdleAfter {
				s.state = StateDraining
				return s, nil
			}
		}
	}
	return nil, ErrTunerBusy
}

func (r *Registry) attachLocked(s *Session, clientID, ua, remote string) {
	now := time.Now()
	s.clients[clientID] = &ClientBinding{
		ClientID:   clientID,
		RemoteAddr: remote,
		UserAgent:  ua,
		AttachedAt: now,
	}
	s.lastActivity = now
}

// Attach adds a client to an existing session.
func (r *Registry) Attach(sessionID, clientID, ua, remote string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	r.attachLocked(s, clientID, ua, remote)
	return nil
}

// Detach removes a client. The session itself lingers until the idle sweep
// or an explicit terminate; a brief client gap (Plex reconnects) must not
// kill the upstream.
func (r *Registry) Detach(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if c, ok := s.clients[clientID]; ok {
		c.EndedAt = time.Now()
		delete(s.clients, clientID)
	}
	// The grace window for an emptied session starts at the detach, not at
	// the last byte.
	if len(s.clients) == 0 {
		s.lastActivity = time.Now()
	}
}

// Touch refreshes a session's activity clock.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.lastActivity = time.Now()
	}
}

// AddBytes credits delivered bytes to a client binding and refreshes
// activity.
func (r *Registry) AddBytes(sessionID, clientID string, n int64) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		if c, ok := s.clients[clientID]; ok {
			c.Bytes += n
		}
		s.lastActivity = time.Now()
	}
	channel := ""
	if ok {
		channel = s.ChannelID
	}
	r.mu.Unlock()
	if ok && r.metrics != nil {
		r.metrics.SessionBytes.WithLabelValues(channel).Add(float64(n))
	}
}

// SetState moves a session through its lifecycle. Deferring sessions record
// their handover deadline.
func (r *Registry) SetState(sessionID string, state State, deferredUntil time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.state = state
		s.deferredUntil = deferredUntil
	}
}

// Terminate removes a session and fires the terminate hook.
func (r *Registry) Terminate(sessionID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	s.state = StateTerminated
	snap := s.snapshotLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
		r.metrics.SessionsByChannel.WithLabelValues(snap.ChannelID).Dec()
	}
	r.log.Info().Str("session", sessionID).Str("reason", reason).Int64("bytes", snap.TotalBytes).Msg("session terminated")
	if r.onTerminate != nil {
		r.onTerminate(snap, reason)
	}
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s.snapshotLocked(), true
	}
	return Snapshot{}, false
}

// List snapshots every live session.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshotLocked())
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sweepLoop() {
	defer close(r.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep terminates sessions with no clients beyond the grace window and any
// session inactive beyond the idle ceiling.
func (r *Registry) sweep() {
	lim := r.limits()
	now := time.Now()

	type victim struct {
		id     string
		reason string
	}
	var victims []victim
	r.mu.Lock()
	for _, s := range r.sessions {
		switch {
		case len(s.clients) == 0 && now.Sub(s.lastActivity) > lim.IdleGrace:
			victims = append(victims, victim{s.ID, "no clients"})
		case now.Sub(s.lastActivity) > lim.IdleCeiling:
			victims = append(victims, victim{s.ID, "idle ceiling"})
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.Terminate(v.id, v.reason)
	}
}
