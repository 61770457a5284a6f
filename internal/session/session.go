// Package session is the registry of live streaming sessions and the tuner
// admission policy. All session mutations flow through the Registry; nothing
// else in the process holds mutable shared streaming state.
package session

import (
	"time"

	"github.com/plexbridge/plexbridge/internal/profile"
)

// State is a session's lifecycle phase.
type State int

const (
	StateInitializing State = iota
	StateDeferring
	StateStreaming
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateDeferring:
		return "deferring"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ClientBinding is one downstream HTTP consumer attached to a session.
type ClientBinding struct {
	ClientID   string
	RemoteAddr string
	UserAgent  string
	Bytes      int64
	AttachedAt time.Time
	EndedAt    time.Time
}

// Session is one upstream-to-downstream streaming instance. Fields are
// mutated only under the registry lock; external readers get Snapshots.
type Session struct {
	ID        string
	ChannelID string
	StreamID  string
	Class     profile.ClientClass
	Shareable bool
	CreatedAt time.Time

	state         State
	lastActivity  time.Time
	deferredUntil time.Time
	clients       map[string]*ClientBinding
}

// Snapshot is a point-in-time copy of a session for diagnostics and the
// live-sessions endpoint.
type Snapshot struct {
	ID            string                 `json:"id"`
	ChannelID     string                 `json:"channel_id"`
	StreamID      string                 `json:"stream_id"`
	Class         string                 `json:"client_class"`
	Shareable     bool                   `json:"shareable"`
	State         string                 `json:"state"`
	CreatedAt     time.Time              `json:"created_at"`
	LastActivity  time.Time              `json:"last_activity_at"`
	DeferredUntil time.Time              `json:"deferred_until,omitzero"`
	Clients       []ClientBindingSummary `json:"clients"`
	TotalBytes    int64                  `json:"total_bytes"`
}

// ClientBindingSummary is the exported view of one attached client.
type ClientBindingSummary struct {
	ClientID   string    `json:"client_id"`
	RemoteAddr string    `json:"remote_addr"`
	UserAgent  string    `json:"user_agent"`
	Bytes      int64     `json:"bytes"`
	AttachedAt time.Time `json:"attached_at"`
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:            s.ID,
		ChannelID:     s.ChannelID,
		StreamID:      s.StreamID,
		Class:         string(s.Class),
		Shareable:     s.Shareable,
		State:         s.state.String(),
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.lastActivity,
		DeferredUntil: s.deferredUntil,
	}
	for _, c := range s.clients {
		snap.Clients = append(snap.Clients, ClientBindingSummary{
			ClientID:   c.ClientID,
			RemoteAddr: c.RemoteAddr,
			UserAgent:  c.UserAgent,
			Bytes:      c.Bytes,
			AttachedAt: c.AttachedAt,
		})
		snap.TotalBytes += c.Bytes
	}
	return snap
}

// plexClass reports whether a client class belongs to the Plex family and
// therefore gets contention preference.
func plexClass(c profile.ClientClass) bool {
	return c != profile.Fallback
}
