package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Channel is a virtual tuner channel presented to Plex.
type Channel struct {
	ChannelID     string
	ChannelNumber int
	Name          string
	LogoURL       string
	EPGID         string
	Enabled       bool
}

// Stream is one playable source belonging to a channel.
// ConnectionLimits=1 means the upstream tolerates a single live connection
// and therefore requires the deferred-start path.
type Stream struct {
	StreamID         string
	ChannelID        string
	URL              string
	Kind             string
	Username         string
	Password         string
	Headers          map[string]string
	Enabled          bool
	ConnectionLimits int
}

// UpsertChannel inserts or replaces a channel row.
func (s *Store) UpsertChannel(ctx context.Context, c Channel) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel_id, channel_number, name, logo_url, epg_id, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			channel_number=excluded.channel_number, name=excluded.name,
			logo_url=excluded.logo_url, epg_id=excluded.epg_id, enabled=excluded.enabled`,
		c.ChannelID, c.ChannelNumber, c.Name, c.LogoURL, c.EPGID, boolInt(c.Enabled))
	return wrapErr(err)
}

// DeleteChannel removes the channel; stream rows cascade.
func (s *Store) DeleteChannel(ctx context.Context, channelID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, channelID)
	return wrapErr(err)
}

// GetChannel returns a channel by id or ErrNotFound.
func (s *Store) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_id, channel_number, name, logo_url, epg_id, enabled
		FROM channels WHERE channel_id = ?`, channelID)
	return scanChannel(row)
}

// EnabledChannels returns all enabled channels ordered by channel number.
func (s *Store) EnabledChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, channel_number, name, logo_url, epg_id, enabled
		FROM channels WHERE enabled = 1 ORDER BY channel_number`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, wrapErr(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (Channel, error) {
	var c Channel
	var enabled int
	err := r.Scan(&c.ChannelID, &c.ChannelNumber, &c.Name, &c.LogoURL, &c.EPGID, &enabled)
	if err != nil {
		return Channel{}, wrapErr(err)
	}
	c.Enabled = enabled != 0
	return c, nil
}

// UpsertStream inserts or replaces a stream row.
func (s *Store) UpsertStream(ctx context.Context, st Stream) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return upsertStreamExec(ctx, s.db, st)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertStreamExec(ctx context.Context, db execer, st Stream) error {
	headers := ""
	if len(st.Headers) > 0 {
		b, err := json.Marshal(st.Headers)
		if err != nil {
			return err
		}
		headers = string(b)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO streams (stream_id, channel_id, url, kind, username, password, headers, enabled, connection_limits)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			channel_id=excluded.channel_id, url=excluded.url, kind=excluded.kind,
			username=excluded.username, password=excluded.password, headers=excluded.headers,
			enabled=excluded.enabled, connection_limits=excluded.connection_limits`,
		st.StreamID, st.ChannelID, st.URL, st.Kind, st.Username, st.Password,
		headers, boolInt(st.Enabled), st.ConnectionLimits)
	return wrapErr(err)
}

// StreamsForChannel returns the enabled streams of a channel in insertion order.
func (s *Store) StreamsForChannel(ctx context.Context, channelID string) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, channel_id, url, kind, username, password, headers, enabled, connection_limits
		FROM streams WHERE channel_id = ? AND enabled = 1 ORDER BY rowid`, channelID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		var st Stream
		var headers string
		var enabled int
		if err := rows.Scan(&st.StreamID, &st.ChannelID, &st.URL, &st.Kind,
			&st.Username, &st.Password, &headers, &enabled, &st.ConnectionLimits); err != nil {
			return nil, wrapErr(err)
		}
		st.Enabled = enabled != 0
		if headers != "" {
			_ = json.Unmarshal([]byte(headers), &st.Headers)
		}
		out = append(out, st)
	}
	return out, wrapErr(rows.Err())
}

// StreamExists reports whether a stream with the given URL and channel display
// name is already present. Used by the importer for idempotent re-imports.
func (s *Store) StreamExists(ctx context.Context, url, displayName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM streams st
		JOIN channels c ON c.channel_id = st.channel_id
		WHERE st.url = ? AND c.name = ?`, url, displayName).Scan(&n)
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

// NextChannelNumber returns the smallest channel number greater than every
// number currently assigned to an enabled channel.
func (s *Store) NextChannelNumber(ctx context.Context) (int, error) {
	var maxNum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(channel_number) FROM channels WHERE enabled = 1`).Scan(&maxNum)
	if err != nil {
		return 0, wrapErr(err)
	}
	return int(maxNum.Int64) + 1, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
