package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EPGSource is one XMLTV feed subscription.
type EPGSource struct {
	SourceID        string
	URL             string
	RefreshInterval string // human-readable duration, e.g. "6h"
	Enabled         bool
	Category        string
	LastRefresh     time.Time
	LastSuccess     time.Time
	LastError       string
}

// EPGChannel is a <channel> record sourced from XMLTV.
type EPGChannel struct {
	SourceID       string
	XMLTVChannelID string
	DisplayName    string
	IconURL        string
	RefreshedAt    time.Time
}

// Program flag bits.
const (
	ProgramLive = 1 << iota
	ProgramPremiere
	ProgramFinale
	ProgramNew
	ProgramHD
)

// EPGProgram is one guide entry keyed (XMLTVChannelID, Start). Times are UTC.
type EPGProgram struct {
	SourceID       string
	XMLTVChannelID string
	Start          time.Time
	End            time.Time
	Title          string
	Subtitle       string
	Description    string
	Category       string
	Flags          int
	Season         int
	Episode        int
	Year           int
	Rating         string
}

// GuideRow is one program joined with its mapped channel, or an orphan row
// surfaced under a synthetic channel.
type GuideRow struct {
	ChannelID     string // empty for orphans
	ChannelNumber int    // OrphanChannelNumber for orphans
	ChannelName   string
	Program       EPGProgram
}

// OrphanChannelNumber is the sentinel GuideNumber used for programs whose
// XMLTV channel id has no mapped channel.
const OrphanChannelNumber = 9999

// UpsertEPGSource inserts or replaces a source row.
func (s *Store) UpsertEPGSource(ctx context.Context, src EPGSource) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epg_sources (source_id, url, refresh_interval, enabled, category, last_refresh, last_success, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			url=excluded.url, refresh_interval=excluded.refresh_interval,
			enabled=excluded.enabled, category=excluded.category,
			last_refresh=excluded.last_refresh, last_success=excluded.last_success,
			last_error=excluded.last_error`,
		src.SourceID, src.URL, src.RefreshInterval, boolInt(src.Enabled), src.Category,
		src.LastRefresh.Unix(), src.LastSuccess.Unix(), src.LastError)
	return wrapErr(err)
}

// EnabledEPGSources returns all enabled sources.
func (s *Store) EnabledEPGSources(ctx context.Context) ([]EPGSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, url, refresh_interval, enabled, category, last_refresh, last_success, last_error
		FROM epg_sources WHERE enabled = 1 ORDER BY source_id`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []EPGSource
	for rows.Next() {
		var src EPGSource
		var enabled int
		var lastRefresh, lastSuccess int64
		if err := rows.Scan(&src.SourceID, &src.URL, &src.RefreshInterval, &enabled,
			&src.Category, &lastRefresh, &lastSuccess, &src.LastError); err != nil {
			return nil, wrapErr(err)
		}
		src.Enabled = enabled != 0
		src.LastRefresh = time.Unix(lastRefresh, 0).UTC()
		src.LastSuccess = time.Unix(lastSuccess, 0).UTC()
		out = append(out, src)
	}
	return out, wrapErr(rows.Err())
}

// MarkEPGRefresh records the outcome of a refresh attempt on the source row.
func (s *Store) MarkEPGRefresh(ctx context.Context, sourceID string, success bool, errMsg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	now := time.Now().Unix()
	var err error
	if success {
		_, err = s.db.ExecContext(ctx, `
			UPDATE epg_sources SET last_refresh = ?, last_success = ?, last_error = '' WHERE source_id = ?`,
			now, now, sourceID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE epg_sources SET last_refresh = ?, last_error = ? WHERE source_id = ?`,
			now, errMsg, sourceID)
	}
	return wrapErr(err)
}

// programRetention is how long a program is kept after it has ended.
// Timeline lookups only need the recent past; older rows are dead weight.
const programRetention = 24 * time.Hour

// EPGRefresh is an in-progress atomic refresh of one source. Channels and
// programs arrive in batches so a large feed never has to be materialized
// whole; Commit finalizes with the vanished-row purge, Rollback abandons
// everything. The store's write lock is held for the refresh's lifetime, so
// every Begin must be paired with exactly one Commit or Rollback.
type EPGRefresh struct {
	s        *Store
	tx       *sql.Tx
	sourceID string
	keep     map[string]struct{}
	done     bool
}

// BeginEPGRefresh opens a refresh transaction for a source and purges rows
// ended longer than programRetention ago. Timeline lookups only need the
// recent past; older rows are dead weight.
func (s *Store) BeginEPGRefresh(ctx context.Context, sourceID string) (*EPGRefresh, error) {
	s.writeMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return nil, wrapErr(err)
	}
	r := &EPGRefresh{s: s, tx: tx, sourceID: sourceID, keep: map[string]struct{}{}}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM epg_programs WHERE source_id = ? AND end_time < ?`,
		sourceID, time.Now().Add(-programRetention).UTC().Unix()); err != nil {
		r.Rollback()
		return nil, wrapErr(err)
	}
	return r, nil
}

// AddChannels upserts one batch of <channel> records.
func (r *EPGRefresh) AddChannels(ctx context.Context, channels []EPGChannel) error {
	now := time.Now().Unix()
	for _, ch := range channels {
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO epg_channels (source_id, xmltv_channel_id, display_name, icon_url, refreshed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_id, xmltv_channel_id) DO UPDATE SET
				display_name=excluded.display_name, icon_url=excluded.icon_url,
				refreshed_at=excluded.refreshed_at`,
			r.sourceID, ch.XMLTVChannelID, ch.DisplayName, ch.IconURL, now); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

// AddPrograms upserts one batch of programs. Before each insert any existing
// program on the same XMLTV channel whose time range intersects the incoming
// one is removed, so the later-parsed program wins and stored rows never
// overlap.
func (r *EPGRefresh) AddPrograms(ctx context.Context, programs []EPGProgram) error {
	for _, p := range programs {
		if !p.End.After(p.Start) {
			return fmt.Errorf("%w: program %q end before start", ErrConstraint, p.Title)
		}
		if _, err := r.tx.ExecContext(ctx, `
			DELETE FROM epg_programs
			WHERE xmltv_channel_id = ? AND start_time < ? AND end_time > ?`,
			p.XMLTVChannelID, p.End.UTC().Unix(), p.Start.UTC().Unix()); err != nil {
			return wrapErr(err)
		}
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO epg_programs (source_id, xmltv_channel_id, start_time, end_time,
				title, subtitle, description, category, flags, season, episode, year, rating)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(xmltv_channel_id, start_time) DO UPDATE SET
				source_id=excluded.source_id, end_time=excluded.end_time,
				title=excluded.title, subtitle=excluded.subtitle,
				description=excluded.description, category=excluded.category,
				flags=excluded.flags, season=excluded.season, episode=excluded.episode,
				year=excluded.year, rating=excluded.rating`,
			r.sourceID, p.XMLTVChannelID, p.Start.UTC().Unix(), p.End.UTC().Unix(),
			p.Title, p.Subtitle, p.Description, p.Category,
			p.Flags, p.Season, p.Episode, p.Year, p.Rating); err != nil {
			return wrapErr(err)
		}
		r.keep[p.XMLTVChannelID+"\x00"+p.Start.UTC().Format(time.RFC3339)] = struct{}{}
	}
	return nil
}

// Commit purges in-window rows of this source that the new payload no longer
// carries, then commits. A refresh is all-or-nothing per source.
func (r *EPGRefresh) Commit(ctx context.Context, windowStart, windowEnd time.Time) error {
	if err := r.purgeVanished(ctx, windowStart, windowEnd); err != nil {
		r.Rollback()
		return err
	}
	err := wrapErr(r.tx.Commit())
	r.done = true
	r.s.writeMu.Unlock()
	return err
}

// Rollback abandons the refresh, leaving prior guide data untouched.
// Idempotent; safe after a Commit.
func (r *EPGRefresh) Rollback() {
	if r.done {
		return
	}
	r.done = true
	_ = r.tx.Rollback()
	r.s.writeMu.Unlock()
}

func (r *EPGRefresh) purgeVanished(ctx context.Context, windowStart, windowEnd time.Time) error {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT xmltv_channel_id, start_time FROM epg_programs
		WHERE source_id = ? AND start_time >= ? AND start_time < ?`,
		r.sourceID, windowStart.UTC().Unix(), windowEnd.UTC().Unix())
	if err != nil {
		return wrapErr(err)
	}
	type key struct {
		ch    string
		start int64
	}
	var stale []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.ch, &k.start); err != nil {
			rows.Close()
			return wrapErr(err)
		}
		id := k.ch + "\x00" + time.Unix(k.start, 0).UTC().Format(time.RFC3339)
		if _, ok := r.keep[id]; !ok {
			stale = append(stale, k)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapErr(err)
	}
	for _, k := range stale {
		if _, err := r.tx.ExecContext(ctx, `
			DELETE FROM epg_programs WHERE xmltv_channel_id = ? AND start_time = ?`,
			k.ch, k.start); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

// CommitEPGRefresh writes one source's refresh from fully-materialized
// slices. Convenience over the batched EPGRefresh API for small payloads
// and tests.
func (s *Store) CommitEPGRefresh(ctx context.Context, sourceID string,
	channels []EPGChannel, programs []EPGProgram, windowStart, windowEnd time.Time) error {

	r, err := s.BeginEPGRefresh(ctx, sourceID)
	if err != nil {
		return err
	}
	if err := r.AddChannels(ctx, channels); err != nil {
		r.Rollback()
		return err
	}
	if err := r.AddPrograms(ctx, programs); err != nil {
		r.Rollback()
		return err
	}
	return r.Commit(ctx, windowStart, windowEnd)
}

// ResolveEPGChannel finds the EPG channel for an epg_id across sources.
// First match wins; ties broken by most-recently-refreshed source.
func (s *Store) ResolveEPGChannel(ctx context.Context, xmltvChannelID string) (EPGChannel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, xmltv_channel_id, display_name, icon_url, refreshed_at
		FROM epg_channels WHERE xmltv_channel_id = ?
		ORDER BY refreshed_at DESC LIMIT 1`, xmltvChannelID)
	var ch EPGChannel
	var refreshedAt int64
	if err := row.Scan(&ch.SourceID, &ch.XMLTVChannelID, &ch.DisplayName, &ch.IconURL, &refreshedAt); err != nil {
		return EPGChannel{}, wrapErr(err)
	}
	ch.RefreshedAt = time.Unix(refreshedAt, 0).UTC()
	return ch, nil
}

// NowNext returns the currently-airing program and up to one following
// program for an XMLTV channel id.
func (s *Store) NowNext(ctx context.Context, xmltvChannelID string, now time.Time) (current *EPGProgram, next *EPGProgram, err error) {
	nowUnix := now.UTC().Unix()
	row := s.db.QueryRowContext(ctx, programSelect+`
		WHERE xmltv_channel_id = ? AND start_time <= ? AND end_time > ?
		ORDER BY start_time DESC LIMIT 1`, xmltvChannelID, nowUnix, nowUnix)
	if p, scanErr := scanProgram(row); scanErr == nil {
		current = &p
	} else if scanErr != ErrNotFound {
		return nil, nil, scanErr
	}
	row = s.db.QueryRowContext(ctx, programSelect+`
		WHERE xmltv_channel_id = ? AND start_time > ?
		ORDER BY start_time ASC LIMIT 1`, xmltvChannelID, nowUnix)
	if p, scanErr := scanProgram(row); scanErr == nil {
		next = &p
	} else if scanErr != ErrNotFound {
		return nil, nil, scanErr
	}
	return current, next, nil
}

const programSelect = `
	SELECT source_id, xmltv_channel_id, start_time, end_time, title, subtitle,
		description, category, flags, season, episode, year, rating
	FROM epg_programs`

func scanProgram(r rowScanner) (EPGProgram, error) {
	var p EPGProgram
	var start, end int64
	err := r.Scan(&p.SourceID, &p.XMLTVChannelID, &start, &end, &p.Title, &p.Subtitle,
		&p.Description, &p.Category, &p.Flags, &p.Season, &p.Episode, &p.Year, &p.Rating)
	if err != nil {
		return EPGProgram{}, wrapErr(err)
	}
	p.Start = time.Unix(start, 0).UTC()
	p.End = time.Unix(end, 0).UTC()
	return p, nil
}

// GuideWindow returns all programs in [from, to) joined against mapped
// channels. Orphaned programs (no channel has their epg_id) surface under a
// synthetic "EPG Channel" row with ChannelNumber OrphanChannelNumber so no
// program is ever dropped from the guide.
func (s *Store) GuideWindow(ctx context.Context, from, to time.Time) ([]GuideRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.source_id, p.xmltv_channel_id, p.start_time, p.end_time, p.title,
			p.subtitle, p.description, p.category, p.flags, p.season, p.episode, p.year, p.rating,
			COALESCE(c.channel_id, ''), COALESCE(c.channel_number, 0), COALESCE(c.name, ''),
			COALESCE(e.display_name, '')
		FROM epg_programs p
		LEFT JOIN channels c ON c.epg_id = p.xmltv_channel_id AND c.enabled = 1
		LEFT JOIN epg_channels e ON e.xmltv_channel_id = p.xmltv_channel_id AND e.source_id = p.source_id
		WHERE p.start_time < ? AND p.end_time > ?
		ORDER BY p.xmltv_channel_id, p.start_time`,
		to.UTC().Unix(), from.UTC().Unix())
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []GuideRow
	for rows.Next() {
		var g GuideRow
		var p EPGProgram
		var start, end int64
		var epgDisplay string
		if err := rows.Scan(&p.SourceID, &p.XMLTVChannelID, &start, &end, &p.Title,
			&p.Subtitle, &p.Description, &p.Category, &p.Flags, &p.Season, &p.Episode,
			&p.Year, &p.Rating,
			&g.ChannelID, &g.ChannelNumber, &g.ChannelName, &epgDisplay); err != nil {
			return nil, wrapErr(err)
		}
		p.Start = time.Unix(start, 0).UTC()
		p.End = time.Unix(end, 0).UTC()
		g.Program = p
		if g.ChannelID == "" {
			g.ChannelNumber = OrphanChannelNumber
			g.ChannelName = epgDisplay
			if g.ChannelName == "" {
				g.ChannelName = "EPG Channel " + p.XMLTVChannelID
			}
		}
		out = append(out, g)
	}
	return out, wrapErr(rows.Err())
}

// ProgramCount returns the number of stored programs for a source.
func (s *Store) ProgramCount(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM epg_programs WHERE source_id = ?`, sourceID).Scan(&n)
	return n, wrapErr(err)
}
