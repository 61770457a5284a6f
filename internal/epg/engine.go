// Package epg schedules XMLTV source refreshes and serves guide lookups.
// Each enabled source gets its own timer; refreshes stream-parse the feed and
// commit atomically, so readers always see either the full old or full new
// program set for a source.
package epg

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"

	"github.com/plexbridge/plexbridge/internal/cache"
	"github.com/plexbridge/plexbridge/internal/httpclient"
	"github.com/plexbridge/plexbridge/internal/observe"
	"github.com/plexbridge/plexbridge/internal/store"
)

var (
	ErrSourceUnreachable = errors.New("epg: source unreachable")
	ErrParse             = errors.New("epg: parse failure")
	ErrStorage           = errors.New("epg: storage failure")
	ErrStoredZero        = errors.New("epg: refresh stored zero programs")
	ErrUnknownSource     = errors.New("epg: unknown or disabled source")
)

// refreshDeadline is the hard per-source budget for one refresh, download
// and commit included.
const refreshDeadline = 10 * time.Minute

// defaultInterval backs sources with a missing or unparseable refresh
// interval.
const defaultInterval = 12 * time.Hour

// Engine owns the refresh scheduler and guide read paths.
type Engine struct {
	st      *store.Store
	client  *http.Client
	cache   *cache.Cache
	metrics *observe.Metrics
	log     zerolog.Logger

	cron *cron.Cron
	sem  *semaphore.Weighted

	mu       sync.Mutex
	entries  map[string]cron.EntryID
	running  map[string]bool
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

// New builds an Engine. parallelism caps concurrent source refreshes.
func New(st *store.Store, client *http.Client, c *cache.Cache, m *observe.Metrics, parallelism int) *Engine {
	if client == nil {
		client = httpclient.WithTimeout(refreshDeadline)
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return &Engine{
		st:       st,
		client:   client,
		cache:    c,
		metrics:  m,
		log:      observe.Component("epg"),
		cron:     cron.New(),
		sem:      semaphore.NewWeighted(int64(parallelism)),
		entries:  map[string]cron.EntryID{},
		running:  map[string]bool{},
		breakers: map[string]*gobreaker.CircuitBreaker[struct{}]{},
	}
}

// Start schedules every enabled source and begins firing timers. Sources
// whose last success predates their interval are refreshed immediately.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Reschedule(ctx); err != nil {
		return err
	}
	e.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for in-flight refreshes started by it.
func (e *Engine) Stop() {
	<-e.cron.Stop().Done()
}

// Reschedule reloads enabled sources and rebuilds the timer set. Called at
// startup and after any admin change to the source table.
func (e *Engine) Reschedule(ctx context.Context) error {
	sources, err := e.st.EnabledEPGSources(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, entry := range e.entries {
		e.cron.Remove(entry)
		delete(e.entries, id)
	}
	for _, src := range sources {
		src := src
		interval := e.interval(src)
		entry, err := e.cron.AddFunc("@every "+interval.String(), func() {
			e.refresh(src.SourceID)
		})
		if err != nil {
			return err
		}
		e.entries[src.SourceID] = entry
		e.log.Info().Str("source", src.SourceID).Dur("interval", interval).Msg("source scheduled")

		if time.Since(src.LastSuccess) >= interval {
			go e.refresh(src.SourceID)
		}
	}
	return nil
}

func (e *Engine) interval(src store.EPGSource) time.Duration {
	d, err := time.ParseDuration(src.RefreshInterval)
	if err != nil || d < time.Minute {
		e.log.Warn().Str("source", src.SourceID).Str("interval", src.RefreshInterval).Msg("bad refresh interval, using default")
		return defaultInterval
	}
	return d
}

// refresh runs one refresh fire-and-forget from a timer. At most one refresh
// per source is in flight at a time; overlapping fires are dropped.
func (e *Engine) refresh(sourceID string) {
	e.mu.Lock()
	if e.running[sourceID] {
		e.mu.Unlock()
		return
	}
	e.running[sourceID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, sourceID)
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), refreshDeadline)
	defer cancel()
	if err := e.RefreshSource(ctx, sourceID); err != nil {
		e.log.Error().Err(err).Str("source", sourceID).Msg("refresh failed")
	}
}

// RefreshSource performs one full refresh of a source and records the
// outcome on its row. Failures leave prior guide data untouched.
func (e *Engine) RefreshSource(ctx context.Context, sourceID string) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	src, err := e.source(ctx, sourceID)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = e.breaker(sourceID).Execute(func() (struct{}, error) {
		return struct{}{}, e.runRefresh(ctx, src)
	})
	if err != nil {
		e.metrics.EPGRefreshFail.WithLabelValues(sourceID).Inc()
		if markErr := e.st.MarkEPGRefresh(ctx, sourceID, false, err.Error()); markErr != nil {
			e.log.Error().Err(markErr).Str("source", sourceID).Msg("recording refresh failure failed")
		}
		return err
	}
	e.metrics.EPGRefreshOK.WithLabelValues(sourceID).Inc()
	if err := e.st.MarkEPGRefresh(ctx, sourceID, true, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	e.log.Info().Str("source", sourceID).Dur("took", time.Since(start)).Msg("refresh complete")
	return nil
}

func (e *Engine) source(ctx context.Context, sourceID string) (store.EPGSource, error) {
	sources, err := e.st.EnabledEPGSources(ctx)
	if err != nil {
		return store.EPGSource{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, src := range sources {
		if src.SourceID == sourceID {
			return src, nil
		}
	}
	return store.EPGSource{}, fmt.Errorf("%w: %q", ErrUnknownSource, sourceID)
}

func (e *Engine) breaker(sourceID string) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[sourceID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "epg-" + sourceID,
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})
	e.breakers[sourceID] = cb
	return cb
}

// refreshBatch bounds how many parsed records are held before a flush, so a
// season-deep feed never sits in memory whole.
const refreshBatch = 500

func (e *Engine) runRefresh(ctx context.Context, src store.EPGSource) error {
	body, err := e.fetch(ctx, src.URL)
	if err != nil {
		return err
	}
	// Spool the feed to disk before the transaction opens. The refresh
	// transaction pins the store's one connection, so it must not sit
	// behind a slow download.
	spool, err := os.CreateTemp("", "epg-feed-*.xml")
	if err != nil {
		body.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	_, copyErr := io.Copy(spool, body)
	body.Close()
	if copyErr != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreachable, copyErr)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	ref, err := e.st.BeginEPGRefresh(ctx, src.SourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer ref.Rollback()

	var (
		channels  []store.EPGChannel
		programs  []store.EPGProgram
		nChannels int
		nPrograms int
		minStart  time.Time
		maxStart  time.Time
	)
	flushChannels := func() error {
		if err := ref.AddChannels(ctx, channels); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		channels = channels[:0]
		return nil
	}
	flushPrograms := func() error {
		if err := ref.AddPrograms(ctx, programs); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		programs = programs[:0]
		return nil
	}
	err = parseXMLTV(spool,
		func(ch store.EPGChannel) error {
			ch.SourceID = src.SourceID
			channels = append(channels, ch)
			nChannels++
			if len(channels) >= refreshBatch {
				if err := flushChannels(); err != nil {
					return err
				}
			}
			return ctx.Err()
		},
		func(p store.EPGProgram) error {
			p.SourceID = src.SourceID
			if minStart.IsZero() || p.Start.Before(minStart) {
				minStart = p.Start
			}
			if p.Start.After(maxStart) {
				maxStart = p.Start
			}
			programs = append(programs, p)
			nPrograms++
			if len(programs) >= refreshBatch {
				if err := flushPrograms(); err != nil {
					return err
				}
			}
			return ctx.Err()
		})
	if err != nil {
		return err
	}
	if nPrograms == 0 {
		// Parse succeeded but produced nothing; keep prior data and surface a
		// distinct failure so operators see the feed went hollow.
		return ErrStoredZero
	}
	if err := flushChannels(); err != nil {
		return err
	}
	if err := flushPrograms(); err != nil {
		return err
	}

	if err := ref.Commit(ctx, minStart, maxStart.Add(time.Second)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	e.log.Debug().
		Str("source", src.SourceID).
		Int("channels", nChannels).
		Int("programs", nPrograms).
		Msg("refresh committed")
	return nil
}

// fetch retrieves the feed and unwraps gzip or brotli transparently, whether
// signalled by Content-Encoding, by URL suffix, or by magic bytes.
func (e *Engine) fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	req.Header.Set("Accept-Encoding", "gzip, br")
	resp, err := httpclient.DoWithRetry(ctx, e.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnreachable, resp.StatusCode)
	}
	return decompress(resp.Body, resp.Header.Get("Content-Encoding"), req.URL.Path)
}

func decompress(body io.ReadCloser, contentEncoding, urlPath string) (io.ReadCloser, error) {
	enc := strings.ToLower(contentEncoding)
	path := strings.ToLower(urlPath)
	switch {
	case enc == "br" || strings.HasSuffix(path, ".br"):
		return readCloser{brotli.NewReader(body), body}, nil
	case enc == "gzip" || strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return readCloser{zr, body}, nil
	}
	// No declared encoding; sniff for a gzip magic in case the server lies.
	br := &peekReader{r: body}
	head, _ := br.Peek(2)
	if len(head) == 2 && head[0] == 0x1F && head[1] == 0x8B {
		zr, err := gzip.NewReader(br)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return readCloser{zr, body}, nil
	}
	return readCloser{br, body}, nil
}

type readCloser struct {
	io.Reader
	c io.Closer
}

func (rc readCloser) Close() error { return rc.c.Close() }

// peekReader is a minimal buffered reader that can give back peeked bytes.
type peekReader struct {
	r   io.Reader
	buf []byte
}

func (p *peekReader) Peek(n int) ([]byte, error) {
	for len(p.buf) < n {
		tmp := make([]byte, n-len(p.buf))
		m, err := p.r.Read(tmp)
		p.buf = append(p.buf, tmp[:m]...)
		if err != nil {
			return p.buf, err
		}
	}
	return p.buf[:n], nil
}

func (p *peekReader) Read(out []byte) (int, error) {
	if len(p.buf) > 0 {
		n := copy(out, p.buf)
		p.buf = p.buf[n:]
		return n, nil
	}
	return p.r.Read(out)
}

// NowNext returns the airing and upcoming program for a channel via the
// cache; a channel without an EPG mapping yields two nils.
func (e *Engine) NowNext(ctx context.Context, ch store.Channel) (current, next *store.EPGProgram, err error) {
	if ch.EPGID == "" {
		return nil, nil, nil
	}
	type pair struct{ cur, next *store.EPGProgram }
	v, err := e.cache.GetOrFill(ctx, cache.KeyNowNext(ch.ChannelID), cache.TTLNowNext, true,
		func(ctx context.Context) (any, int64, error) {
			cur, nxt, err := e.st.NowNext(ctx, ch.EPGID, time.Now())
			if err != nil {
				return nil, 0, err
			}
			return pair{cur, nxt}, 256, nil
		})
	if err != nil {
		return nil, nil, err
	}
	p := v.(pair)
	return p.cur, p.next, nil
}

// Guide returns all programs intersecting [from, to), mapped channels and
// orphans alike.
func (e *Engine) Guide(ctx context.Context, from, to time.Time) ([]store.GuideRow, error) {
	rows, err := e.st.GuideWindow(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return rows, nil
}
