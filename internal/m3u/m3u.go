// Package m3u parses IPTV playlists in a streaming fashion: records flow out
// in bounded batches while the body is still downloading, so a 100k-channel
// playlist never occupies more than a batch of memory at a time.
package m3u

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/httpclient"
	"github.com/plexbridge/plexbridge/internal/observe"
)

const maxLineSize = 1 << 20 // 1 MiB per line

// BatchSize caps how many records a single batch carries.
const BatchSize = 500

var (
	ErrNetwork   = errors.New("m3u: network failure")
	ErrMalformed = errors.New("m3u: malformed playlist")
	ErrEmpty     = errors.New("m3u: playlist has no channels")
)

// Record is one channel entry extracted from an #EXTINF block.
type Record struct {
	TvgID       string
	TvgName     string
	TvgLogo     string
	GroupTitle  string
	DisplayName string
	URL         string
}

// Progress is a periodic parse-progress event.
type Progress struct {
	Parsed         int
	EstimatedTotal int
	BytesRead      int64
}

// Scan is one in-flight parse. Batches closes on completion; read Err after
// that for the terminal outcome. Progress is best-effort: events are dropped
// rather than blocking the parse when the consumer lags.
type Scan struct {
	Batches  <-chan []Record
	Progress <-chan Progress

	err  error
	done chan struct{}
}

// Err blocks until the parse finishes, then reports its terminal error.
func (s *Scan) Err() error {
	<-s.done
	return s.err
}

// Parser fetches and parses playlists.
type Parser struct {
	client *http.Client
	log    zerolog.Logger
}

func NewParser(client *http.Client) *Parser {
	if client == nil {
		client = httpclient.ForStreaming()
	}
	return &Parser{client: client, log: observe.Component("m3u")}
}

// ParseURL fetches m3uURL and parses the body as it streams in.
// estimatedTotal seeds the progress events; pass 0 when unknown.
func (p *Parser) ParseURL(ctx context.Context, m3uURL string, estimatedTotal int) (*Scan, error) {
	resp, err := p.fetch(ctx, m3uURL)
	if err != nil {
		return nil, err
	}
	scan := p.Parse(ctx, resp.Body, estimatedTotal)
	go func() {
		<-scan.done
		resp.Body.Close()
	}()
	return scan, nil
}

// Parse consumes r incrementally. The batch channel is unbuffered: a slow
// consumer applies back-pressure to the download instead of the parser
// buffering unboundedly.
func (p *Parser) Parse(ctx context.Context, r io.Reader, estimatedTotal int) *Scan {
	batches := make(chan []Record)
	progress := make(chan Progress, 1)
	scan := &Scan{Batches: batches, Progress: progress, done: make(chan struct{})}

	go func() {
		defer close(scan.done)
		defer close(batches)
		scan.err = p.run(ctx, r, estimatedTotal, batches, progress)
	}()
	return scan
}

// countingReader tracks raw bytes consumed, for progress events.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (p *Parser) run(ctx context.Context, r io.Reader, estimatedTotal int, batches chan<- []Record, progress chan<- Progress) error {
	cr := &countingReader{r: r}
	sc := bufio.NewScanner(cr)
	sc.Buffer(nil, maxLineSize)

	// Dedup keys are hashed so the set stays a few bytes per record even on
	// very large playlists.
	seen := map[uint64]struct{}{}
	batch := make([]Record, 0, BatchSize)
	parsed := 0
	sawHeader := false
	var extinf string

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out := batch
		batch = make([]Record, 0, BatchSize)
		select {
		case batches <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case progress <- Progress{Parsed: parsed, EstimatedTotal: estimatedTotal, BytesRead: cr.n.Load()}:
		default:
		}
		return nil
	}

	for sc.Scan() {
		line := strings.TrimSpace(trimBOM(sc.Text()))
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTM3U"):
			sawHeader = true
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			extinf = line
			continue
		case strings.HasPrefix(line, "#"):
			continue
		}
		if extinf == "" {
			// Bare URL with no preceding #EXTINF; skip it.
			continue
		}
		rec := parseExtinf(extinf, line)
		extinf = ""
		key := dedupKey(rec.URL, rec.DisplayName)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		parsed++
		batch = append(batch, rec)
		if len(batch) >= BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if !sawHeader {
		return ErrMalformed
	}
	if err := flush(); err != nil {
		return err
	}
	if parsed == 0 {
		return ErrEmpty
	}
	select {
	case progress <- Progress{Parsed: parsed, EstimatedTotal: estimatedTotal, BytesRead: cr.n.Load()}:
	default:
	}
	p.log.Info().Int("channels", parsed).Int64("bytes", cr.n.Load()).Msg("playlist parsed")
	return nil
}

// Estimate streams the playlist once and counts #EXTINF lines without
// materializing records. Used for total-size feedback before a real import.
func (p *Parser) Estimate(ctx context.Context, m3uURL string) (int, error) {
	resp, err := p.fetch(ctx, m3uURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(nil, maxLineSize)
	count := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if strings.HasPrefix(strings.TrimSpace(trimBOM(sc.Text())), "#EXTINF:") {
			count++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return count, nil
}

func (p *Parser) fetch(ctx context.Context, m3uURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m3uURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("User-Agent", httpclient.ProbeUserAgents[0])
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}
	return resp, nil
}

func dedupKey(url, name string) uint64 {
	h := fnv.New64a()
	io.WriteString(h, url)
	h.Write([]byte{0})
	io.WriteString(h, name)
	return h.Sum64()
}

func trimBOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}

// parseExtinf extracts the tvg attributes and display title from an #EXTINF
// line. The display title is everything after the last comma outside quotes;
// attribute values may themselves contain commas.
func parseExtinf(extinf, url string) Record {
	rec := Record{
		URL:         url,
		TvgID:       attr(extinf, "tvg-id"),
		TvgName:     attr(extinf, "tvg-name"),
		TvgLogo:     attr(extinf, "tvg-logo"),
		GroupTitle:  attr(extinf, "group-title"),
		DisplayName: displayTitle(extinf),
	}
	if rec.DisplayName == "" {
		rec.DisplayName = rec.TvgName
	}
	return rec
}

func attr(extinf, name string) string {
	prefix := name + `="`
	i := strings.Index(extinf, prefix)
	if i < 0 {
		return ""
	}
	rest := extinf[i+len(prefix):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:j])
}

func displayTitle(extinf string) string {
	inQuote := false
	for i := len("#EXTINF:"); i < len(extinf); i++ {
		switch extinf[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				// First unquoted comma separates header from title, but
				// titles may contain commas; take everything after it.
				return strings.TrimSpace(extinf[i+1:])
			}
		}
	}
	return ""
}
