// Package probe classifies upstream stream URLs and measures how quickly
// they start talking. The session layer uses the result to pick a launch
// strategy: a slow or HEAD-refusing single-connection upstream gets the
// deferred-start path instead of making Plex wait.
package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/httpclient"
	"github.com/plexbridge/plexbridge/internal/mpegts"
	"github.com/plexbridge/plexbridge/internal/observe"
	"github.com/plexbridge/plexbridge/internal/safeurl"
)

// Kind is the coarse upstream container/protocol classification.
type Kind string

const (
	KindUnknown Kind = ""
	KindTS      Kind = "ts"
	KindHLS     Kind = "hls"
	KindDASH    Kind = "dash"
	KindRTSP    Kind = "rtsp"
	KindRTMP    Kind = "rtmp"
)

var (
	ErrUnreachable         = errors.New("probe: upstream unreachable")
	ErrUnauthorized        = errors.New("probe: upstream refused credentials")
	ErrUnsupportedProtocol = errors.New("probe: unsupported protocol")
)

// rangedProbeBytes caps how much body the GET fallback reads for
// classification.
const rangedProbeBytes = 16 << 10

// Result is the outcome of probing one stream URL.
type Result struct {
	ResolvedURL           string
	Kind                  Kind
	FirstByteMS           int64
	RequiresDeferredStart bool
}

// Prober probes upstream URLs over HTTP. One instance is shared; it holds no
// per-probe state.
type Prober struct {
	client    *http.Client
	threshold time.Duration
	log       zerolog.Logger
}

// New returns a Prober. threshold is the first-byte latency above which a
// connection-limited upstream is marked for deferred start.
func New(client *http.Client, threshold time.Duration) *Prober {
	if client == nil {
		client = httpclient.WithTimeout(10 * time.Second)
	}
	return &Prober{client: client, threshold: threshold, log: observe.Component("probe")}
}

// Probe classifies rawURL and measures first-byte latency.
// connectionLimited is the stream's connection_limits flag; only limited
// streams are ever marked for deferred start, because only they forbid a
// throwaway warm-up connection later.
func (p *Prober) Probe(ctx context.Context, rawURL string, connectionLimited bool) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, ErrUnsupportedProtocol
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "rtsp":
		// Non-HTTP protocols are classified by scheme alone. Probing them
		// would consume the upstream's only slot, so a limited stream always
		// defers.
		return Result{ResolvedURL: rawURL, Kind: KindRTSP, RequiresDeferredStart: connectionLimited}, nil
	case "rtmp", "rtmps":
		return Result{ResolvedURL: rawURL, Kind: KindRTMP, RequiresDeferredStart: connectionLimited}, nil
	default:
		return Result{}, ErrUnsupportedProtocol
	}

	start := time.Now()
	resp, headRefused, err := p.head(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}

	var body []byte
	if resp == nil || resp.ContentLength == 0 {
		// HEAD gave nothing to classify with; reissue as a short ranged GET.
		if resp != nil {
			resp.Body.Close()
		}
		start = time.Now()
		resp, body, err = p.rangedGet(ctx, rawURL)
		if err != nil {
			return Result{}, err
		}
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	res := Result{
		ResolvedURL: resp.Request.URL.String(),
		Kind:        classify(resp.Header.Get("Content-Type"), resp.Request.URL, body),
		FirstByteMS: latency.Milliseconds(),
	}
	res.RequiresDeferredStart = connectionLimited && (latency > p.threshold || headRefused)

	p.log.Debug().
		Str("url", safeurl.Redact(rawURL)).
		Str("kind", string(res.Kind)).
		Int64("first_byte_ms", res.FirstByteMS).
		Bool("head_refused", headRefused).
		Bool("deferred", res.RequiresDeferredStart).
		Msg("probe complete")
	return res, nil
}

// head issues HEAD requests cycling through the IPTV probe user agents.
// Returns (nil, true, nil) when the upstream refuses HEAD outright, which is
// common with IPTV panels; the caller falls back to a ranged GET.
func (p *Prober) head(ctx context.Context, rawURL string) (*http.Response, bool, error) {
	var lastStatus int
	for _, ua := range httpclient.ProbeUserAgents {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
		if err != nil {
			return nil, false, ErrUnreachable
		}
		req.Header.Set("User-Agent", ua)
		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			return nil, false, ErrUnreachable
		}
		switch {
		case resp.StatusCode < 300:
			return resp, false, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired:
			resp.Body.Close()
			return nil, false, ErrUnauthorized
		case resp.StatusCode == http.StatusForbidden:
			// Some panels gate on User-Agent; try the next one.
			lastStatus = resp.StatusCode
			resp.Body.Close()
			continue
		default:
			// 405 and friends: HEAD refused, not fatal.
			lastStatus = resp.StatusCode
			resp.Body.Close()
			return nil, true, nil
		}
	}
	if lastStatus == http.StatusForbidden {
		return nil, false, ErrUnauthorized
	}
	return nil, true, nil
}

// rangedGet reads up to rangedProbeBytes of body for magic-byte
// classification. The response body is replaced with the captured prefix so
// the caller can close it without draining a live stream.
func (p *Prober) rangedGet(ctx context.Context, rawURL string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, ErrUnreachable
	}
	req.Header.Set("User-Agent", httpclient.ProbeUserAgents[0])
	req.Header.Set("Range", "bytes=0-16383")
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, ErrUnreachable
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusProxyAuthRequired:
		resp.Body.Close()
		return nil, nil, ErrUnauthorized
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, nil, ErrUnreachable
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, rangedProbeBytes))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, body, nil
}

// classify resolves the upstream kind in priority order: Content-Type, then
// URL suffix, then magic bytes.
func classify(contentType string, u *url.URL, body []byte) Kind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "mpegurl"):
		return KindHLS
	case strings.Contains(ct, "dash+xml"):
		return KindDASH
	case strings.Contains(ct, "mp2t"):
		return KindTS
	}

	path := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(path, ".m3u8"), strings.HasSuffix(path, ".m3u"):
		return KindHLS
	case strings.HasSuffix(path, ".mpd"):
		return KindDASH
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".mts"):
		return KindTS
	}

	trimmed := bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF})
	switch {
	case bytes.HasPrefix(trimmed, []byte("#EXTM3U")):
		return KindHLS
	case bytes.Contains(trimmed, []byte("<MPD")):
		return KindDASH
	case len(body) >= mpegts.PacketSize && mpegts.SyncOffset(body, 2) == 0,
		len(body) > 0 && len(body) < 2*mpegts.PacketSize && body[0] == mpegts.SyncByte:
		return KindTS
	}
	return KindUnknown
}
