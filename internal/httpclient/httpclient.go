// Package httpclient provides the shared tuned HTTP clients used by the
// probe, the EPG fetcher, and the M3U importer, plus the redirect policy and
// user-agent rotation IPTV upstreams expect.
package httpclient

import (
	"errors"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16

	// MaxRedirects caps redirect chains when talking to upstreams.
	MaxRedirects = 5
)

// IPTV-friendly User-Agent strings, tried in order when probing upstreams.
// Many providers reject unknown agents outright.
var ProbeUserAgents = []string{
	"VLC/3.0.20 LibVLC/3.0.20",
	"IPTVSmarters/1.0",
	"Lavf/LIBAVFORMAT_VERSION",
}

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
		CheckRedirect: checkRedirect,
	}
}

// Default returns the shared tuned client for fetch-style requests
// (M3U import, XMLTV refresh, probing).
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout sharing Default's
// transport settings.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout, CheckRedirect: checkRedirect}
	}
	return &http.Client{
		Timeout:       timeout,
		Transport:     t.Clone(),
		CheckRedirect: checkRedirect,
	}
}

// ForStreaming returns a client with no overall timeout: live MPEG-TS reads
// must not be cut after DefaultTimeout. Dial and TLS handshakes still bound.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
			IdleConnTimeout:       DefaultIdleConnTimeout,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		CheckRedirect: checkRedirect,
	}
}

// checkRedirect follows at most MaxRedirects hops and strips Authorization
// when the redirect leaves the original origin, so provider credentials are
// never leaked to a CDN the playlist bounced us to.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= MaxRedirects {
		return errors.New("stopped after 5 redirects")
	}
	if len(via) > 0 && !sameOrigin(req.URL, via[0].URL) {
		req.Header.Del("Authorization")
	}
	return nil
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}
