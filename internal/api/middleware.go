package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// knownQueryParams is the allowlist of query parameters Plex clients are
// known to send. Anything else is dropped before a handler runs; Plex
// versions invent parameters freely and a rejection breaks playback.
var knownQueryParams = map[string]struct{}{
	"session":           {},
	"offset":            {},
	"directPlay":        {},
	"directStream":      {},
	"protocol":          {},
	"videoCodec":        {},
	"audioCodec":        {},
	"mediaIndex":        {},
	"partIndex":         {},
	"path":              {},
	"location":          {},
	"fastSeek":          {},
	"subtitles":         {},
	"subtitleSize":      {},
	"audioBoost":        {},
	"autoAdjustQuality": {},
	"mediaBufferSize":   {},
	"hasMDE":            {},
	"maxVideoBitrate":   {},
	"videoQuality":      {},
	"videoResolution":   {},
	"copyts":            {},
	"from":              {},
	"to":                {},
	"url":               {},
	"create_channels":   {},
}

func knownParam(key string) bool {
	if _, ok := knownQueryParams[key]; ok {
		return true
	}
	return strings.HasPrefix(key, "X-Plex-")
}

// queryAllowlist silently rewrites the request query to the known set.
func queryAllowlist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			kept := url.Values{}
			for key, vals := range r.URL.Query() {
				if knownParam(key) {
					kept[key] = vals
				}
			}
			r.URL.RawQuery = kept.Encode()
		}
		next.ServeHTTP(w, r)
	})
}

// withTimeout bounds a request handler; streaming endpoints are not wrapped.
func withTimeout(d time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogger logs one line per completed request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int64("bytes", lw.bytes).
			Dur("dur", time.Since(start).Round(time.Millisecond)).
			Str("ua", r.UserAgent()).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}
