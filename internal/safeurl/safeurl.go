// Package safeurl validates and redacts URLs that arrive through the admin
// API or point at IPTV upstreams.
package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS reports whether u is a valid URL with scheme http or https.
// Playlist and EPG source URLs are rejected otherwise, so file://, ftp://,
// and similar schemes never reach a fetch.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// sensitiveParams are query keys whose values are masked by Redact. IPTV
// providers put account credentials in get.php-style query strings.
var sensitiveParams = []string{"password", "pass", "token", "apikey", "api_key"}

// Redact returns raw with userinfo and credential query parameters masked,
// for logging. Unparseable input is returned as-is.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	hadUser := u.User != nil
	u.User = nil
	q := u.Query()
	changed := false
	for _, key := range sensitiveParams {
		if q.Has(key) {
			q.Set(key, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	out := u.String()
	if hadUser {
		// URL.String percent-encodes userinfo, so the placeholder is spliced
		// in textually.
		out = strings.Replace(out, "://", "://***@", 1)
	}
	return out
}
