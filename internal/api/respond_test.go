package api

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// TestWantsXML covers the negotiation rules: Accept header first, then the
// known XML-only Plex agents, JSON otherwise.
func TestWantsXML(t *testing.T) {
	cases := []struct {
		name   string
		accept string
		ua     string
		want   bool
	}{
		{"accept application/xml", "application/xml", "curl/8.0", true},
		{"accept text/xml", "text/xml, */*", "curl/8.0", true},
		{"plex media server ua", "", "PlexMediaServer", false},
		{"plex media server full ua", "", "Plex Media Server/1.40.1", true},
		{"android tv ua", "", "Plex for Android TV/10.2", true},
		{"mobile android ua", "", "PlexMobileAndroid/9.0", true},
		{"browser", "text/html", "Mozilla/5.0", false},
		{"bare client", "", "", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/library/sections", nil)
		if tc.accept != "" {
			r.Header.Set("Accept", tc.accept)
		}
		r.Header.Set("User-Agent", tc.ua)
		if got := wantsXML(r); got != tc.want {
			t.Errorf("%s: wantsXML = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// TestScrubCoercesForbiddenTypes verifies the serializer can never emit
// type 5 or "trailer" in a Live TV container: the scrubber rewrites them to clip/4
// before marshalling.
func TestScrubCoercesForbiddenTypes(t *testing.T) {
	srv, _, _ := newTestServer(t)

	mc := MediaContainer{Videos: []Video{
		{Key: "/library/metadata/x", RatingKey: "x", Title: "X",
			Type: "trailer", ContentType: 5, MetadataType: "5", MediaType: "trailer"},
	}}

	for _, ua := range []string{"Plex Media Server/1.40", "curl/8.0"} {
		req := httptest.NewRequest(http.MethodGet, "/library/metadata/x", nil)
		req.Header.Set("User-Agent", ua)
		rec := httptest.NewRecorder()
		srv.writeContainer(rec, req, http.StatusOK, mc, true)

		body := rec.Body.String()
		for _, forbidden := range []string{`"type":5`, `type="5"`, `"type":"trailer"`, `type="trailer"`} {
			if strings.Contains(body, forbidden) {
				t.Errorf("ua %q: body contains forbidden %q: %s", ua, forbidden, body)
			}
		}
		if !strings.Contains(body, "clip") {
			t.Errorf("ua %q: coerced type missing: %s", ua, body)
		}
	}
}

// TestWriteErrorNeverHTML verifies failure responses are an empty
// MediaContainer in the negotiated encoding, status capped at 500.
func TestWriteErrorNeverHTML(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/library/sections", nil)
	req.Header.Set("Accept", "application/xml")
	rec := httptest.NewRecorder()
	srv.writeError(rec, req, 502, "upstream broke")

	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	var mc MediaContainer
	if err := xml.Unmarshal(rec.Body.Bytes(), &mc); err != nil {
		t.Fatalf("error body is not XML: %v", err)
	}
	if mc.Size != 0 {
		t.Errorf("size = %d, want 0", mc.Size)
	}

	rec = httptest.NewRecorder()
	req.Header.Del("Accept")
	srv.writeError(rec, req, 507, "teapot adjacent")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want capped 500", rec.Code)
	}
	if strings.Contains(strings.ToLower(rec.Body.String()), "<html") {
		t.Errorf("error body contains HTML: %s", rec.Body.String())
	}
}

// TestMetadataResponsesCarryCacheHeaders verifies the no-store directives
// and a per-response ETag on metadata writes.
func TestMetadataResponsesCarryCacheHeaders(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedChannel(t, st, "ch1", "News One", 101, "http://upstream/1.ts", 0)

	req := httptest.NewRequest(http.MethodGet, "/library/metadata/ch1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("missing ETag")
	}
}

// TestQueryAllowlistDropsUnknown verifies unknown query parameters are
// removed before the handler runs while known and X-Plex-* ones survive.
func TestQueryAllowlistDropsUnknown(t *testing.T) {
	var got url.Values
	h := queryAllowlist(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet,
		"/timeline/ch1?session=abc&bogusParam=1&X-Plex-Token=tok&offset=30&wat=no", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.Get("session") != "abc" || got.Get("offset") != "30" || got.Get("X-Plex-Token") != "tok" {
		t.Errorf("known params lost: %v", got)
	}
	if got.Has("bogusParam") || got.Has("wat") {
		t.Errorf("unknown params survived: %v", got)
	}
}
