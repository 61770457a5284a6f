package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestSettingsRoundTrip verifies a settings PUT persists, re-resolves the
// config, and publishes the new snapshot to readers.
func TestSettingsRoundTrip(t *testing.T) {
	srv, _, holder := newTestServer(t)

	body := strings.NewReader(`{"max_concurrent_streams":"7"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/settings", body)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := holder.Get().MaxConcurrentStreams; got != 7 {
		t.Errorf("published MaxConcurrentStreams = %d, want 7", got)
	}
	var echoed map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &echoed); err != nil {
		t.Fatalf("response body: %v", err)
	}
	if echoed["max_concurrent_streams"] != "7" {
		t.Errorf("echoed settings = %v", echoed)
	}
}

// TestSettingsPutRejectsInvalid verifies a snapshot that fails validation is
// rejected without being published.
func TestSettingsPutRejectsInvalid(t *testing.T) {
	srv, _, holder := newTestServer(t)
	before := holder.Get().MaxConcurrentStreams

	body := strings.NewReader(`{"max_concurrent_streams":"0"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/settings", body)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := holder.Get().MaxConcurrentStreams; got != before {
		t.Errorf("snapshot changed to %d despite rejection", got)
	}
}

// sseEvent is one decoded frame from an SSE response body.
type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, frame := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			out = append(out, ev)
		}
	}
	return out
}

func lastEvent(t *testing.T, body, want string) importEvent {
	t.Helper()
	events := parseSSE(t, body)
	if len(events) == 0 {
		t.Fatalf("no SSE events in %q", body)
	}
	last := events[len(events)-1]
	if last.name != want {
		t.Fatalf("terminal event = %q (%s), want %q", last.name, last.data, want)
	}
	var ev importEvent
	if err := json.Unmarshal([]byte(last.data), &ev); err != nil {
		t.Fatalf("decode %q: %v", last.data, err)
	}
	return ev
}

const testPlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="one.tv" tvg-name="One" tvg-logo="http://logo/1.png",One
http://upstream/one.ts
#EXTINF:-1 tvg-id="two.tv",Two
http://upstream/two.ts
`

// TestImportIdempotent runs the same playlist import twice and verifies the
// second pass skips every entry instead of duplicating channels.
func TestImportIdempotent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testPlaylist)
	}))
	defer upstream.Close()

	srv, st, _ := newTestServer(t)
	run := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/playlists/import?url="+upstream.URL+"/list.m3u", nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		return rec
	}

	first := run()
	if first.Code != http.StatusOK {
		t.Fatalf("first import status = %d body = %s", first.Code, first.Body.String())
	}
	done := lastEvent(t, first.Body.String(), "done")
	if done.Inserted != 2 || done.Skipped != 0 {
		t.Fatalf("first import = %+v, want 2 inserted", done)
	}

	second := run()
	done = lastEvent(t, second.Body.String(), "done")
	if done.Inserted != 0 || done.Skipped != 2 {
		t.Fatalf("second import = %+v, want 2 skipped", done)
	}

	channels, err := st.EnabledChannels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(channels))
	}
	if channels[0].EPGID != "one.tv" || channels[0].Name != "One" {
		t.Errorf("first channel = %+v", channels[0])
	}
}

// TestImportMissingURL rejects the request before streaming starts.
func TestImportMissingURL(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/playlists/import", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func adminGuideXML() string {
	start := time.Now().UTC().Truncate(time.Hour)
	return fmt.Sprintf(`<tv><channel id="chan.one"><display-name>Chan One</display-name></channel>`+
		`<programme channel="chan.one" start="%s +0000" stop="%s +0000"><title>Evening News</title></programme></tv>`,
		start.Format("20060102150405"), start.Add(time.Hour).Format("20060102150405"))
}

// TestEPGSourceCreateAndRefresh subscribes a feed through the admin API and
// runs a synchronous refresh against it.
func TestEPGSourceCreateAndRefresh(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, adminGuideXML())
	}))
	defer feed.Close()

	srv, st, _ := newTestServer(t)
	body := strings.NewReader(`{"source_id":"src1","url":"` + feed.URL + `/guide.xml","refresh_interval":"6h","enabled":true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/epg/sources", body)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/epg/refresh/src1", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("refresh status = %d body = %s", rec.Code, rec.Body.String())
	}

	n, err := st.ProgramCount(context.Background(), "src1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("programs = %d, want 1", n)
	}
}

// TestEPGRefreshUnknownSource maps a refresh of a nonexistent source to 404.
func TestEPGRefreshUnknownSource(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/epg/refresh/nope", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
