package api

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/plexbridge/plexbridge/internal/store"
)

// TestLiveM3UExport verifies the lineup renders as an extended M3U with a
// url-tvg guide reference and per-channel stream URLs.
func TestLiveM3UExport(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seedChannel(t, st, "ch1", "News One", 101, "http://upstream/1.ts", 0)

	req := httptest.NewRequest(http.MethodGet, "http://bridge.local:3000/live.m3u", nil)
	req.Host = "bridge.local:3000"
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.HasPrefix(body, `#EXTM3U url-tvg="http://bridge.local:3000/guide.xml"`) {
		t.Errorf("header = %q", strings.SplitN(body, "\n", 2)[0])
	}
	if !strings.Contains(body, "tvg-name=\"News One\",News One\n") {
		t.Errorf("EXTINF missing: %s", body)
	}
	if !strings.Contains(body, "http://bridge.local:3000/stream/ch1\n") {
		t.Errorf("stream URL missing: %s", body)
	}
}

// TestGuideXMLSurfacesOrphans verifies programs whose XMLTV channel has no
// mapped lineup channel still appear in the export under their XMLTV id.
func TestGuideXMLSurfacesOrphans(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	if err := st.UpsertEPGSource(ctx, store.EPGSource{SourceID: "src1", URL: "http://feed", Enabled: true}); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Minute)
	err := st.CommitEPGRefresh(ctx, "src1",
		[]store.EPGChannel{{SourceID: "src1", XMLTVChannelID: "sky.nz", DisplayName: "Sky NZ"}},
		[]store.EPGProgram{{
			SourceID: "src1", XMLTVChannelID: "sky.nz",
			Start: now, End: now.Add(time.Hour),
			Title: "Orphan Show",
		}},
		now, now.Add(time.Second))
	if err != nil {
		t.Fatalf("commit refresh: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/guide.xml", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc xmltvTV
	if err := xml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("guide is not well-formed XML: %v", err)
	}
	if len(doc.Programmes) != 1 || doc.Programmes[0].Channel != "sky.nz" {
		t.Fatalf("programmes = %+v", doc.Programmes)
	}
	if doc.Programmes[0].Title != "Orphan Show" {
		t.Errorf("title = %q", doc.Programmes[0].Title)
	}
	if len(doc.Channels) != 1 || doc.Channels[0].DisplayName != "Sky NZ" {
		t.Errorf("channels = %+v", doc.Channels)
	}
}
