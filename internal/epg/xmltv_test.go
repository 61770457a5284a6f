package epg

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/plexbridge/plexbridge/internal/store"
)

const sampleXMLTV = `<?xml version="1.0" encoding="UTF-8"?>
<tv generator-info-name="test">
  <channel id="bbc1.uk">
    <display-name>BBC One</display-name>
    <icon src="http://logo/bbc1.png"/>
  </channel>
  <channel id="sky.nz">
    <display-name>Sky Sport</display-name>
  </channel>
  <programme channel="bbc1.uk" start="20250917221500 +0000" stop="20250917231500 +0000">
    <title>Evening News</title>
    <sub-title>Late Edition</sub-title>
    <desc>Headlines and analysis.</desc>
    <category>News</category>
    <episode-num system="xmltv_ns">2.14.0</episode-num>
    <date>2025</date>
    <rating system="NZ"><value>PG</value></rating>
    <video><quality>HDTV</quality></video>
    <new/>
    <live/>
  </programme>
  <programme channel="bbc1.uk" start="20250917231500 +0200" stop="20250918001500 +0200">
    <title>Late Film</title>
    <episode-num system="onscreen">S03E07</episode-num>
  </programme>
  <programme channel="" start="20250917221500 +0000" stop="20250917231500 +0000">
    <title>No Channel</title>
  </programme>
  <programme channel="sky.nz" start="20250917221500 +0000" stop="20250917211500 +0000">
    <title>Backwards</title>
  </programme>
</tv>`

func parseSample(t *testing.T, doc string) ([]store.EPGChannel, []store.EPGProgram) {
	t.Helper()
	var chans []store.EPGChannel
	var progs []store.EPGProgram
	err := parseXMLTV(strings.NewReader(doc),
		func(ch store.EPGChannel) error { chans = append(chans, ch); return nil },
		func(p store.EPGProgram) error { progs = append(progs, p); return nil })
	if err != nil {
		t.Fatal(err)
	}
	return chans, progs
}

// TestParseXMLTVChannels extracts ids, display names, and icons.
func TestParseXMLTVChannels(t *testing.T) {
	chans, _ := parseSample(t, sampleXMLTV)
	if len(chans) != 2 {
		t.Fatalf("channels = %d, want 2", len(chans))
	}
	if chans[0].XMLTVChannelID != "bbc1.uk" || chans[0].DisplayName != "BBC One" {
		t.Fatalf("channel = %+v", chans[0])
	}
	if chans[0].IconURL != "http://logo/bbc1.png" {
		t.Fatalf("icon = %q", chans[0].IconURL)
	}
}

// TestParseXMLTVProgrammes checks field extraction, zero-based xmltv_ns
// numbering, flags, and that broken rows are skipped rather than fatal.
func TestParseXMLTVProgrammes(t *testing.T) {
	_, progs := parseSample(t, sampleXMLTV)
	if len(progs) != 2 {
		t.Fatalf("programs = %d, want 2 (broken rows skipped)", len(progs))
	}

	p := progs[0]
	if p.Title != "Evening News" || p.Subtitle != "Late Edition" || p.Category != "News" {
		t.Fatalf("program = %+v", p)
	}
	if p.Season != 3 || p.Episode != 15 {
		t.Fatalf("xmltv_ns 2.14.0 gave season=%d episode=%d, want 3/15", p.Season, p.Episode)
	}
	if p.Year != 2025 || p.Rating != "PG" {
		t.Fatalf("year=%d rating=%q", p.Year, p.Rating)
	}
	wantFlags := store.ProgramHD | store.ProgramNew | store.ProgramLive
	if p.Flags != wantFlags {
		t.Fatalf("flags = %b, want %b", p.Flags, wantFlags)
	}
	if !p.Start.Equal(time.Date(2025, 9, 17, 22, 15, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", p.Start)
	}

	// Second programme carried a +0200 offset; storage must be UTC.
	q := progs[1]
	if !q.Start.Equal(time.Date(2025, 9, 17, 21, 15, 0, 0, time.UTC)) {
		t.Fatalf("offset start = %v, want 21:15 UTC", q.Start)
	}
	if q.Season != 3 || q.Episode != 7 {
		t.Fatalf("onscreen S03E07 gave season=%d episode=%d", q.Season, q.Episode)
	}
}

// TestParseXMLTVNotXMLTV rejects documents without a <tv> root.
func TestParseXMLTVNotXMLTV(t *testing.T) {
	err := parseXMLTV(strings.NewReader("<html><body>error page</body></html>"),
		func(store.EPGChannel) error { return nil },
		func(store.EPGProgram) error { return nil })
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
}

// TestParseXMLTVTimeFormats accepts the observed wire variants.
func TestParseXMLTVTimeFormats(t *testing.T) {
	for _, s := range []string{"20250917221500 +0000", "20250917221500", "202509172215", "20250917221500 -0500"} {
		if _, err := parseXMLTVTime(s); err != nil {
			t.Errorf("parseXMLTVTime(%q): %v", s, err)
		}
	}
	if _, err := parseXMLTVTime("not a time"); err == nil {
		t.Error("garbage time accepted")
	}
}
