package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestChannelRoundTrip upserts, reads back, and deletes a channel; stream
// rows cascade with the delete.
func TestChannelRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ch := Channel{ChannelID: "ch1", ChannelNumber: 101, Name: "News", EPGID: "news.tv", Enabled: true}
	if err := s.UpsertChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertStream(ctx, Stream{
		StreamID: "s1", ChannelID: "ch1", URL: "http://up/1.ts",
		Headers: map[string]string{"Referer": "http://up/"}, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetChannel(ctx, "ch1")
	if err != nil || got != ch {
		t.Fatalf("GetChannel = %+v, %v", got, err)
	}
	streams, err := s.StreamsForChannel(ctx, "ch1")
	if err != nil || len(streams) != 1 {
		t.Fatalf("streams = %+v, %v", streams, err)
	}
	if streams[0].Headers["Referer"] != "http://up/" {
		t.Errorf("headers = %v", streams[0].Headers)
	}

	if err := s.DeleteChannel(ctx, "ch1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetChannel(ctx, "ch1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
	streams, err = s.StreamsForChannel(ctx, "ch1")
	if err != nil || len(streams) != 0 {
		t.Fatalf("streams survived channel delete: %+v, %v", streams, err)
	}
}

// TestStreamExistsAndNextNumber back the importer's idempotency check and
// number assignment.
func TestStreamExistsAndNextNumber(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, err := s.NextChannelNumber(ctx)
	if err != nil || n != 1 {
		t.Fatalf("NextChannelNumber on empty = %d, %v", n, err)
	}

	if err := s.UpsertChannel(ctx, Channel{ChannelID: "ch1", ChannelNumber: 7, Name: "One", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertStream(ctx, Stream{StreamID: "s1", ChannelID: "ch1", URL: "http://up/1.ts", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	if ok, _ := s.StreamExists(ctx, "http://up/1.ts", "One"); !ok {
		t.Error("StreamExists missed an existing pair")
	}
	if ok, _ := s.StreamExists(ctx, "http://up/1.ts", "Other"); ok {
		t.Error("StreamExists matched a different display name")
	}
	if n, _ := s.NextChannelNumber(ctx); n != 8 {
		t.Errorf("NextChannelNumber = %d, want 8", n)
	}
}

// TestSettingsTransactional writes a batch of settings atomically and reads
// the merged map back.
func TestSettingsTransactional(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutSettings(ctx, map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSettings(ctx, map[string]string{"b": "3"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got["a"] != "1" || got["b"] != "3" {
		t.Fatalf("settings = %v", got)
	}
}

// TestPutProfileReplacesWholeProfile verifies a profile save lands as one
// unit: stale class rows from the previous save are gone.
func TestPutProfileReplacesWholeProfile(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutProfile(ctx, "default", map[string]string{"web": "a", "fallback": "b"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutProfile(ctx, "default", map[string]string{"web": "c"}); err != nil {
		t.Fatal(err)
	}
	rows, err := s.ProfileRows(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows["web"] != "c" {
		t.Fatalf("rows = %v", rows)
	}
}

func seedPrograms(t *testing.T, s *Store, programs []EPGProgram, from, to time.Time) {
	t.Helper()
	err := s.CommitEPGRefresh(context.Background(), "src1",
		[]EPGChannel{{SourceID: "src1", XMLTVChannelID: "c1", DisplayName: "C One"}},
		programs, from, to)
	if err != nil {
		t.Fatal(err)
	}
}

func prog(start time.Time, d time.Duration, title string) EPGProgram {
	return EPGProgram{
		SourceID: "src1", XMLTVChannelID: "c1",
		Start: start, End: start.Add(d), Title: title,
	}
}

// TestNowNext returns the airing program and the one after it.
func TestNowNext(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC().Truncate(time.Minute)
	if err := s.UpsertEPGSource(context.Background(), EPGSource{SourceID: "src1", URL: "u", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	seedPrograms(t, s, []EPGProgram{
		prog(now.Add(-30*time.Minute), time.Hour, "Current"),
		prog(now.Add(30*time.Minute), time.Hour, "Upcoming"),
	}, now.Add(-time.Hour), now.Add(2*time.Hour))

	cur, next, err := s.NowNext(context.Background(), "c1", now)
	if err != nil {
		t.Fatal(err)
	}
	if cur == nil || cur.Title != "Current" {
		t.Fatalf("current = %+v", cur)
	}
	if next == nil || next.Title != "Upcoming" {
		t.Fatalf("next = %+v", next)
	}
}

// TestRefreshPurgesAbsentInWindowRows deletes programs inside the refresh
// window that the new payload no longer carries, and keeps rows outside it.
func TestRefreshPurgesAbsentInWindowRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Hour)
	if err := s.UpsertEPGSource(ctx, EPGSource{SourceID: "src1", URL: "u", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	seedPrograms(t, s, []EPGProgram{
		prog(base, time.Hour, "Stays"),
		prog(base.Add(time.Hour), time.Hour, "Vanishes"),
		prog(base.Add(3*time.Hour), time.Hour, "Outside"),
	}, base, base.Add(4*time.Hour))

	// Second refresh covers only the first two hours and drops "Vanishes".
	seedPrograms(t, s, []EPGProgram{
		prog(base, time.Hour, "Stays"),
	}, base, base.Add(2*time.Hour))

	rows, err := s.GuideWindow(ctx, base, base.Add(5*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	titles := map[string]bool{}
	for _, r := range rows {
		titles[r.Program.Title] = true
	}
	if !titles["Stays"] || !titles["Outside"] || titles["Vanishes"] {
		t.Fatalf("titles = %v", titles)
	}
}

// TestRefreshOverlapLaterWins removes any stored program whose time range
// intersects an incoming one, so re-parsed schedules never overlap.
func TestRefreshOverlapLaterWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Hour)
	if err := s.UpsertEPGSource(ctx, EPGSource{SourceID: "src1", URL: "u", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	seedPrograms(t, s, []EPGProgram{prog(base, time.Hour, "Old")}, base, base.Add(time.Hour))
	// New program starts mid-way through Old and overlaps it.
	seedPrograms(t, s, []EPGProgram{prog(base.Add(30*time.Minute), time.Hour, "New")},
		base.Add(30*time.Minute), base.Add(90*time.Minute))

	rows, err := s.GuideWindow(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Program.Title != "New" {
		t.Fatalf("rows = %+v", rows)
	}
}

// TestRefreshDropsLongEndedRows purges programs that ended more than the
// retention window ago during the next refresh of their source.
func TestRefreshDropsLongEndedRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Hour)
	recent := time.Now().UTC().Truncate(time.Hour)
	if err := s.UpsertEPGSource(ctx, EPGSource{SourceID: "src1", URL: "u", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	seedPrograms(t, s, []EPGProgram{prog(old, time.Hour, "Ancient")}, old, old.Add(time.Hour))
	seedPrograms(t, s, []EPGProgram{prog(recent, time.Hour, "Fresh")}, recent, recent.Add(time.Hour))

	n, err := s.ProgramCount(ctx, "src1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("programs = %d, want only the fresh one", n)
	}
}

// TestRefreshRejectsInvertedProgram rejects a payload with end before start
// as a constraint violation and commits nothing.
func TestRefreshRejectsInvertedProgram(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Hour)
	if err := s.UpsertEPGSource(ctx, EPGSource{SourceID: "src1", URL: "u", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	bad := EPGProgram{SourceID: "src1", XMLTVChannelID: "c1", Start: base, End: base.Add(-time.Hour), Title: "Bad"}
	err := s.CommitEPGRefresh(ctx, "src1",
		[]EPGChannel{{SourceID: "src1", XMLTVChannelID: "c1", DisplayName: "C One"}},
		[]EPGProgram{prog(base, time.Hour, "Good"), bad},
		base, base.Add(time.Hour))
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("err = %v, want constraint", err)
	}
	if n, _ := s.ProgramCount(ctx, "src1"); n != 0 {
		t.Fatalf("partial commit: %d programs", n)
	}
}
