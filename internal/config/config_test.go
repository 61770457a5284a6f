package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestResolvePrecedence layers persisted settings over defaults and the
// environment over both.
func TestResolvePrecedence(t *testing.T) {
	t.Setenv("PLEXBRIDGE_FRIENDLY_NAME", "FromEnv")

	snap, err := Resolve(map[string]string{
		"max_concurrent_streams": "8",
		"friendly_name":          "FromSettings",
	})
	if err != nil {
		t.Fatal(err)
	}
	if snap.MaxConcurrentStreams != 8 {
		t.Errorf("MaxConcurrentStreams = %d, want 8 (settings over default)", snap.MaxConcurrentStreams)
	}
	if snap.FriendlyName != "FromEnv" {
		t.Errorf("FriendlyName = %q, want env override", snap.FriendlyName)
	}
	if snap.ListenAddr != ":5004" {
		t.Errorf("ListenAddr = %q, want default", snap.ListenAddr)
	}
}

// TestResolveRejectsInvalid surfaces validation failures instead of a
// half-formed snapshot.
func TestResolveRejectsInvalid(t *testing.T) {
	cases := []map[string]string{
		{"max_concurrent_streams": "0"},
		{"deferred_first_byte_deadline_ms": "2000", "deferred_handover_deadline_ms": "1000"},
		{"timezone": "Mars/Olympus"},
	}
	for _, settings := range cases {
		if _, err := Resolve(settings); err == nil {
			t.Errorf("Resolve(%v) accepted invalid settings", settings)
		}
	}
}

// TestSnapshotDurations converts the millisecond and second knobs.
func TestSnapshotDurations(t *testing.T) {
	snap := Defaults()
	if snap.FirstByteDeadline().Milliseconds() != 1000 {
		t.Errorf("FirstByteDeadline = %v", snap.FirstByteDeadline())
	}
	if snap.HandoverDeadline().Milliseconds() != 30000 {
		t.Errorf("HandoverDeadline = %v", snap.HandoverDeadline())
	}
	if snap.IdleGrace().Seconds() != 20 || snap.IdleCeiling().Seconds() != 90 {
		t.Errorf("idle windows = %v / %v", snap.IdleGrace(), snap.IdleCeiling())
	}
	if snap.Location().String() != "UTC" {
		t.Errorf("Location = %v", snap.Location())
	}
}

// TestHolderPublishIsolation keeps a captured snapshot unchanged across a
// publish and delivers the new one to subscribers.
func TestHolderPublishIsolation(t *testing.T) {
	h := NewHolder(Defaults())
	captured := h.Get()

	sub := make(chan Snapshot, 1)
	h.Subscribe(sub)

	next := Defaults()
	next.MaxConcurrentStreams = 9
	h.Publish(next)

	if captured.MaxConcurrentStreams != Defaults().MaxConcurrentStreams {
		t.Error("published snapshot mutated a captured one")
	}
	if h.Get().MaxConcurrentStreams != 9 {
		t.Errorf("Get after publish = %d", h.Get().MaxConcurrentStreams)
	}
	select {
	case got := <-sub:
		if got.MaxConcurrentStreams != 9 {
			t.Errorf("subscriber got %d", got.MaxConcurrentStreams)
		}
	default:
		t.Error("subscriber not notified")
	}
}

// TestLoadEnvFile parses KEY=value lines, strips quotes, and skips comments;
// a missing file is not an error.
func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\n\nTEST_ENVFILE_A=plain\nTEST_ENVFILE_B=\"quoted value\"\nnot a pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_ENVFILE_A", "")
	t.Setenv("TEST_ENVFILE_B", "")

	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("TEST_ENVFILE_A"); got != "plain" {
		t.Errorf("A = %q", got)
	}
	if got := os.Getenv("TEST_ENVFILE_B"); got != "quoted value" {
		t.Errorf("B = %q", got)
	}

	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
