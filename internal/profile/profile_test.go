package profile

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/plexbridge/plexbridge/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "profiles.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// TestClassFromUserAgent checks the User-Agent to client-class mapping,
// including the order-sensitive cases (server vs mobile apps).
func TestClassFromUserAgent(t *testing.T) {
	cases := []struct {
		ua   string
		want ClientClass
	}{
		{"Plex Media Server/1.40.2", PlexServer},
		{"Lavf/LIBAVFORMAT_VERSION", PlexServer},
		{"Plex for Android TV/10.2", AndroidTV},
		{"PlexMobileAndroid/9.1", AndroidMobile},
		{"Plex for Apple TV/8.0", AppleTV},
		{"PlexMobile/8.3 (iPhone)", IOSMobile},
		{"Mozilla/5.0 (X11; Linux)", Web},
		{"curl/8.5.0", Fallback},
		{"", Fallback},
	}
	for _, tc := range cases {
		if got := ClassFromUserAgent(tc.ua); got != tc.want {
			t.Errorf("ClassFromUserAgent(%q) = %s, want %s", tc.ua, got, tc.want)
		}
	}
}

// TestValidate covers the two template invariants.
func TestValidate(t *testing.T) {
	if err := Validate([]string{"-i", Placeholder, "-c", "copy", "-f", "mpegts", "pipe:1"}); err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}
	if err := Validate([]string{"-i", "http://fixed", "-f", "mpegts", "pipe:1"}); err == nil {
		t.Fatal("template without placeholder accepted")
	}
	if err := Validate([]string{"-i", Placeholder, "-f", "mpegts", "out.ts"}); err == nil {
		t.Fatal("template writing to a file accepted")
	}
	if err := Validate(nil); err == nil {
		t.Fatal("empty template accepted")
	}
}

// TestExpand substitutes the URL without mutating the template.
func TestExpand(t *testing.T) {
	tpl := []string{"-i", Placeholder, "pipe:1"}
	got := Expand(tpl, "http://upstream/live.ts")
	if got[1] != "http://upstream/live.ts" {
		t.Fatalf("Expand arg = %q", got[1])
	}
	if tpl[1] != Placeholder {
		t.Fatal("Expand mutated the template")
	}
}

// TestBuiltinTemplatesValid ensures every builtin template passes its own
// validation and covers every client class.
func TestBuiltinTemplatesValid(t *testing.T) {
	p := Builtin()
	for _, class := range Classes {
		args, ok := p[class]
		if !ok {
			t.Fatalf("builtin profile missing class %s", class)
		}
		if err := Validate(args); err != nil {
			t.Fatalf("builtin %s: %v", class, err)
		}
	}
}

// TestRegistryOverlay verifies stored rows overlay builtins and unchanged
// classes keep their defaults.
func TestRegistryOverlay(t *testing.T) {
	reg := NewRegistry(testStore(t))
	ctx := context.Background()

	custom := []string{"-i", Placeholder, "-c", "copy", "-f", "mpegts", "pipe:1"}
	p, err := reg.Get(ctx, "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	p[Web] = custom
	if err := reg.Save(ctx, "default", p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := reg.Get(ctx, "default")
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if !reflect.DeepEqual(got[Web], custom) {
		t.Fatalf("web template = %v, want %v", got[Web], custom)
	}
	if !reflect.DeepEqual(got[PlexServer], Builtin()[PlexServer]) {
		t.Fatal("untouched class lost its builtin template")
	}
}

// TestSaveRejectsInvalidEntry confirms one bad template rejects the whole
// save and leaves prior rows intact.
func TestSaveRejectsInvalidEntry(t *testing.T) {
	reg := NewRegistry(testStore(t))
	ctx := context.Background()

	good, _ := reg.Get(ctx, "default")
	good[Web] = []string{"-i", Placeholder, "-f", "mpegts", "pipe:1"}
	if err := reg.Save(ctx, "default", good); err != nil {
		t.Fatalf("save: %v", err)
	}

	bad, _ := reg.Get(ctx, "default")
	bad[AndroidTV] = []string{"-i", "no-placeholder", "pipe:1"}
	if err := reg.Save(ctx, "default", bad); err == nil {
		t.Fatal("save with invalid entry accepted")
	}

	after, err := reg.Get(ctx, "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(after[Web], good[Web]) {
		t.Fatal("failed save clobbered stored rows")
	}
}

// TestApplyToAll copies one class template across the profile atomically.
func TestApplyToAll(t *testing.T) {
	reg := NewRegistry(testStore(t))
	ctx := context.Background()

	src := []string{"-i", Placeholder, "-c", "copy", "-f", "mpegts", "pipe:1"}
	p, _ := reg.Get(ctx, "default")
	p[PlexServer] = src
	if err := reg.Save(ctx, "default", p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := reg.ApplyToAll(ctx, "default", PlexServer); err != nil {
		t.Fatalf("apply to all: %v", err)
	}

	got, _ := reg.Get(ctx, "default")
	for _, class := range Classes {
		if !reflect.DeepEqual(got[class], src) {
			t.Fatalf("class %s = %v, want %v", class, got[class], src)
		}
	}
}

// TestArgsFallback resolves a class with no stored template to the fallback
// entry.
func TestArgsFallback(t *testing.T) {
	reg := NewRegistry(testStore(t))
	args, err := reg.Args(context.Background(), "default", ClientClass("unlisted"))
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	if !reflect.DeepEqual(args, Builtin()[Fallback]) {
		t.Fatal("unknown class did not resolve to fallback template")
	}
}
