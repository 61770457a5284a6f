// Package profile holds named transcoder argument templates keyed by client
// class. A template is a plain argv list with a {url} placeholder; the
// supervisor expands it against the resolved upstream URL at launch time.
package profile

import (
	"fmt"
	"strings"
)

// Placeholder marks where the resolved upstream URL is substituted.
const Placeholder = "{url}"

// ClientClass buckets a Plex client by its initial User-Agent. The class
// picks the argv template; unknown agents land on Fallback.
type ClientClass string

const (
	Web           ClientClass = "web"
	AndroidMobile ClientClass = "android_mobile"
	AndroidTV     ClientClass = "android_tv"
	IOSMobile     ClientClass = "ios_mobile"
	AppleTV       ClientClass = "apple_tv"
	PlexServer    ClientClass = "plex_server"
	Fallback      ClientClass = "fallback"
)

// Classes lists every class a profile may carry, in display order.
var Classes = []ClientClass{Web, AndroidMobile, AndroidTV, IOSMobile, AppleTV, PlexServer, Fallback}

// ClassFromUserAgent maps an HTTP User-Agent to a client class. Matching is
// substring-based and ordered most-specific first; the server's own
// transcoder fetches identify as "Plex Media Server" and "Lavf".
func ClassFromUserAgent(ua string) ClientClass {
	switch {
	case strings.Contains(ua, "Plex Media Server"), strings.Contains(ua, "Lavf"):
		return PlexServer
	case strings.Contains(ua, "Plex for Android TV"):
		return AndroidTV
	case strings.Contains(ua, "PlexMobileAndroid"), strings.Contains(ua, "Plex for Android"):
		return AndroidMobile
	case strings.Contains(ua, "Plex for Apple TV"), strings.Contains(ua, "tvOS"):
		return AppleTV
	case strings.Contains(ua, "PlexMobile"), strings.Contains(ua, "Plex for iOS"), strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return IOSMobile
	case strings.Contains(ua, "Mozilla"), strings.Contains(ua, "Plex Web"):
		return Web
	default:
		return Fallback
	}
}

// Deferrable reports whether deferred-start padding is safe for the class.
// Plex players keep reading null TS packets while a limited upstream warms
// up; browsers and generic agents get the direct path.
func (cc ClientClass) Deferrable() bool {
	switch cc {
	case PlexServer, AndroidMobile, AndroidTV, IOSMobile, AppleTV:
		return true
	}
	return false
}

// Valid reports whether cc is one of the known client classes.
func (cc ClientClass) Valid() bool {
	for _, c := range Classes {
		if c == cc {
			return true
		}
	}
	return false
}

// Profile maps client class to argv template.
type Profile map[ClientClass][]string

// Validate enforces the two template invariants: the argv must reference the
// upstream URL via the placeholder, and it must end by writing the container
// to the stdout pipe (the supervisor owns no other output channel).
func Validate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("profile: empty argument list")
	}
	hasURL := false
	for _, a := range args {
		if strings.Contains(a, Placeholder) {
			hasURL = true
			break
		}
	}
	if !hasURL {
		return fmt.Errorf("profile: missing %s placeholder", Placeholder)
	}
	if args[len(args)-1] != "pipe:1" {
		return fmt.Errorf("profile: output must terminate at pipe:1, got %q", args[len(args)-1])
	}
	return nil
}

// Expand substitutes the placeholder with the concrete upstream URL. The
// template is not mutated.
func Expand(args []string, url string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, Placeholder, url)
	}
	return out
}

// commonInputArgs front-loads input handling shared by every builtin
// template: quiet logging, corrupt-packet tolerance, generated PTS, bounded
// probe, and a stalled-read timeout so a dead upstream surfaces as a process
// exit instead of a silent hang.
var commonInputArgs = []string{
	"-nostdin",
	"-hide_banner",
	"-loglevel", "error",
	"-fflags", "+discardcorrupt+genpts",
	"-analyzeduration", "5000000",
	"-probesize", "5000000",
	"-rw_timeout", "15000000",
	"-i", Placeholder,
}

// copyOutputArgs remuxes without re-encoding. Used for clients whose own
// server-side transcoder handles format conversion.
var copyOutputArgs = []string{
	"-map", "0:v:0",
	"-map", "0:a?",
	"-c", "copy",
	"-f", "mpegts",
	"pipe:1",
}

// h264OutputArgs produces conservative CFR H264/AAC output that Plex Web's
// DASH startup and mobile players accept without a second transcode.
var h264OutputArgs = []string{
	"-map", "0:v:0",
	"-map", "0:a:0?",
	"-sn",
	"-dn",
	"-c:v", "libx264",
	"-preset", "veryfast",
	"-tune", "zerolatency",
	"-pix_fmt", "yuv420p",
	"-g", "30",
	"-keyint_min", "30",
	"-sc_threshold", "0",
	"-force_key_frames", "expr:gte(t,n_forced*1)",
	"-c:a", "aac",
	"-ac", "2",
	"-ar", "48000",
	"-b:a", "128k",
	"-af", "aresample=async=1:first_pts=0",
	"-f", "mpegts",
	"pipe:1",
}

// Builtin returns the built-in default profile. The Plex server and the TV
// apps take the copy path; browser and mobile classes get the safe H264
// transcode.
func Builtin() Profile {
	cp := func(args []string) []string {
		return append(append([]string(nil), commonInputArgs...), args...)
	}
	return Profile{
		Web:           cp(h264OutputArgs),
		AndroidMobile: cp(h264OutputArgs),
		AndroidTV:     cp(copyOutputArgs),
		IOSMobile:     cp(h264OutputArgs),
		AppleTV:       cp(copyOutputArgs),
		PlexServer:    cp(copyOutputArgs),
		Fallback:      cp(copyOutputArgs),
	}
}
