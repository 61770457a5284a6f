package api

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ssdpSearchTargets are the M-SEARCH targets we answer; Plex discovers
// tuners through the MediaServer device class.
var ssdpSearchTargets = []string{
	"ssdp:all",
	"urn:schemas-upnp-org:device:MediaServer",
	"urn:schemas-upnp-org:device:Basic:1",
}

// runSSDP answers SSDP M-SEARCH probes on UDP 1900 so Plex can find the
// tuner without manual configuration. Runs until ctx is cancelled; a
// missing BaseURL disables discovery because Plex needs an absolute
// location for device.xml.
func (s *Server) runSSDP(ctx context.Context) {
	snap := s.cfg.Get()
	location := deviceXMLURL(snap.BaseURL)
	if location == "" {
		s.log.Info().Msg("ssdp disabled: base_url not set")
		return
	}

	pc, err := net.ListenPacket("udp", ":1900")
	if err != nil {
		s.log.Warn().Err(err).Msg("ssdp listen failed")
		return
	}
	defer pc.Close()
	s.log.Info().Str("location", location).Msg("ssdp listening on :1900")

	response := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"CACHE-CONTROL: max-age=300\r\n"+
			"EXT:\r\n"+
			"LOCATION: %s\r\n"+
			"SERVER: PlexBridge/1.0\r\n"+
			"ST: urn:schemas-upnp-org:device:MediaServer:1\r\n"+
			"USN: uuid:%s::urn:schemas-upnp-org:device:MediaServer:1\r\n"+
			"\r\n",
		location, snap.DeviceID)

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pc.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.log.Debug().Err(err).Msg("ssdp read")
			continue
		}
		msg := string(buf[:n])
		if !strings.Contains(msg, "M-SEARCH") || !matchesSearchTarget(msg) {
			continue
		}
		if _, err := pc.WriteTo([]byte(response), addr); err != nil {
			s.log.Debug().Err(err).Str("remote", addr.String()).Msg("ssdp respond")
			continue
		}
		s.log.Debug().Str("remote", addr.String()).Msg("answered ssdp search")
	}
}

func matchesSearchTarget(msg string) bool {
	for _, target := range ssdpSearchTargets {
		if strings.Contains(msg, target) {
			return true
		}
	}
	return false
}

// deviceXMLURL builds the absolute descriptor URL from the configured base.
func deviceXMLURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/device.xml"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
