package api

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
)

// xmlUserAgents lists the clients that expect XML regardless of their
// Accept header.
var xmlUserAgents = []string{
	"Plex Media Server",
	"PlexMobileAndroid",
	"Plex for Android TV",
}

// wantsXML decides the response encoding: XML when the Accept header asks
// for it or the client is a known XML-only Plex agent, JSON otherwise.
func wantsXML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/xml") || strings.Contains(accept, "text/xml") {
		return true
	}
	ua := r.UserAgent()
	for _, marker := range xmlUserAgents {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// liveType and liveContentType are the only metadata shape Plex accepts for
// Live TV. Plex for Android TV crashes on type 5 / "trailer".
const (
	liveType        = "clip"
	liveContentType = 4
)

// MediaContainer is the typed envelope every Plex-facing response is built
// from. Serialization goes through the scrubber, so a forbidden type value
// can never reach the wire.
type MediaContainer struct {
	XMLName xml.Name `xml:"MediaContainer" json:"-"`

	Size       int    `xml:"size,attr" json:"size"`
	Identifier string `xml:"identifier,attr,omitempty" json:"identifier,omitempty"`
	Title      string `xml:"title1,attr,omitempty" json:"title1,omitempty"`
	Error      string `xml:"status,attr,omitempty" json:"error,omitempty"`

	// Transcode decision verdict, only on /video/:/transcode responses.
	GeneralDecisionCode int    `xml:"generalDecisionCode,attr,omitempty" json:"generalDecisionCode,omitempty"`
	GeneralDecisionText string `xml:"generalDecisionText,attr,omitempty" json:"generalDecisionText,omitempty"`

	Directories []Directory `xml:"Directory" json:"Directory,omitempty"`
	Videos      []Video     `xml:"Video" json:"Metadata,omitempty"`
}

// Directory is a browsable library node.
type Directory struct {
	Key   string `xml:"key,attr" json:"key"`
	Title string `xml:"title,attr" json:"title"`
	Type  string `xml:"type,attr,omitempty" json:"type,omitempty"`
}

// Video is one Live TV item. The four type fields must all read "clip"/4;
// the scrubber enforces that before serialization.
type Video struct {
	Key          string `xml:"key,attr" json:"key"`
	RatingKey    string `xml:"ratingKey,attr" json:"ratingKey"`
	Type         string `xml:"type,attr" json:"type"`
	ContentType  int    `xml:"contentType,attr" json:"contentType"`
	MetadataType string `xml:"metadata_type,attr" json:"metadata_type"`
	MediaType    string `xml:"mediaType,attr" json:"mediaType"`

	Title       string `xml:"title,attr" json:"title"`
	Summary     string `xml:"summary,attr,omitempty" json:"summary,omitempty"`
	ChannelID   string `xml:"channelIdentifier,attr,omitempty" json:"channelIdentifier,omitempty"`
	GuideNumber string `xml:"index,attr,omitempty" json:"index,omitempty"`
	Thumb       string `xml:"thumb,attr,omitempty" json:"thumb,omitempty"`
	Live        int    `xml:"live,attr" json:"live"`

	// Current program timing, unix seconds; zero when no guide data.
	BeginsAt int64 `xml:"beginsAt,attr,omitempty" json:"beginsAt,omitempty"`
	EndsAt   int64 `xml:"endsAt,attr,omitempty" json:"endsAt,omitempty"`
	Duration int64 `xml:"duration,attr,omitempty" json:"duration,omitempty"`
	Offset   int64 `xml:"viewOffset,attr,omitempty" json:"viewOffset,omitempty"`
}

// liveVideo returns a Video pre-filled with the canonical Live TV type
// fields.
func liveVideo() Video {
	return Video{
		Type:         liveType,
		ContentType:  liveContentType,
		MetadataType: liveType,
		MediaType:    liveType,
		Live:         1,
	}
}

// scrub coerces forbidden metadata type values to the canonical Live TV
// shape and reports how many fields it had to touch.
func scrub(mc *MediaContainer) int {
	coerced := 0
	for i := range mc.Videos {
		v := &mc.Videos[i]
		if v.Type == "5" || v.Type == "trailer" || v.Type == "" {
			v.Type = liveType
			coerced++
		}
		if v.ContentType != liveContentType {
			v.ContentType = liveContentType
			coerced++
		}
		if v.MetadataType == "5" || v.MetadataType == "trailer" || v.MetadataType == "" {
			v.MetadataType = liveType
			coerced++
		}
		if v.MediaType == "5" || v.MediaType == "trailer" || v.MediaType == "" {
			v.MediaType = liveType
			coerced++
		}
	}
	return coerced
}

// writeContainer serializes a container in the negotiated encoding.
// metadata responses additionally get the no-store cache headers and a
// per-response ETag.
func (s *Server) writeContainer(w http.ResponseWriter, r *http.Request, status int, mc MediaContainer, metadata bool) {
	if n := scrub(&mc); n > 0 {
		if s.metrics != nil {
			s.metrics.TypeCoercions.Add(float64(n))
		}
		s.log.Warn().Int("coerced", n).Str("path", r.URL.Path).Msg("coerced forbidden metadata type")
	}
	if mc.Size == 0 {
		mc.Size = len(mc.Videos) + len(mc.Directories)
	}

	var body []byte
	var err error
	if wantsXML(r) {
		body, err = xml.Marshal(mc)
		if err == nil {
			body = append([]byte(xml.Header), body...)
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	} else {
		body, err = json.Marshal(mc)
		w.Header().Set("Content-Type", "application/json")
	}
	if err != nil {
		// Marshalling a value type cannot realistically fail; keep the
		// contract anyway and never emit HTML.
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("response marshal failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"size":0,"error":"encode failure"}`))
		return
	}

	if metadata {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("ETag", etagFor(body))
	}
	w.WriteHeader(status)
	w.Write(body)
}

// writeError emits the protocol-correct empty container. Plex endpoints
// never see HTML, whatever went wrong.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if status > http.StatusInternalServerError {
		status = http.StatusInternalServerError
	}
	s.writeContainer(w, r, status, MediaContainer{Size: 0, Error: msg}, false)
}

// etagFor derives a weak validator from the response bytes.
func etagFor(body []byte) string {
	h := fnv.New64a()
	h.Write(body)
	return fmt.Sprintf(`"%x"`, h.Sum64())
}
