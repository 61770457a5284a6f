package api

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// handleLiveM3U serves the lineup as an extended M3U with url-tvg pointing
// back at the guide export, for non-Plex players.
func (s *Server) handleLiveM3U(w http.ResponseWriter, r *http.Request) {
	channels, err := s.enabledChannels(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "lineup unavailable")
		return
	}
	base := s.baseURL(r)

	w.Header().Set("Content-Type", "audio/x-mpegurl; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	var b strings.Builder
	b.WriteString("#EXTM3U url-tvg=\"" + base + "/guide.xml\"\n")
	for _, c := range channels {
		tvgID := c.EPGID
		if tvgID == "" {
			tvgID = strconv.Itoa(c.ChannelNumber)
		}
		name := strings.ReplaceAll(c.Name, ",", " ")
		b.WriteString(`#EXTINF:-1 tvg-id="` + escapeM3UAttr(tvgID) +
			`" tvg-name="` + escapeM3UAttr(name) + `"`)
		if c.LogoURL != "" {
			b.WriteString(` tvg-logo="` + escapeM3UAttr(c.LogoURL) + `"`)
		}
		b.WriteString("," + name + "\n")
		b.WriteString(base + "/stream/" + c.ChannelID + "\n")
	}
	w.Write([]byte(b.String()))
}

func escapeM3UAttr(s string) string {
	return strings.NewReplacer(`"`, "'", "\n", " ", "\r", " ").Replace(s)
}

// xmltvTimeLayout is the guide export timestamp format.
const xmltvTimeLayout = "20060102150405 -0700"

type xmltvTV struct {
	XMLName       xml.Name         `xml:"tv"`
	GeneratorName string           `xml:"generator-info-name,attr"`
	Channels      []xmltvChannel   `xml:"channel"`
	Programmes    []xmltvProgramme `xml:"programme"`
}

type xmltvChannel struct {
	ID          string     `xml:"id,attr"`
	DisplayName string     `xml:"display-name"`
	Icon        *xmltvIcon `xml:"icon"`
}

type xmltvIcon struct {
	Src string `xml:"src,attr"`
}

type xmltvProgramme struct {
	Channel  string `xml:"channel,attr"`
	Start    string `xml:"start,attr"`
	Stop     string `xml:"stop,attr"`
	Title    string `xml:"title"`
	SubTitle string `xml:"sub-title,omitempty"`
	Desc     string `xml:"desc,omitempty"`
	Category string `xml:"category,omitempty"`
}

// guideWindow is how far ahead the XMLTV export reaches.
const guideWindow = 48 * time.Hour

// handleGuideXML renders the stored guide back out as XMLTV. Times are
// shown in the configured display timezone; storage stays UTC.
func (s *Server) handleGuideXML(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	rows, err := s.epg.Guide(r.Context(), now.Add(-time.Hour), now.Add(guideWindow))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "guide unavailable")
		return
	}
	loc := s.cfg.Get().Location()

	doc := xmltvTV{GeneratorName: "plexbridge"}
	seen := map[string]bool{}
	for _, row := range rows {
		// Orphan programs keep their XMLTV channel id; mapped ones use the
		// bridge channel id so Plex joins them against the lineup.
		chID := row.ChannelID
		if chID == "" {
			chID = row.Program.XMLTVChannelID
		}
		if !seen[chID] {
			seen[chID] = true
			doc.Channels = append(doc.Channels, xmltvChannel{
				ID:          chID,
				DisplayName: row.ChannelName,
			})
		}
		doc.Programmes = append(doc.Programmes, xmltvProgramme{
			Channel:  chID,
			Start:    row.Program.Start.In(loc).Format(xmltvTimeLayout),
			Stop:     row.Program.End.In(loc).Format(xmltvTimeLayout),
			Title:    row.Program.Title,
			SubTitle: row.Program.Subtitle,
			Desc:     row.Program.Description,
			Category: row.Program.Category,
		})
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "guide unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	w.Write(body)
}
