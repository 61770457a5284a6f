package epg

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/plexbridge/plexbridge/internal/store"
)

// xmltvTimeFormats covers the observed wire variants of XMLTV timestamps.
var xmltvTimeFormats = []string{
	"20060102150405 -0700",
	"20060102150405",
	"200601021504",
}

func parseXMLTVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, f := range xmltvTimeFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable xmltv time %q", s)
}

// parseXMLTV walks the document token by token so guide files of any size
// parse in constant memory. Channel and programme records are delivered
// through the callbacks as they complete; a callback error aborts the parse.
func parseXMLTV(r io.Reader, onChannel func(store.EPGChannel) error, onProgram func(store.EPGProgram) error) error {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	sawTV := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "tv":
			sawTV = true
		case "channel":
			ch, err := parseChannelElem(dec, start)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrParse, err)
			}
			if ch.XMLTVChannelID == "" {
				continue
			}
			if err := onChannel(ch); err != nil {
				return err
			}
		case "programme":
			p, perr := parseProgrammeElem(dec, start)
			if perr != nil {
				return fmt.Errorf("%w: %v", ErrParse, perr)
			}
			// Entries without a channel or a sane time range are skipped, not
			// fatal; real-world feeds carry the odd broken row.
			if p.XMLTVChannelID == "" || p.Start.IsZero() || !p.End.After(p.Start) {
				continue
			}
			if err := onProgram(p); err != nil {
				return err
			}
		}
	}
	if !sawTV {
		return fmt.Errorf("%w: no <tv> root element", ErrParse)
	}
	return nil
}

func parseChannelElem(dec *xml.Decoder, start xml.StartElement) (store.EPGChannel, error) {
	var ch store.EPGChannel
	for _, a := range start.Attr {
		if a.Name.Local == "id" {
			ch.XMLTVChannelID = strings.TrimSpace(a.Value)
		}
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return ch, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "display-name":
				var name string
				if err := dec.DecodeElement(&name, &el); err == nil && ch.DisplayName == "" {
					ch.DisplayName = strings.TrimSpace(name)
				}
			case "icon":
				for _, a := range el.Attr {
					if a.Name.Local == "src" {
						ch.IconURL = a.Value
					}
				}
				dec.Skip()
			default:
				dec.Skip()
			}
		case xml.EndElement:
			if el.Name.Local == "channel" {
				return ch, nil
			}
		}
	}
}

func parseProgrammeElem(dec *xml.Decoder, start xml.StartElement) (store.EPGProgram, error) {
	var p store.EPGProgram
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "start":
			if t, err := parseXMLTVTime(a.Value); err == nil {
				p.Start = t
			}
		case "stop":
			if t, err := parseXMLTVTime(a.Value); err == nil {
				p.End = t
			}
		case "channel":
			p.XMLTVChannelID = strings.TrimSpace(a.Value)
		}
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return p, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "title":
				var s string
				if err := dec.DecodeElement(&s, &el); err == nil && p.Title == "" {
					p.Title = strings.TrimSpace(s)
				}
			case "sub-title":
				var s string
				if err := dec.DecodeElement(&s, &el); err == nil {
					p.Subtitle = strings.TrimSpace(s)
				}
			case "desc":
				var s string
				if err := dec.DecodeElement(&s, &el); err == nil {
					p.Description = strings.TrimSpace(s)
				}
			case "category":
				var s string
				if err := dec.DecodeElement(&s, &el); err == nil && p.Category == "" {
					p.Category = strings.TrimSpace(s)
				}
			case "episode-num":
				system := ""
				for _, a := range el.Attr {
					if a.Name.Local == "system" {
						system = a.Value
					}
				}
				var s string
				if err := dec.DecodeElement(&s, &el); err == nil {
					applyEpisodeNum(&p, system, strings.TrimSpace(s))
				}
			case "date":
				var s string
				if err := dec.DecodeElement(&s, &el); err == nil {
					if y, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && y > 1800 {
						p.Year = y
					} else if len(s) >= 4 {
						if y, err := strconv.Atoi(s[:4]); err == nil {
							p.Year = y
						}
					}
				}
			case "rating":
				p.Rating = parseRatingElem(dec, el)
			case "video":
				if parseVideoHD(dec) {
					p.Flags |= store.ProgramHD
				}
			case "live":
				p.Flags |= store.ProgramLive
				dec.Skip()
			case "premiere":
				p.Flags |= store.ProgramPremiere
				dec.Skip()
			case "last-chance":
				p.Flags |= store.ProgramFinale
				dec.Skip()
			case "new":
				p.Flags |= store.ProgramNew
				dec.Skip()
			default:
				dec.Skip()
			}
		case xml.EndElement:
			if el.Name.Local == "programme" {
				return p, nil
			}
		}
	}
}

// applyEpisodeNum understands the two common numbering systems: zero-based
// xmltv_ns "season.episode.part" and onscreen "S01E05".
func applyEpisodeNum(p *store.EPGProgram, system, value string) {
	switch system {
	case "xmltv_ns":
		parts := strings.Split(value, ".")
		if len(parts) >= 1 {
			if n, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(parts[0], "/", 2)[0])); err == nil {
				p.Season = n + 1
			}
		}
		if len(parts) >= 2 {
			if n, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(parts[1], "/", 2)[0])); err == nil {
				p.Episode = n + 1
			}
		}
	case "onscreen", "":
		up := strings.ToUpper(value)
		si := strings.Index(up, "S")
		ei := strings.Index(up, "E")
		if si >= 0 && ei > si {
			if n, err := strconv.Atoi(up[si+1 : ei]); err == nil {
				p.Season = n
			}
			rest := up[ei+1:]
			end := len(rest)
			for i, c := range rest {
				if c < '0' || c > '9' {
					end = i
					break
				}
			}
			if n, err := strconv.Atoi(rest[:end]); err == nil {
				p.Episode = n
			}
		}
	}
}

func parseRatingElem(dec *xml.Decoder, start xml.StartElement) string {
	rating := ""
	for {
		tok, err := dec.Token()
		if err != nil {
			return rating
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == "value" {
				var s string
				if err := dec.DecodeElement(&s, &el); err == nil && rating == "" {
					rating = strings.TrimSpace(s)
				}
			} else {
				dec.Skip()
			}
		case xml.EndElement:
			if el.Name.Local == "rating" {
				return rating
			}
		}
	}
}

func parseVideoHD(dec *xml.Decoder) bool {
	hd := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return hd
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == "quality" {
				var s string
				if err := dec.DecodeElement(&s, &el); err == nil {
					q := strings.ToUpper(strings.TrimSpace(s))
					if strings.Contains(q, "HD") || strings.Contains(q, "1080") || strings.Contains(q, "720") {
						hd = true
					}
				}
			} else {
				dec.Skip()
			}
		case xml.EndElement:
			if el.Name.Local == "video" {
				return hd
			}
		}
	}
}
