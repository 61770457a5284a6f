package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"strconv"

	"github.com/plexbridge/plexbridge/internal/cache"
	"github.com/plexbridge/plexbridge/internal/store"
)

// Fixed device identity strings. Plex matches on the model family to decide
// which tuner quirks to apply; these mirror a real HDHomeRun EXTEND.
const (
	hdhrManufacturer    = "Silicondust"
	hdhrModelNumber     = "HDTC-2US"
	hdhrFirmwareName    = "hdhomeruntc_atsc"
	hdhrFirmwareVersion = "20200101"
)

// discoverPayload is the /discover.json device descriptor.
type discoverPayload struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

// lineupEntry is one /lineup.json element. It carries the HDHomeRun fields
// Plex scans for plus the Live TV metadata shape.
type lineupEntry struct {
	GuideNumber  string `json:"GuideNumber"`
	GuideName    string `json:"GuideName"`
	URL          string `json:"URL"`
	HD           int    `json:"HD"`
	DRM          int    `json:"DRM"`
	Favorite     int    `json:"Favorite"`
	EPGAvailable int    `json:"EPGAvailable"`

	Type         string `json:"type"`
	ContentType  int    `json:"contentType"`
	MetadataType string `json:"metadata_type"`
	MediaType    string `json:"mediaType"`
}

// handleDiscover serves the device descriptor from the cache; a settings
// change invalidates it so Plex sees the new identity on its next poll.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	v, err := s.cache.GetOrFill(r.Context(), cache.KeyDiscovery, cache.TTLDiscovery, true,
		func(ctx context.Context) (any, int64, error) {
			snap := s.cfg.Get()
			base := s.baseURL(r)
			return discoverPayload{
				FriendlyName:    snap.FriendlyName,
				Manufacturer:    hdhrManufacturer,
				ModelNumber:     hdhrModelNumber,
				FirmwareName:    hdhrFirmwareName,
				FirmwareVersion: hdhrFirmwareVersion,
				DeviceID:        snap.DeviceID,
				DeviceAuth:      snap.DeviceID,
				BaseURL:         base,
				LineupURL:       base + "/lineup.json",
				TunerCount:      snap.MaxConcurrentStreams,
			}, 512, nil
		})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "discovery unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v.(discoverPayload))
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	channels, err := s.enabledChannels(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("lineup: channel load failed")
		s.writeError(w, r, http.StatusInternalServerError, "lineup unavailable")
		return
	}
	base := s.baseURL(r)
	out := make([]lineupEntry, 0, len(channels))
	for _, c := range channels {
		epgAvailable := 0
		if c.EPGID != "" {
			epgAvailable = 1
		}
		out = append(out, lineupEntry{
			GuideNumber:  strconv.Itoa(c.ChannelNumber),
			GuideName:    c.Name,
			URL:          base + "/stream/" + c.ChannelID,
			HD:           1,
			DRM:          0,
			EPGAvailable: epgAvailable,
			Type:         liveType,
			ContentType:  liveContentType,
			MetadataType: liveType,
			MediaType:    liveType,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// deviceXML is the UPnP descriptor; marshalled so the friendly name is
// escaped like every other user string.
type deviceXML struct {
	XMLName xml.Name `xml:"root"`
	XMLNS   string   `xml:"xmlns,attr"`
	Device  struct {
		DeviceType   string `xml:"deviceType"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

func (s *Server) handleDeviceXML(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Get()
	var doc deviceXML
	doc.XMLNS = "urn:schemas-upnp-org:device-1-0"
	doc.Device.DeviceType = "urn:schemas-upnp-org:device:MediaServer:1"
	doc.Device.FriendlyName = snap.FriendlyName
	doc.Device.Manufacturer = hdhrManufacturer
	doc.Device.ModelName = hdhrModelNumber
	doc.Device.UDN = "uuid:" + snap.DeviceID

	body, err := xml.Marshal(doc)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "descriptor unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	w.Write(body)
}

// enabledChannels reads the lineup through the cache so Plex's barrage of
// discovery requests hits sqlite at most once per TTL.
func (s *Server) enabledChannels(ctx context.Context) ([]store.Channel, error) {
	v, err := s.cache.GetOrFill(ctx, cache.KeyLineup, cache.TTLLineup, true,
		func(ctx context.Context) (any, int64, error) {
			channels, err := s.store.EnabledChannels(ctx)
			if err != nil {
				return nil, 0, err
			}
			return channels, int64(len(channels) * 128), nil
		})
	if err != nil {
		return nil, err
	}
	return v.([]store.Channel), nil
}
