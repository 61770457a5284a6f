package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plexbridge/plexbridge/internal/cache"
	"github.com/plexbridge/plexbridge/internal/config"
	"github.com/plexbridge/plexbridge/internal/epg"
	"github.com/plexbridge/plexbridge/internal/m3u"
	"github.com/plexbridge/plexbridge/internal/safeurl"
	"github.com/plexbridge/plexbridge/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	channels, err := s.enabledChannels(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil || len(channels) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"loading"}`))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"channels": len(channels),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.sessions.List())
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	s.sessions.Terminate(chi.URLParam(r, "id"), "admin request")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "settings unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settings)
}

// handleSettingsPut persists the submitted keys, re-resolves the config,
// and publishes the new snapshot. In-flight requests keep the snapshot
// they started with.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var incoming map[string]string
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid settings body")
		return
	}
	if err := s.store.PutSettings(r.Context(), incoming); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "settings write failed")
		return
	}
	all, err := s.store.Settings(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "settings read-back failed")
		return
	}
	snap, err := config.Resolve(all)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid configuration: %v", err))
		return
	}
	s.cfg.Publish(snap)
	s.cache.Invalidate(cache.KeyDiscovery)
	if err := s.epg.Reschedule(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("epg reschedule after settings change failed")
	}
	s.log.Info().Int("keys", len(incoming)).Msg("settings updated")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(all)
}

// epgSourceRequest is the admin payload for subscribing an XMLTV feed.
type epgSourceRequest struct {
	SourceID        string `json:"source_id"`
	URL             string `json:"url"`
	RefreshInterval string `json:"refresh_interval"`
	Enabled         bool   `json:"enabled"`
	Category        string `json:"category"`
}

func (s *Server) handleEPGSourcePut(w http.ResponseWriter, r *http.Request) {
	var req epgSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid source body")
		return
	}
	if !safeurl.IsHTTPOrHTTPS(req.URL) {
		s.writeError(w, r, http.StatusBadRequest, "source url must be http or https")
		return
	}
	if req.SourceID == "" {
		req.SourceID = uuid.NewString()
	}
	src := store.EPGSource{
		SourceID:        req.SourceID,
		URL:             req.URL,
		RefreshInterval: req.RefreshInterval,
		Enabled:         req.Enabled,
		Category:        req.Category,
	}
	if err := s.store.UpsertEPGSource(r.Context(), src); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "source write failed")
		return
	}
	if err := s.epg.Reschedule(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("epg reschedule failed")
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"source_id": req.SourceID})
}

func (s *Server) handleEPGRefresh(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	err := s.epg.RefreshSource(r.Context(), sourceID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, epg.ErrUnknownSource):
		s.writeError(w, r, http.StatusNotFound, "unknown source")
	case errors.Is(err, epg.ErrSourceUnreachable):
		s.writeError(w, r, http.StatusBadGateway, "source unreachable")
	case errors.Is(err, epg.ErrStoredZero), errors.Is(err, epg.ErrParse):
		s.writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, "refresh failed")
	}
}

// importEvent is one SSE payload on the playlist import stream.
type importEvent struct {
	Parsed    int   `json:"parsed"`
	Estimated int   `json:"estimated,omitempty"`
	BytesRead int64 `json:"bytes_read,omitempty"`
	Inserted  int   `json:"inserted"`
	Skipped   int   `json:"skipped"`
}

// handleImport ingests an M3U playlist and streams progress as server-sent
// events. Re-importing the same playlist is idempotent: entries whose
// (url, display name) pair already exists are skipped.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	m3uURL := r.URL.Query().Get("url")
	if m3uURL == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing url")
		return
	}
	if !safeurl.IsHTTPOrHTTPS(m3uURL) {
		s.writeError(w, r, http.StatusBadRequest, "playlist url must be http or https")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	estimate, err := s.importer.Estimate(r.Context(), m3uURL)
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, "playlist fetch failed")
		return
	}
	scan, err := s.importer.ParseURL(r.Context(), m3uURL, estimate)
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, "playlist fetch failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	nextNumber, err := s.store.NextChannelNumber(r.Context())
	if err != nil {
		sendEvent(w, flusher, "error", map[string]string{"error": "storage unavailable"})
		return
	}

	var ev importEvent
	batches := scan.Batches
	progress := scan.Progress
	for batches != nil || progress != nil {
		select {
		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			for _, rec := range batch {
				inserted, err := s.importRecord(r.Context(), rec, &nextNumber)
				if err != nil {
					s.log.Warn().Err(err).Str("url", safeurl.Redact(rec.URL)).Msg("import record failed")
					continue
				}
				if inserted {
					ev.Inserted++
				} else {
					ev.Skipped++
				}
			}
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			ev.Parsed = p.Parsed
			ev.Estimated = p.EstimatedTotal
			ev.BytesRead = p.BytesRead
			sendEvent(w, flusher, "progress", ev)
		case <-r.Context().Done():
			return
		}
	}

	if err := scan.Err(); err != nil {
		status := importErrorName(err)
		s.log.Warn().Err(err).Str("url", safeurl.Redact(m3uURL)).Msg("playlist import failed")
		sendEvent(w, flusher, "error", map[string]string{"error": status})
		return
	}
	ev.Parsed = ev.Inserted + ev.Skipped
	s.cache.Invalidate(cache.KeyLineup)
	s.log.Info().Int("inserted", ev.Inserted).Int("skipped", ev.Skipped).Msg("playlist import complete")
	sendEvent(w, flusher, "done", ev)
}

// importRecord creates a channel and stream for one playlist entry unless
// an identical entry already exists.
func (s *Server) importRecord(ctx context.Context, rec m3u.Record, nextNumber *int) (bool, error) {
	exists, err := s.store.StreamExists(ctx, rec.URL, rec.DisplayName)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	channelID := uuid.NewString()
	ch := store.Channel{
		ChannelID:     channelID,
		ChannelNumber: *nextNumber,
		Name:          rec.DisplayName,
		LogoURL:       rec.TvgLogo,
		EPGID:         rec.TvgID,
		Enabled:       true,
	}
	if err := s.store.UpsertChannel(ctx, ch); err != nil {
		return false, err
	}
	st := store.Stream{
		StreamID:  uuid.NewString(),
		ChannelID: channelID,
		URL:       rec.URL,
		Enabled:   true,
	}
	if err := s.store.UpsertStream(ctx, st); err != nil {
		return false, err
	}
	*nextNumber++
	return true, nil
}

func importErrorName(err error) string {
	switch {
	case errors.Is(err, m3u.ErrMalformed):
		return "malformed playlist"
	case errors.Is(err, m3u.ErrEmpty):
		return "empty playlist"
	case errors.Is(err, m3u.ErrNetwork):
		return "network failure"
	default:
		return "import failed"
	}
}

// sendEvent writes one SSE frame.
func sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
