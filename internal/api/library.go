package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plexbridge/plexbridge/internal/cache"
	"github.com/plexbridge/plexbridge/internal/store"
)

const containerIdentifier = "com.plexapp.plugins.library"

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	mc := MediaContainer{
		Identifier: containerIdentifier,
		Title:      s.cfg.Get().FriendlyName,
		Directories: []Directory{
			{Key: "1", Title: "Live TV", Type: liveType},
		},
	}
	s.writeContainer(w, r, http.StatusOK, mc, true)
}

func (s *Server) handleSectionAll(w http.ResponseWriter, r *http.Request) {
	channels, err := s.enabledChannels(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("section listing: channel load failed")
		s.writeError(w, r, http.StatusInternalServerError, "library unavailable")
		return
	}
	mc := MediaContainer{Identifier: containerIdentifier, Title: "Live TV"}
	for _, c := range channels {
		mc.Videos = append(mc.Videos, s.channelVideo(r, c))
	}
	s.writeContainer(w, r, http.StatusOK, mc, true)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")
	c, err := s.cachedChannel(r.Context(), channelID)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "unknown metadata id")
		return
	}
	mc := MediaContainer{Identifier: containerIdentifier}
	mc.Videos = append(mc.Videos, s.channelVideo(r, c))
	s.writeContainer(w, r, http.StatusOK, mc, true)
}

// handleTimeline reports the position inside the airing program. Plex polls
// it while a live stream plays.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")
	c, err := s.cachedChannel(r.Context(), channelID)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "unknown timeline id")
		return
	}
	v := s.channelVideo(r, c)
	if v.BeginsAt > 0 {
		v.Offset = (time.Now().Unix() - v.BeginsAt) * 1000
		if v.Offset < 0 {
			v.Offset = 0
		}
	}
	mc := MediaContainer{Identifier: containerIdentifier, Videos: []Video{v}}
	s.writeContainer(w, r, http.StatusOK, mc, true)
}

// handleDecision always answers "direct play". The stream endpoint already
// serves client-appropriate output, so there is nothing for Plex to
// transcode twice.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	mc := MediaContainer{
		Size:                1,
		Identifier:          containerIdentifier,
		GeneralDecisionCode: 1000,
		GeneralDecisionText: "Direct play OK",
	}
	s.writeContainer(w, r, http.StatusOK, mc, true)
}

// cachedChannel resolves a channel shell through the metadata cache. Plex
// polls metadata and timeline every few seconds per player; the shell only
// changes on a playlist import, and imports mint fresh channel ids.
func (s *Server) cachedChannel(ctx context.Context, channelID string) (store.Channel, error) {
	v, err := s.cache.GetOrFill(ctx, cache.KeyMetadata(channelID), cache.TTLMetadata, false,
		func(ctx context.Context) (any, int64, error) {
			c, err := s.store.GetChannel(ctx, channelID)
			if err != nil {
				return nil, 0, err
			}
			return c, 256, nil
		})
	if err != nil {
		return store.Channel{}, err
	}
	return v.(store.Channel), nil
}

// channelVideo builds the Live TV item for a channel, decorated with guide
// data when the channel has an EPG mapping.
func (s *Server) channelVideo(r *http.Request, c store.Channel) Video {
	v := liveVideo()
	v.Key = "/library/metadata/" + c.ChannelID
	v.RatingKey = c.ChannelID
	v.Title = c.Name
	v.ChannelID = c.ChannelID
	v.GuideNumber = strconv.Itoa(c.ChannelNumber)
	v.Thumb = c.LogoURL

	current, next, err := s.epg.NowNext(r.Context(), c)
	if err != nil {
		s.log.Debug().Err(err).Str("channel", c.ChannelID).Msg("now/next lookup failed")
		return v
	}
	if current != nil {
		v.Title = c.Name + ": " + current.Title
		v.Summary = current.Description
		v.BeginsAt = current.Start.Unix()
		v.EndsAt = current.End.Unix()
		v.Duration = current.End.Sub(current.Start).Milliseconds()
	}
	if current == nil && next != nil {
		v.Summary = "Next: " + next.Title
	}
	return v
}
