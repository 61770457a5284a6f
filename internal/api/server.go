// Package api is the Plex-facing protocol surface: HDHomeRun emulation,
// library metadata, the stream endpoints, guide exports, and the admin API.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/cache"
	"github.com/plexbridge/plexbridge/internal/config"
	"github.com/plexbridge/plexbridge/internal/epg"
	"github.com/plexbridge/plexbridge/internal/m3u"
	"github.com/plexbridge/plexbridge/internal/observe"
	"github.com/plexbridge/plexbridge/internal/probe"
	"github.com/plexbridge/plexbridge/internal/profile"
	"github.com/plexbridge/plexbridge/internal/session"
	"github.com/plexbridge/plexbridge/internal/store"
)

// Deps are the services the surface is built from. All fields except
// Gatherer and Importer are required.
type Deps struct {
	Config   *config.Holder
	Store    *store.Store
	Cache    *cache.Cache
	EPG      *epg.Engine
	Sessions *session.Registry
	Profiles *profile.Registry
	Prober   *probe.Prober
	Metrics  *observe.Metrics
	Gatherer prometheus.Gatherer
	Importer *m3u.Parser
}

// Server wires the components behind the HTTP routes.
type Server struct {
	cfg      *config.Holder
	store    *store.Store
	cache    *cache.Cache
	epg      *epg.Engine
	sessions *session.Registry
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	importer *m3u.Parser
	log      zerolog.Logger

	streamer *streamer
}

// New builds the server. Register ReleaseSession as the session registry's
// terminate hook so ended sessions tear down their transcoder.
func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		store:    d.Store,
		cache:    d.Cache,
		epg:      d.EPG,
		sessions: d.Sessions,
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		importer: d.Importer,
		log:      observe.Component("api"),
	}
	s.streamer = newStreamer(d)
	return s
}

// ReleaseSession stops the transcoder pipeline of a terminated session. It
// is safe to call for sessions that never started one.
func (s *Server) ReleaseSession(snap session.Snapshot, reason string) {
	s.streamer.release(snap.ID, reason)
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(queryAllowlist)

	// HDHomeRun emulation.
	r.Get("/discover.json", withTimeout(5*time.Second, s.handleDiscover))
	r.Get("/lineup_status.json", withTimeout(5*time.Second, s.handleLineupStatus))
	r.Get("/lineup.json", withTimeout(10*time.Second, s.handleLineup))
	r.Get("/device.xml", withTimeout(5*time.Second, s.handleDeviceXML))

	// Plex library surface.
	r.Get("/library/sections", withTimeout(5*time.Second, s.handleSections))
	r.Get("/library/sections/1/all", withTimeout(5*time.Second, s.handleSectionAll))
	r.Get("/library/metadata/{id}", withTimeout(5*time.Second, s.handleMetadata))
	r.Get("/timeline/{id}", withTimeout(5*time.Second, s.handleTimeline))
	r.Get("/video/:/transcode/universal/decision", withTimeout(5*time.Second, s.handleDecision))

	// Streaming. No timeout wrapper: these responses live for hours.
	r.Get("/stream/{channelID}", s.streamer.handleStream)
	r.Get("/streams/preview/{channelID}", s.streamer.handlePreview)

	// Exports for non-Plex consumers.
	r.Get("/live.m3u", withTimeout(10*time.Second, s.handleLiveM3U))
	r.Get("/guide.xml", withTimeout(30*time.Second, s.handleGuideXML))

	// Diagnostics.
	r.Get("/healthz", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Delete("/sessions/{id}", s.handleSessionDelete)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Admin API.
	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", s.handleSettingsGet)
		r.Put("/settings", s.handleSettingsPut)
		r.Post("/epg/sources", s.handleEPGSourcePut)
		r.Post("/epg/refresh/{sourceID}", s.handleEPGRefresh)
		r.Post("/playlists/import", s.handleImport)
	})

	return r
}

// Run serves until ctx is cancelled, then drains with a 10 s grace.
func (s *Server) Run(ctx context.Context) error {
	snap := s.cfg.Get()
	srv := &http.Server{Addr: snap.ListenAddr, Handler: s.Router()}

	if !snap.SSDPDisabled {
		go s.runSSDP(ctx)
	} else {
		s.log.Info().Msg("ssdp disabled by config")
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", snap.ListenAddr).Str("base_url", snap.BaseURL).Msg("listening")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		s.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("shutdown")
		}
		<-serverErr
		return nil
	}
}

// baseURL resolves the advertised base: configured value if set, else
// derived from the request's Host header.
func (s *Server) baseURL(r *http.Request) string {
	if base := strings.TrimSpace(s.cfg.Get().BaseURL); base != "" {
		return strings.TrimSuffix(base, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
