// Command plexbridge bridges IPTV playlists into Plex: it emulates an
// HDHomeRun tuner, answers the Plex library endpoints, supervises FFmpeg
// per viewing session, and keeps an XMLTV guide refreshed.
//
// Configuration layers, lowest to highest: compiled defaults, settings
// persisted in the database, PLEXBRIDGE_* environment variables, then the
// flags below. A .env file next to the binary is loaded into the
// environment first.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/plexbridge/plexbridge/internal/api"
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

func main() {
	envFile := flag.String("env", ".env", "env file loaded before anything else (missing file is fine)")
	dbPath := flag.String("db", "", "SQLite database path (default: PLEXBRIDGE_DB_PATH or ./plexbridge.db)")
	addr := flag.String("addr", "", "listen address (default: PLEXBRIDGE_LISTEN_ADDR or :5004)")
	baseURL := flag.String("base-url", "", "advertised base URL for Plex (default: derived from request Host)")
	flag.Parse()

	if err := run(*envFile, *dbPath, *addr, *baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "plexbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile, dbPath, addr, baseURL string) error {
	_ = config.LoadEnvFile(envFile)

	// Bootstrap resolve (defaults + env only) just to locate the database;
	// the real snapshot is resolved again once stored settings are readable.
	boot, err := config.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	if dbPath == "" {
		dbPath = boot.DBPath
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store %s: %w", dbPath, err)
	}
	defer st.Close()

	settings, err := st.Settings(context.Background())
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	snap, err := config.Resolve(settings)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	if addr != "" {
		snap.ListenAddr = addr
	}
	if baseURL != "" {
		snap.BaseURL = baseURL
	}
	holder := config.NewHolder(snap)

	observe.ConfigureLog(observe.LogConfig{Level: snap.LogLevel})
	log := observe.Component("main")

	reg := prometheus.NewRegistry()
	metrics := observe.NewMetrics(reg)
	c := cache.New(snap.CacheMaxBytes, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := epg.New(st, nil, c, metrics, snap.EPGRefreshParallelism)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start epg: %w", err)
	}
	defer engine.Stop()

	limits := func() session.Limits {
		s := holder.Get()
		return session.Limits{
			MaxConcurrent: s.MaxConcurrentStreams,
			PerStream:     s.PerStreamConcurrencyDefault,
			IdleGrace:     s.IdleGrace(),
			IdleCeiling:   s.IdleCeiling(),
		}
	}
	// The registry's terminate hook needs the server, which needs the
	// registry. Bind late through the captured pointer.
	var srv *api.Server
	sessions := session.NewRegistry(metrics, limits, func(s session.Snapshot, reason string) {
		if srv != nil {
			srv.ReleaseSession(s, reason)
		}
	})
	defer sessions.Close()

	srv = api.New(api.Deps{
		Config:   holder,
		Store:    st,
		Cache:    c,
		EPG:      engine,
		Sessions: sessions,
		Profiles: profile.NewRegistry(st),
		Prober:   probe.New(nil, snap.DeferredThreshold()),
		Metrics:  metrics,
		Gatherer: reg,
		Importer: m3u.NewParser(nil),
	})

	log.Info().
		Str("db", dbPath).
		Str("addr", snap.ListenAddr).
		Str("device_id", snap.DeviceID).
		Msg("starting")
	return srv.Run(ctx)
}
