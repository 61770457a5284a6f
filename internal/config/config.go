// Package config resolves the live configuration snapshot from three layers:
// compiled defaults, settings persisted in the store, and PLEXBRIDGE_*
// environment variables (highest priority).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Snapshot is one immutable resolved configuration. Handlers capture the
// snapshot at request start and keep it for the life of the request; a
// settings write publishes a fresh snapshot without touching captured ones.
type Snapshot struct {
	// Server
	ListenAddr   string `koanf:"listen_addr"`
	BaseURL      string `koanf:"base_url"`
	DeviceID     string `koanf:"device_id"`
	FriendlyName string `koanf:"friendly_name"`
	DBPath       string `koanf:"db_path"`
	LogLevel     string `koanf:"log_level"`
	SSDPDisabled bool   `koanf:"ssdp_disabled"`

	// Tuner admission
	MaxConcurrentStreams        int `koanf:"max_concurrent_streams"`
	PerStreamConcurrencyDefault int `koanf:"per_stream_concurrency_default"`

	// Deferred start
	DeferredStartThresholdMS    int `koanf:"deferred_start_threshold_ms"`
	DeferredFirstByteDeadlineMS int `koanf:"deferred_first_byte_deadline_ms"`
	DeferredHandoverDeadlineMS  int `koanf:"deferred_handover_deadline_ms"`

	// Sessions
	SessionIdleGraceSeconds   int `koanf:"session_idle_grace_seconds"`
	SessionIdleCeilingSeconds int `koanf:"session_idle_ceiling_seconds"`

	// EPG
	EPGRefreshParallelism int    `koanf:"epg_refresh_parallelism"`
	Timezone              string `koanf:"timezone"`

	// Transcoder
	TranscoderBinaryPath     string `koanf:"transcoder_binary_path"`
	TranscoderDefaultProfile string `koanf:"transcoder_default_profile"`

	// Cache
	CacheMaxBytes int64 `koanf:"cache_max_bytes"`
}

// Defaults returns the compiled default snapshot.
func Defaults() Snapshot {
	return Snapshot{
		ListenAddr:                  ":5004",
		BaseURL:                     "",
		DeviceID:                    "plexbridge01",
		FriendlyName:                "PlexBridge",
		DBPath:                      "./plexbridge.db",
		LogLevel:                    "info",
		MaxConcurrentStreams:        4,
		PerStreamConcurrencyDefault: 0, // 0 = no per-stream cap
		DeferredStartThresholdMS:    3000,
		DeferredFirstByteDeadlineMS: 1000,
		DeferredHandoverDeadlineMS:  30000,
		SessionIdleGraceSeconds:     20,
		SessionIdleCeilingSeconds:   90,
		EPGRefreshParallelism:       2,
		Timezone:                    "UTC",
		TranscoderBinaryPath:        "ffmpeg",
		TranscoderDefaultProfile:    "default",
		CacheMaxBytes:               32 << 20,
	}
}

// envPrefix is stripped from environment keys; PLEXBRIDGE_MAX_CONCURRENT_STREAMS
// maps onto the max_concurrent_streams field.
const envPrefix = "PLEXBRIDGE_"

// Resolve merges defaults, persisted settings, and the environment into one
// snapshot. settings may be nil.
func Resolve(settings map[string]string) (Snapshot, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Snapshot{}, fmt.Errorf("load defaults: %w", err)
	}
	for key, val := range settings {
		if err := k.Set(strings.ToLower(strings.TrimSpace(key)), val); err != nil {
			return Snapshot{}, fmt.Errorf("apply setting %q: %w", key, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Snapshot{}, fmt.Errorf("load env: %w", err)
	}
	var snap Snapshot
	if err := k.Unmarshal("", &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := snap.validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s Snapshot) validate() error {
	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be >= 1 (got %d)", s.MaxConcurrentStreams)
	}
	if s.DeferredFirstByteDeadlineMS <= 0 || s.DeferredHandoverDeadlineMS <= s.DeferredFirstByteDeadlineMS {
		return fmt.Errorf("deferred deadlines out of order: first_byte=%dms handover=%dms",
			s.DeferredFirstByteDeadlineMS, s.DeferredHandoverDeadlineMS)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", s.Timezone, err)
	}
	return nil
}

// Location returns the display timezone. Stored times stay UTC; only the
// guide rendering layer converts.
func (s Snapshot) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DeferredThreshold returns the probe latency above which a
// connection-limited stream auto-enables deferred start.
func (s Snapshot) DeferredThreshold() time.Duration {
	return time.Duration(s.DeferredStartThresholdMS) * time.Millisecond
}

// FirstByteDeadline returns how quickly the stream endpoint must emit its
// first response byte.
func (s Snapshot) FirstByteDeadline() time.Duration {
	return time.Duration(s.DeferredFirstByteDeadlineMS) * time.Millisecond
}

// HandoverDeadline returns how long the deferred shim pads before giving up
// on the upstream.
func (s Snapshot) HandoverDeadline() time.Duration {
	return time.Duration(s.DeferredHandoverDeadlineMS) * time.Millisecond
}

// IdleGrace returns the empty-session grace window.
func (s Snapshot) IdleGrace() time.Duration {
	return time.Duration(s.SessionIdleGraceSeconds) * time.Second
}

// IdleCeiling returns the no-activity ceiling after which any session is
// terminated.
func (s Snapshot) IdleCeiling() time.Duration {
	return time.Duration(s.SessionIdleCeilingSeconds) * time.Second
}
