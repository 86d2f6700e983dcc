package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known backend names per concern.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = map[string][]string{
	"audio": {"portaudio"},
	"vad":   {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Misconfigurations that merely degrade functionality are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.App.LogLevel != "" && !cfg.App.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("app.log_level %q is invalid; valid values: debug, info, warn, error", cfg.App.LogLevel))
	}

	validateBackendName("audio", cfg.Audio.Capture.Backend)
	validateBackendName("audio", cfg.Audio.Playback.Backend)
	validateBackendName("vad", cfg.VAD.Engine)

	// Availability warnings: the engine still starts, reduced to offline
	// capture only.
	if cfg.Session.Endpoint == "" {
		slog.Warn("session.endpoint is empty; live sessions will not be available")
	}
	if cfg.Auth.TokenEndpoint == "" && cfg.Auth.APIKey == "" && cfg.Session.Endpoint != "" {
		slog.Warn("auth is not configured; connecting will fail until credentials are provided")
	}
	if cfg.Recording.PostgresDSN == "" {
		slog.Warn("recording.postgres_dsn is empty; offline capture will not persist recordings")
	}

	if v := cfg.Playback().Volume; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("audio.playback.volume %.2f is out of range [0, 1]", v))
	}
	for _, dev := range []struct {
		name string
		cfg  DeviceConfig
	}{
		{"audio.capture", cfg.Audio.Capture},
		{"audio.playback", cfg.Audio.Playback.DeviceConfig},
	} {
		if dev.cfg.SampleRate < 0 {
			errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", dev.name, dev.cfg.SampleRate))
		}
		if dev.cfg.Channels < 0 || dev.cfg.Channels > 2 {
			errs = append(errs, fmt.Errorf("%s.channels %d is out of range [0, 2]", dev.name, dev.cfg.Channels))
		}
		if dev.cfg.FrameSizeMs < 0 {
			errs = append(errs, fmt.Errorf("%s.frame_size_ms %d must not be negative", dev.name, dev.cfg.FrameSizeMs))
		}
	}

	if t := cfg.VAD.EnergyThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %.3f is out of range [0, 1]", t))
	}
	if d := cfg.VAD.MinSpeechDuration; d < 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech_duration must not be negative, got %v", d.Std()))
	}
	if d := cfg.VAD.MaxSilenceDuration; d < 0 {
		errs = append(errs, fmt.Errorf("vad.max_silence_duration must not be negative, got %v", d.Std()))
	}

	if cfg.Session.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("session.max_reconnects must not be negative, got %d", cfg.Session.MaxReconnects))
	}
	for _, d := range []struct {
		name string
		val  Duration
	}{
		{"session.ready_timeout", cfg.Session.ReadyTimeout},
		{"session.backoff", cfg.Session.Backoff},
		{"session.max_backoff", cfg.Session.MaxBackoff},
		{"auth.refresh_leeway", cfg.Auth.RefreshLeeway},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", d.name, d.val.Std()))
		}
	}

	if cfg.Recording.QuotaBytes < 0 {
		errs = append(errs, fmt.Errorf("recording.quota_bytes must not be negative, got %d", cfg.Recording.QuotaBytes))
	}

	return errors.Join(errs...)
}

// Playback returns the playback config. Accessor kept alongside Validate so
// the zero-volume convention ("not set" means full volume) lives in one place.
func (c *Config) Playback() PlaybackConfig {
	p := c.Audio.Playback
	if p.Volume == 0 {
		p.Volume = 1.0
	}
	return p
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name — may be a typo or third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
