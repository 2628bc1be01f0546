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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"voice": {"gemini-live"},
	"audio": {"miniaudio"},
}

// Sample rate bounds accepted by [Validate].
const (
	minSampleRate = 8000
	maxSampleRate = 192000
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Voice
	if cfg.Voice.Provider == "" {
		errs = append(errs, errors.New("voice.provider is required"))
	}
	validateProviderName("voice", cfg.Voice.Provider)
	if cfg.Voice.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.handshake_timeout %s must not be negative", cfg.Voice.HandshakeTimeout))
	}

	// Audio
	if cfg.Audio.Host == "" {
		errs = append(errs, errors.New("audio.host is required"))
	}
	validateProviderName("audio", cfg.Audio.Host)
	if err := validateRate("audio.capture.sample_rate", cfg.Audio.Capture.SampleRate); err != nil {
		errs = append(errs, err)
	}
	if err := validateRate("audio.playback.sample_rate", cfg.Audio.Playback.SampleRate); err != nil {
		errs = append(errs, err)
	}
	if cfg.Audio.Capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.frame_size %d must be positive", cfg.Audio.Capture.FrameSize))
	}
	if cfg.Audio.Capture.OutboundQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.outbound_queue %d must be positive", cfg.Audio.Capture.OutboundQueue))
	}
	if cfg.Audio.Playback.MaxLookahead < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.max_lookahead %s must not be negative", cfg.Audio.Playback.MaxLookahead))
	}

	// Rate ↔ provider cross-validation
	if cfg.Voice.Provider == DefaultVoiceProvider {
		if r := cfg.Audio.Capture.SampleRate; r != 0 && r != DefaultCaptureRate {
			slog.Warn("gemini-live expects 16 kHz input audio",
				"sample_rate", r)
		}
		if r := cfg.Audio.Playback.SampleRate; r != 0 && r != DefaultPlaybackRate {
			slog.Warn("gemini-live returns 24 kHz audio; playback at another rate changes pitch",
				"sample_rate", r)
		}
	}

	return errors.Join(errs...)
}

func validateRate(field string, rate int) error {
	if rate == 0 {
		return nil
	}
	if rate < minSampleRate || rate > maxSampleRate {
		return fmt.Errorf("%s %d is out of range [%d, %d]", field, rate, minSampleRate, maxSampleRate)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
