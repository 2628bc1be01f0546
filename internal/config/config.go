// Package config provides the configuration schema, loader, and provider registry
// for the duplexvoice client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Voice     VoiceConfig     `yaml:"voice"`
	Audio     AudioConfig     `yaml:"audio"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// VoiceConfig selects and configures the speech-to-speech remote.
type VoiceConfig struct {
	// Provider selects the registered provider implementation (e.g., "gemini-live").
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. When empty, the
	// GEMINI_API_KEY environment variable is consulted at startup.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider's prebuilt voice name (e.g., "Puck").
	Voice string `yaml:"voice"`

	// Instructions is the system instruction sent when a session opens.
	Instructions string `yaml:"instructions"`

	// Transcription asks the remote for transcripts of both sides.
	Transcription bool `yaml:"transcription"`

	// HandshakeTimeout bounds the wait for the remote's ready signal.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Keepalive is the WebSocket ping interval. Zero keeps the provider
	// default; a negative value disables pings.
	Keepalive time.Duration `yaml:"keepalive"`
}

// AudioConfig selects the audio host and the stream parameters.
type AudioConfig struct {
	// Host selects the registered audio host (e.g., "miniaudio").
	Host string `yaml:"host"`

	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig configures the microphone side.
type CaptureConfig struct {
	// SampleRate is the rate chunks are encoded at. The remote expects 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per capture callback.
	FrameSize int `yaml:"frame_size"`

	// OutboundQueue bounds the number of encoded chunks awaiting
	// transmission. Chunks captured while it is full are dropped.
	OutboundQueue int `yaml:"outbound_queue"`
}

// PlaybackConfig configures the speaker side.
type PlaybackConfig struct {
	// SampleRate is the rate of the remote's synthesised audio.
	SampleRate int `yaml:"sample_rate"`

	// MaxLookahead caps how far inbound audio may be queued ahead of the
	// speaker clock. Zero means unbounded.
	MaxLookahead time.Duration `yaml:"max_lookahead"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	// ServiceName is reported as service.name.
	ServiceName string `yaml:"service_name"`
}

// Defaults used by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultVoiceProvider    = "gemini-live"
	DefaultAudioHost        = "miniaudio"
	DefaultCaptureRate      = 16000
	DefaultFrameSize        = 4096
	DefaultOutboundQueue    = 32
	DefaultPlaybackRate     = 24000
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultServiceName      = "duplexvoice"
)

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Voice.Provider == "" {
		cfg.Voice.Provider = DefaultVoiceProvider
	}
	if cfg.Voice.HandshakeTimeout == 0 {
		cfg.Voice.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Audio.Host == "" {
		cfg.Audio.Host = DefaultAudioHost
	}
	if cfg.Audio.Capture.SampleRate == 0 {
		cfg.Audio.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Audio.Capture.FrameSize == 0 {
		cfg.Audio.Capture.FrameSize = DefaultFrameSize
	}
	if cfg.Audio.Capture.OutboundQueue == 0 {
		cfg.Audio.Capture.OutboundQueue = DefaultOutboundQueue
	}
	if cfg.Audio.Playback.SampleRate == 0 {
		cfg.Audio.Playback.SampleRate = DefaultPlaybackRate
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
