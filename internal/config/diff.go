package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true if the voice, instructions, model or
	// transcription setting changed. Takes effect for the next session.
	VoiceChanged bool

	// PlaybackChanged is true if the playback look-ahead cap changed.
	// Takes effect for the next session.
	PlaybackChanged bool

	// RestartRequired lists the changed settings that are only read at
	// startup, by their YAML path.
	RestartRequired []string
}

// IsZero reports whether d records no change at all.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.PlaybackChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ov, nv := old.Voice, new.Voice
	if ov.Voice != nv.Voice || ov.Instructions != nv.Instructions ||
		ov.Model != nv.Model || ov.Transcription != nv.Transcription ||
		ov.HandshakeTimeout != nv.HandshakeTimeout {
		d.VoiceChanged = true
	}

	if old.Audio.Playback.MaxLookahead != new.Audio.Playback.MaxLookahead {
		d.PlaybackChanged = true
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("voice.provider", ov.Provider != nv.Provider)
	restart("voice.api_key", ov.APIKey != nv.APIKey)
	restart("voice.base_url", ov.BaseURL != nv.BaseURL)
	restart("voice.keepalive", ov.Keepalive != nv.Keepalive)
	restart("audio.host", old.Audio.Host != new.Audio.Host)
	restart("audio.capture", old.Audio.Capture != new.Audio.Capture)
	restart("audio.playback.sample_rate", old.Audio.Playback.SampleRate != new.Audio.Playback.SampleRate)
	restart("telemetry.service_name", old.Telemetry.ServiceName != new.Telemetry.ServiceName)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
