// Command duplexvoice is the entry point for the duplex voice client. It opens
// the local audio host, connects conversations to the configured
// speech-to-speech service on request, and serves a small control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplexvoice/internal/app"
	"github.com/MrWong99/duplexvoice/internal/config"
	"github.com/MrWong99/duplexvoice/internal/health"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/resilience"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/audio/miniaudio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
	geminilive "github.com/MrWong99/duplexvoice/pkg/provider/s2s/gemini"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplexvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplexvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("duplexvoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	diag := observe.NewDiagnostics(logger, tel.Metrics)

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	providers, closeProviders, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer closeProviders()

	printStartupSummary(cfg, providers)

	// ── Controller ────────────────────────────────────────────────────────────
	ctrl := app.NewController(providers, app.SettingsFromConfig(cfg), app.WithDiagnostics(diag))

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath,
		config.WithWatcherLogger(logger.With("component", "config")),
		config.OnChange(func(_, new *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.VoiceChanged || d.PlaybackChanged {
				ctrl.ApplySettings(app.SettingsFromConfig(new))
			}
			for _, field := range d.RestartRequired {
				slog.Warn("config change requires a restart to take effect", "field", field)
			}
		}),
	)
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.Configured("voice", func() bool { return providers.Voice != nil }),
		health.Configured("audio", func() bool { return providers.Audio != nil }),
		health.Advisory("voice_circuit", func(context.Context) error {
			if g, ok := providers.Voice.(*resilience.GuardedProvider); ok && g.Breaker().State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		}),
	).Register(mux)
	mux.Handle("GET /metrics", tel.Handler())
	ctrl.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(diag)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()

		// ── Graceful shutdown ─────────────────────────────────────────────────
		slog.Info("shutdown signal received, stopping…")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Close the conversation first so devices are released even if the
		// HTTP drain runs out of time.
		errs := []error{ctrl.Shutdown(sctx)}
		errs = append(errs, srv.Shutdown(sctx))
		return errors.Join(errs...)
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// duplexvoice into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterVoice("gemini-live", func(vc config.VoiceConfig) (s2s.Provider, error) {
		apiKey := vc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("no API key: set voice.api_key or GEMINI_API_KEY")
		}
		opts := []geminilive.Option{geminilive.WithLogger(logger.With("component", "gemini"))}
		if vc.Model != "" {
			opts = append(opts, geminilive.WithModel(vc.Model))
		}
		if vc.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(vc.BaseURL))
		}
		switch {
		case vc.Keepalive > 0:
			opts = append(opts, geminilive.WithKeepalive(vc.Keepalive))
		case vc.Keepalive < 0:
			opts = append(opts, geminilive.WithKeepalive(0))
		}
		return geminilive.New(apiKey, opts...), nil
	})

	reg.RegisterAudio("miniaudio", func(ac config.AudioConfig) (audio.Host, error) {
		h, err := miniaudio.New(
			miniaudio.WithFrameSize(ac.Capture.FrameSize),
			miniaudio.WithLogger(logger.With("component", "miniaudio")),
		)
		if err != nil {
			return nil, err
		}
		return h, nil
	})

	for _, kind := range []string{"voice", "audio"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the configured voice provider and audio host.
// A provider that fails to build is logged and left nil so the server still
// starts and /readyz reports what is missing. The returned function releases
// the audio host.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, func(), error) {
	ps := &app.Providers{}
	closeFn := func() {}

	voice, err := reg.CreateVoice(cfg.Voice)
	switch {
	case errors.Is(err, config.ErrProviderNotRegistered):
		return nil, closeFn, fmt.Errorf("voice provider %q: %w", cfg.Voice.Provider, err)
	case err != nil:
		slog.Warn("voice provider unavailable", "name", cfg.Voice.Provider, "err", err)
	default:
		ps.Voice = resilience.GuardProvider(voice, resilience.NewBreaker(resilience.BreakerConfig{
			Name: "voice/" + cfg.Voice.Provider,
		}))
		slog.Info("provider created", "kind", "voice", "name", cfg.Voice.Provider)
	}

	host, err := reg.CreateAudio(cfg.Audio)
	switch {
	case errors.Is(err, config.ErrProviderNotRegistered):
		return nil, closeFn, fmt.Errorf("audio host %q: %w", cfg.Audio.Host, err)
	case err != nil:
		slog.Warn("audio host unavailable", "name", cfg.Audio.Host, "err", err)
	default:
		// One microphone and one speaker at a time, whatever the backend allows.
		ps.Audio = audio.NewExclusiveHost(host)
		if c, ok := host.(interface{ Close() error }); ok {
			closeFn = func() {
				if err := c.Close(); err != nil {
					slog.Warn("audio host close error", "err", err)
				}
			}
		}
		slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Host)
	}

	return ps, closeFn, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      duplexvoice, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Voice", cfg.Voice.Provider, cfg.Voice.Model, ps.Voice != nil)
	printProvider("Audio", cfg.Audio.Host, "", ps.Audio != nil)
	printRow("Capture", fmt.Sprintf("%d Hz / %d", cfg.Audio.Capture.SampleRate, cfg.Audio.Capture.FrameSize))
	printRow("Playback", fmt.Sprintf("%d Hz", cfg.Audio.Playback.SampleRate))
	if cfg.Voice.Voice != "" {
		printRow("Voice name", cfg.Voice.Voice)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string, ok bool) {
	value := name
	switch {
	case !ok:
		value = "(unavailable)"
	case model != "":
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
