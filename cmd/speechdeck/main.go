// Command speechdeck is an interactive speech console: it speaks typed text
// with a selectable synthetic voice and transcribes the microphone live.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/xid"

	"github.com/MrWong99/speechdeck/internal/app"
	"github.com/MrWong99/speechdeck/internal/config"
	"github.com/MrWong99/speechdeck/internal/observe"
	"github.com/MrWong99/speechdeck/internal/resilience"
	"github.com/MrWong99/speechdeck/internal/yandexcloud"
	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/audio/portaudio"
	"github.com/MrWong99/speechdeck/pkg/provider/stt"
	"github.com/MrWong99/speechdeck/pkg/provider/stt/deepgram"
	"github.com/MrWong99/speechdeck/pkg/provider/stt/whisper"
	yandexstt "github.com/MrWong99/speechdeck/pkg/provider/stt/yandex"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
	"github.com/MrWong99/speechdeck/pkg/provider/tts/coqui"
	"github.com/MrWong99/speechdeck/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/speechdeck/pkg/provider/tts/openai"
	yandextts "github.com/MrWong99/speechdeck/pkg/provider/tts/yandex"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to a dotenv file with provider credentials")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "speechdeck: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "speechdeck: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "speechdeck: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("speechdeck starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	sessionID := xid.New().String()
	telemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		SessionID:      sessionID,
		TTSProvider:    cfg.Providers.TTS.Name,
		STTProvider:    cfg.Providers.STT.Name,
		Language:       cfg.Session.Language,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, closers, err := buildProviders(cfg, reg)
	defer closeAll(closers)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyConfig(old, new)
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		_ = providers.Audio.Close()
		return 1
	}

	application, err = app.New(cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithConfigWatcher(watcher),
		app.WithSessionID(sessionID),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = providers.Audio.Close()
		return 1
	}

	printStartupSummary(cfg, providers, sessionID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		repl(ctx, application, os.Stdin, os.Stdout)
		cancel()
	}()

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// ── REPL ──────────────────────────────────────────────────────────────────────

// repl reads commands from in until EOF, "quit" or ctx is cancelled.
func repl(ctx context.Context, application *app.App, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, `type "help" for commands, "quit" to exit`)
	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return
			}
			switch strings.TrimSpace(line) {
			case "quit", "exit":
				return
			}
			res, err := application.Exec(ctx, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if res != "" {
				fmt.Fprintln(out, res)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, oaitts.WithLanguage(lang))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("yandex", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []yandextts.Option
		if entry.Model != "" {
			opts = append(opts, yandextts.WithModel(entry.Model))
		}
		if hz := entry.OptInt("sample_rate"); hz > 0 {
			opts = append(opts, yandextts.WithSampleRate(hz))
		}
		return yandextts.New(yandexCredentials(entry), opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		mode, err := coqui.ParseAPIMode(entry.OptString("api_mode"))
		if err != nil {
			return nil, err
		}
		opts := []coqui.Option{coqui.WithAPIMode(mode)}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if hz := entry.OptInt("sample_rate"); hz > 0 {
			opts = append(opts, coqui.WithOutputFormat(audio.Format{SampleRate: hz, Channels: 1}))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("yandex", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []yandexstt.Option
		if entry.Model != "" {
			opts = append(opts, yandexstt.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, yandexstt.WithLanguage(lang))
		}
		return yandexstt.New(yandexCredentials(entry), opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := entry.OptInt("silence_ms"); ms > 0 {
			opts = append(opts, whisper.WithSilence(time.Duration(ms)*time.Millisecond))
		}
		if ms := entry.OptInt("max_utterance_ms"); ms > 0 {
			opts = append(opts, whisper.WithMaxUtterance(time.Duration(ms)*time.Millisecond))
		}
		if ms := entry.OptInt("partial_interval_ms"); ms > 0 {
			opts = append(opts, whisper.WithPartialInterval(time.Duration(ms)*time.Millisecond))
		}
		if rms := entry.OptInt("energy_threshold"); rms > 0 {
			opts = append(opts, whisper.WithEnergyThreshold(float64(rms)))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("portaudio", func(entry config.ProviderEntry) (audio.Device, error) {
		return portaudio.Open(portaudio.WithFramesPerBuffer(entry.OptInt("frames_per_buffer")))
	})

	for _, kind := range []string{"tts", "stt", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

func yandexCredentials(entry config.ProviderEntry) yandexcloud.Credentials {
	return yandexcloud.Credentials{
		APIKey:   entry.APIKey,
		IAMToken: entry.OptString("iam_token"),
		FolderID: entry.OptString("folder_id"),
	}
}

// buildProviders instantiates every provider named in cfg. The returned
// closers release provider connections and must be closed after the app has
// shut down, also when an error is returned.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []io.Closer, error) {
	ps := &app.Providers{}
	var closers []io.Closer
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	p, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, closers, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	track(p)
	ps.TTS, ps.TTSName = p, cfg.Providers.TTS.Name
	slog.Info("provider created", "kind", "tts", "name", ps.TTSName)

	if name := cfg.Providers.STT.Name; name != "" {
		primary, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, closers, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		track(primary)
		group := resilience.NewSTTFallback(primary, name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.STTFallbacks {
			fb, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, closers, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			track(fb)
			group.AddFallback(entry.Name, fb)
		}
		ps.STT = group
		ps.STTName = strings.Join(group.Backends(), ",")
		slog.Info("provider created", "kind", "stt", "name", ps.STTName)
	}

	// The app always needs a sound card; the Audio entry only tunes it.
	entry := cfg.Providers.Audio
	if entry.Name == "" {
		entry.Name = "portaudio"
	}
	dev, err := reg.CreateAudio(entry)
	if err != nil {
		return nil, closers, fmt.Errorf("create audio device %q: %w", entry.Name, err)
	}
	ps.Audio = dev
	slog.Info("provider created", "kind", "audio", "name", entry.Name)

	return ps, closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Warn("provider close error", "err", err)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers, sessionID string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       speechdeck startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("STT", ps.STTName, cfg.Providers.STT.Model)
	audioName := cfg.Providers.Audio.Name
	if audioName == "" {
		audioName = "portaudio"
	}
	printProvider("Audio", audioName, "")
	lang := cfg.Session.Language
	if lang == "" {
		lang = "(provider default)"
	}
	printRow("Language", lang)
	printRow("Session", sessionID)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 20 {
		value = value[:17] + "…"
	}
	fmt.Printf("║  %-12s   : %-20s ║\n", label, value)
}
