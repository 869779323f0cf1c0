// Command parley is a terminal client for live voice conversations: it
// captures the microphone, streams it to a speech-to-speech provider, and
// plays the model's replies while printing the transcript.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parleyio/parley/internal/auth"
	"github.com/parleyio/parley/internal/config"
	"github.com/parleyio/parley/internal/health"
	"github.com/parleyio/parley/internal/history"
	"github.com/parleyio/parley/internal/observe"
	"github.com/parleyio/parley/internal/session"
	"github.com/parleyio/parley/internal/transcript"
	"github.com/parleyio/parley/pkg/audio/capture"
	"github.com/parleyio/parley/pkg/audio/portaudio"
	"github.com/parleyio/parley/pkg/provider/live"
	geminilive "github.com/parleyio/parley/pkg/provider/live/gemini"
	openairt "github.com/parleyio/parley/pkg/provider/live/openai"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list the host's audio devices and exit")
	recent := flag.Int("recent", 0, "list the N most recent saved conversations and exit")
	flag.Parse()

	st := newStyles(defaultTheme)

	// Device listing needs no configuration; handle it before the config load
	// so a missing file cannot get in the way.
	if *listDevices {
		return runListDevices(st)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy config.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if *recent > 0 {
		return runRecent(cfg, *recent, st)
	}

	if cfg.Provider.Name == "" {
		fmt.Fprintln(os.Stderr, "parley: no provider configured — set provider.name to one of: gemini-live, openai-realtime")
		return 1
	}

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		Provider:       cfg.Provider.Name,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	entry := cfg.Provider
	if entry.APIKey == "" {
		if env := apiKeyEnv(entry.Name); env != "" {
			entry.APIKey = os.Getenv(env)
		}
	}
	provider, err := reg.Create(entry)
	if err != nil {
		slog.Error("failed to create provider", "name", entry.Name, "err", err)
		return 1
	}

	authorizer := auth.NewAPIKey(entry.APIKey, func() {
		fmt.Fprintln(os.Stderr, st.help.Render(fmt.Sprintf(
			"parley needs an API key for %s — set provider.api_key or $%s",
			entry.Name, apiKeyEnv(entry.Name),
		)))
	})

	// ── Audio devices ─────────────────────────────────────────────────────────
	devices, err := portaudio.New(
		portaudio.WithInputDevice(cfg.Audio.InputDevice),
		portaudio.WithOutputDevice(cfg.Audio.OutputDevice),
		portaudio.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer devices.Close()

	// ── Transcript history ────────────────────────────────────────────────────
	var store *history.Store
	var conversationID string
	if cfg.History.Path != "" {
		store, err = history.Open(ctx, cfg.History.Path, logger)
		if err != nil {
			slog.Error("failed to open history store", "path", cfg.History.Path, "err", err)
			return 1
		}
		defer store.Close()

		if days := cfg.History.RetentionDays; days > 0 {
			if err := store.Prune(ctx, time.Duration(days)*24*time.Hour); err != nil {
				slog.Warn("history prune failed", "err", err)
			}
		}
		conversationID, err = store.BeginConversation(ctx, cfg.Provider.Name)
		if err != nil {
			slog.Error("failed to record conversation start", "err", err)
			return 1
		}
	}

	// ── Session ───────────────────────────────────────────────────────────────
	sess, err := session.New(session.Config{
		Provider:     provider,
		ProviderName: cfg.Provider.Name,
		Devices:      devices,
		Auth:         authorizer,
		Session: live.SessionConfig{
			Model:        cfg.Provider.Model,
			Voice:        cfg.Session.Voice,
			Instructions: cfg.Session.Instructions,
		},
		Capture: capture.Config{
			SampleRate: cfg.Audio.SampleRate,
			BlockSize:  cfg.Audio.BlockSize,
		},
		OnTurn: func(turn transcript.Turn) {
			fmt.Println(renderTurn(st, turn))
			if store != nil {
				if err := store.AppendTurn(context.Background(), conversationID, turn); err != nil {
					slog.Warn("failed to save turn", "err", err)
				}
			}
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── Debug listener (optional) ─────────────────────────────────────────────
	if addr := cfg.Metrics.ListenAddr; addr != "" {
		srv := newDebugServer(addr, cfg.Provider.Name, sess)
		g.Go(func() error {
			slog.Info("debug listener started", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shCtx)
		})
	}

	// ── Conversation loop ─────────────────────────────────────────────────────
	fmt.Println(renderSummary(st, cfg))
	fmt.Println(st.help.Render("speak when ready — press Ctrl+C to end the conversation"))

	retrier := &session.Retrier{Logger: logger}
	g.Go(func() error {
		return retrier.Run(gctx, sess)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("conversation ended with error", "err", err)
		return 1
	}

	if store != nil {
		slog.Info("transcript saved", "conversation", conversationID, "turns", len(sess.Transcript()))
	}
	slog.Info("goodbye")
	return 0
}

// ── One-shot modes ──────────────────────────────────────────────────────────────

func runListDevices(st styles) int {
	devices, err := portaudio.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	fmt.Println(renderDevices(st, devices))
	return 0
}

func runRecent(cfg *config.Config, n int, st styles) int {
	if cfg.History.Path == "" {
		fmt.Fprintln(os.Stderr, "parley: history is disabled — set history.path in the config")
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := history.Open(ctx, cfg.History.Path, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	defer store.Close()

	convs, err := store.Recent(ctx, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	fmt.Println(renderRecent(st, convs))
	return 0
}

// ── Provider wiring ─────────────────────────────────────────────────────────────

// builtinProviders lists the provider implementations that ship with parley.
var builtinProviders = []string{"gemini-live", "openai-realtime"}

// registerBuiltinProviders wires the built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.Register("openai-realtime", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openairt.Option
		if entry.Model != "" {
			opts = append(opts, openairt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(entry.BaseURL))
		}
		return openairt.New(entry.APIKey, opts...), nil
	})

	for _, name := range builtinProviders {
		slog.Debug("registered provider", "name", name)
	}
}

// apiKeyEnv names the conventional environment variable holding a provider's
// API key. Returns "" for providers without one.
func apiKeyEnv(provider string) string {
	switch provider {
	case "gemini-live":
		return "GEMINI_API_KEY"
	case "openai-realtime":
		return "OPENAI_API_KEY"
	}
	return ""
}

// ── Debug listener ──────────────────────────────────────────────────────────────

// newDebugServer builds the HTTP server exposing Prometheus metrics and the
// conversation probes. Readiness tracks the session state.
func newDebugServer(addr, provider string, sess *session.Session) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(provider, sess).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Logger ──────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
