package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/sonosevents/internal/cache"
	"github.com/snarg/sonosevents/internal/config"
	"github.com/snarg/sonosevents/internal/manager"
	"github.com/snarg/sonosevents/internal/metrics"
	"github.com/snarg/sonosevents/internal/model"
	"github.com/snarg/sonosevents/internal/seedfile"
	"github.com/snarg/sonosevents/internal/stream"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.SeedFile, "seed-file", "", "Path to a JSON speaker seed file (overrides SEED_FILE)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.IntVar(&overrides.CallbackPortStart, "callback-port-start", 0, "First callback port to try (overrides CALLBACK_PORT_START)")
	flag.IntVar(&overrides.CallbackPortEnd, "callback-port-end", 0, "Last callback port to try (overrides CALLBACK_PORT_END)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("sonosevents starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateCache := cache.New()

	mgrCfg := manager.DefaultConfig()
	mgrCfg.EnabledServices = make([]model.ServiceType, 0, len(cfg.Services()))
	for _, s := range cfg.Services() {
		mgrCfg.EnabledServices = append(mgrCfg.EnabledServices, model.ServiceType(s))
	}
	mgrCfg.SubscriptionTimeout = cfg.SubscriptionTimeout
	mgrCfg.RetryBackoff = cfg.RetryBackoff
	mgrCfg.MaxRetryAttempts = cfg.MaxRetryAttempts
	mgrCfg.CallbackPortStart = cfg.CallbackPortStart
	mgrCfg.CallbackPortEnd = cfg.CallbackPortEnd
	mgrCfg.CallbackHostOverride = cfg.CallbackHost
	mgrCfg.BufferSize = cfg.BufferSize
	mgrCfg.HTTPTimeout = cfg.HTTPTimeout
	mgrCfg.ShutdownGrace = cfg.ShutdownGrace

	mgr := manager.New(mgrCfg, stateCache, log)
	mgr.OnSpeakerConnected = func(id model.SpeakerId) {
		log.Info().Str("speaker_id", string(id)).Msg("speaker connected")
	}

	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start subscription manager")
	}
	log.Info().Int("callback_port", mgr.CallbackServerPort()).Msg("callback server listening")

	handlers := stream.Handlers{
		OnEvent: []stream.EventHandler{
			func(ev model.StateChange) {
				log.Debug().Str("kind", string(ev.Kind)).Str("speaker_id", string(ev.SpeakerID)).Msg("event")
			},
		},
		OnSpeakerDisconnected: func(id model.SpeakerId) {
			log.Warn().Str("speaker_id", string(id)).Msg("speaker disconnected")
		},
		OnError: func(id model.SpeakerId, err error) {
			log.Error().Str("speaker_id", string(id)).Err(err).Msg("speaker error")
		},
		OnStreamStarted: func() { log.Info().Msg("event stream started") },
		OnStreamStopped: func() { log.Info().Msg("event stream stopped") },
	}
	dispatcher := stream.New(mgr.Events(), stateCache, handlers, cfg.ShutdownGrace, log)
	go dispatcher.Run(ctx)

	knownSpeakers := make(map[model.SpeakerId]struct{})
	if cfg.SeedFile != "" {
		watcher := seedfile.New(cfg.SeedFile, func(speakers []model.Speaker) {
			reconcileSpeakers(ctx, mgr, &knownSpeakers, speakers, log)
		}, log)
		stop := make(chan struct{})
		defer close(stop)
		if err := watcher.Start(stop); err != nil {
			log.Fatal().Err(err).Str("seed_file", cfg.SeedFile).Msg("failed to start seed file watcher")
		}
		defer watcher.Stop()
	} else {
		log.Warn().Msg("no SEED_FILE configured — no speakers will be tracked until AddSpeaker is called out of band")
	}

	collector := metrics.NewCollector(mgr, stateCache)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 1)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info().
		Str("metrics_addr", cfg.MetricsAddr).
		Str("version", version).
		Dur("startup_ms", time.Since(startTime)).
		Msg("sonosevents ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("metrics server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("subscription manager shutdown error")
	}
	<-dispatcher.Done()

	log.Info().Msg("sonosevents stopped")
}

// reconcileSpeakers diffs the seed file's full speaker list against the
// previously known set, adding newly-listed speakers and removing ones that
// disappeared, since seedfile.Watcher delivers full snapshots rather than
// deltas.
func reconcileSpeakers(ctx context.Context, mgr *manager.Manager, known *map[model.SpeakerId]struct{}, speakers []model.Speaker, log zerolog.Logger) {
	seen := make(map[model.SpeakerId]struct{}, len(speakers))
	for _, sp := range speakers {
		seen[sp.ID] = struct{}{}
		if _, ok := (*known)[sp.ID]; ok {
			continue
		}
		if _, err := mgr.AddSpeaker(ctx, sp); err != nil {
			log.Error().Str("speaker_id", string(sp.ID)).Err(err).Msg("failed to add speaker from seed file")
			continue
		}
		(*known)[sp.ID] = struct{}{}
	}
	for id := range *known {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := mgr.RemoveSpeaker(ctx, id); err != nil {
			log.Error().Str("speaker_id", string(id)).Err(err).Msg("failed to remove speaker no longer in seed file")
			continue
		}
		delete(*known, id)
	}
}
