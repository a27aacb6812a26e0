package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor"
	"github.com/snarg/transcriptor/internal/api"
	"github.com/snarg/transcriptor/internal/audio"
	"github.com/snarg/transcriptor/internal/cache"
	"github.com/snarg/transcriptor/internal/config"
	"github.com/snarg/transcriptor/internal/database"
	"github.com/snarg/transcriptor/internal/ingest"
	"github.com/snarg/transcriptor/internal/metrics"
	"github.com/snarg/transcriptor/internal/mqttclient"
	"github.com/snarg/transcriptor/internal/session"
	"github.com/snarg/transcriptor/internal/speech"
	"github.com/snarg/transcriptor/internal/storage"
	"github.com/snarg/transcriptor/internal/summarize"
	"github.com/snarg/transcriptor/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var o config.Overrides
	flag.StringVar(&o.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&o.HTTPAddr, "listen", "", "HTTP listen address")
	flag.StringVar(&o.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&o.DatabaseURL, "database-url", "", "PostgreSQL URL for run history")
	flag.StringVar(&o.WatchDir, "watch-dir", "", "inbox directory to transcribe dropped files from")
	flag.StringVar(&o.ArchiveDir, "archive-dir", "", "local export archive directory")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString(version + "\n")
		return
	}

	// Config
	cfg, err := config.Load(o)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("transcriptor starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database (optional)
	var db *database.DB
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.InitSchema(ctx, transcriptor.SchemaSQL); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize schema")
		}
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	// MQTT (optional)
	var mqtt *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
	}

	// Artifact archive
	artifacts, err := storage.New(cfg.S3, cfg.ArchiveDir, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize artifact archive")
	}

	// Azure clients
	summaries, err := cache.New[string](1000)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create summary cache")
	}
	defer summaries.Close()
	voices, err := cache.New[[]string](16)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create voice cache")
	}
	defer voices.Close()

	summarizer := summarize.New(summarize.Options{
		Endpoint:     cfg.LanguageEndpoint,
		Key:          cfg.LanguageKey,
		Language:     cfg.SummaryLanguage,
		PollInterval: cfg.SummaryPollInterval,
		MaxAttempts:  cfg.SummaryMaxAttempts,
		Timeout:      time.Minute,
		Cache:        summaries,
		CacheTTL:     cfg.SummaryCacheTTL,
		Log:          log.With().Str("component", "summarize").Logger(),
	})
	speechClient := speech.New(speech.Options{
		Key:              cfg.SpeechKey,
		Region:           cfg.SpeechRegion,
		TranslatorKey:    cfg.TranslatorKey,
		TranslatorRegion: cfg.TranslatorRegion,
		Timeout:          time.Minute,
		Voices:           voices,
		Log:              log.With().Str("component", "speech").Logger(),
	})
	recognizer := transcribe.NewAzureRecognizer(transcribe.AzureRecognizerOptions{
		Key:     cfg.SpeechKey,
		Region:  cfg.SpeechRegion,
		BaseURL: cfg.SpeechEndpoint,
		Timeout: cfg.AzureTimeout,
		Log:     log.With().Str("component", "recognizer").Logger(),
	})

	// Pipeline
	opts := ingest.PipelineOptions{
		Store:       session.NewStore(cfg.SessionTTL, log.With().Str("component", "sessions").Logger()),
		Normalizer:  audio.NewNormalizer(audio.Options{TempDir: cfg.TempDir, TrustWAV: cfg.TrustWAV, Log: log}),
		Transcriber: transcribe.NewSession(recognizer, log.With().Str("component", "transcribe").Logger()),
		Backend:     "azure-fast",
		Summarizer:  summarizer,
		Recognizer:  speechClient,
		Artifacts:   artifacts,
		Retention:   cfg.RunRetention,

		InboxDir:     cfg.WatchDir,
		InboxWorkers: cfg.WatchWorkers,
		InboxQueue:   cfg.WatchQueue,
		InboxTimeout: cfg.WatchTimeout,
		Log:          log,
	}
	// Interfaces stay nil, not typed-nil, when a backend is disabled.
	if db != nil {
		opts.Runs = db
	}
	if mqtt != nil {
		opts.Notifier = mqtt
	}
	pipeline := ingest.NewPipeline(opts)
	if err := pipeline.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start pipeline")
	}

	var pool metrics.PoolStats
	if db != nil {
		pool = db
	}
	prometheus.MustRegister(metrics.NewCollector(pool, pipeline))

	// HTTP Server
	web, err := fs.Sub(transcriptor.WebFiles, "web")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load web UI")
	}
	srvOpts := api.ServerOptions{
		Config:    cfg,
		Sessions:  pipeline,
		Speech:    speechClient,
		Clips:     pipeline,
		Live:      pipeline,
		Archive:   artifacts.Type(),
		WebFiles:  web,
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	}
	if db != nil {
		srvOpts.Runs = db
		srvOpts.DB = db
	}
	if mqtt != nil {
		srvOpts.MQTT = mqtt
	}
	srv := api.NewServer(srvOpts)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	pipeline.Stop()

	log.Info().Msg("transcriptor stopped")
}
