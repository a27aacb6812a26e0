package api

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/config"
	"github.com/snarg/transcriptor/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions carries the handlers' dependencies. Optional services are nil
// when their feature is disabled.
type ServerOptions struct {
	Config    *config.Config
	Sessions  SessionService
	Speech    SpeechService
	Clips     ClipRecognizer
	Live      LiveDataSource
	Runs      RunLister        // nil without DATABASE_URL
	DB        Pinger           // nil without DATABASE_URL
	MQTT      ConnectionStatus // nil without MQTT_BROKER_URL
	Archive   string           // artifact store type, "" when disabled
	WebFiles  fs.FS            // embedded UI; nil disables it
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

// NewRouter builds the HTTP routes. Health, metrics and the UI are public;
// everything under /api/v1 except health requires the bearer token when one
// is configured.
func NewRouter(opts ServerOptions) http.Handler {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORS(cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Health is public
		health := NewHealthHandler(opts.DB, opts.MQTT, opts.Live, opts.Archive, opts.Version, opts.StartTime)
		r.Get("/health", health.ServeHTTP)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			NewSessionsHandler(opts.Sessions, cfg.MaxUploadBytes(), cfg.AzureTimeout, opts.Log).Routes(r)
			NewSpeechHandler(opts.Speech, opts.Clips, cfg.MaxUploadBytes(), opts.Log).Routes(r)
			NewEventsHandler(opts.Live).Routes(r)
			NewRunsHandler(opts.Runs).Routes(r)
		})
	})

	if opts.WebFiles != nil {
		r.Handle("/*", http.FileServer(http.FS(opts.WebFiles)))
	}
	return r
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(opts),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
