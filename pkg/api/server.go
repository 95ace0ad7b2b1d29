// Package api exposes the detection engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hed1ad/threatguard/pkg/alerting"
	"github.com/hed1ad/threatguard/pkg/classifier"
	"github.com/hed1ad/threatguard/pkg/engine"
	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/threat"
)

// Version is reported by GET /.
var Version = "dev"

// Engine is the detection surface the API drives.
type Engine interface {
	Detect(record event.RawEvent) []threat.Finding
	Train(anomalyRecords []event.RawEvent, classifierRecords []classifier.LabeledRecord) (engine.TrainReport, error)
	UpdateSignatures(sigs []threat.Signature) error
	Signatures() []threat.Signature
	Status() engine.Status
}

var _ Engine = (*engine.Engine)(nil)

// Alerter receives the findings of every detection.
type Alerter interface {
	Process(ctx context.Context, source string, findings []threat.Finding) []alerting.Alert
}

// HealthCheck reports a component problem by returning an error.
type HealthCheck func(ctx context.Context) error

type Server struct {
	r       *chi.Mux
	engine  Engine
	alerts  Alerter
	logger  zerolog.Logger
	maxBody int64

	gatherer    prometheus.Gatherer
	metricsPath string

	checks     map[string]HealthCheck
	afterTrain func(engine.TrainReport)
	now        func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAlerter forwards detection findings to a.
func WithAlerter(a Alerter) Option {
	return func(s *Server) {
		s.alerts = a
	}
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithMetrics serves g at path.
func WithMetrics(g prometheus.Gatherer, path string) Option {
	return func(s *Server) {
		s.gatherer = g
		s.metricsPath = path
	}
}

// WithHealthCheck adds a named component to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithAfterTrain runs fn after every POST /train that trained something.
func WithAfterTrain(fn func(engine.TrainReport)) Option {
	return func(s *Server) {
		s.afterTrain = fn
	}
}

// NewServer builds the router around e.
func NewServer(e Engine, opts ...Option) *Server {
	s := &Server{
		r:       chi.NewRouter(),
		engine:  e,
		logger:  zerolog.Nop(),
		maxBody: 10 << 20,
		checks:  make(map[string]HealthCheck),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "api").Logger()

	s.r.Use(middleware.RequestID)
	s.r.Use(s.requestLogger)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/", s.getRoot)
	s.r.Get("/health", s.getHealth)
	s.r.Post("/detect", s.postDetect)
	s.r.Post("/train", s.postTrain)
	s.r.Post("/signatures", s.postSignatures)
	s.r.Get("/signatures", s.getSignatures)

	if s.gatherer != nil {
		s.r.Handle(s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) Handler() http.Handler { return s.r }

// Timeouts bounds the HTTP server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Shutdown time.Duration
}

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, t Timeouts) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.r,
		ReadTimeout:       t.Read,
		ReadHeaderTimeout: t.Read,
		WriteTimeout:      t.Write,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), t.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.logger.Info().Msg("http server stopped gracefully")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("req_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
