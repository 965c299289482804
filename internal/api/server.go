// Package api exposes the interpreter, the ledger and device capture over
// HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/device"
	"github.com/vozfin/vozfin-core/internal/interpreter"
	"github.com/vozfin/vozfin-core/internal/ledger"
	"github.com/vozfin/vozfin-core/internal/protocol"
	"github.com/vozfin/vozfin-core/internal/speech"
	"github.com/vozfin/vozfin-core/internal/voice"
)

type Ledger interface {
	Create(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	List(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error)
	Summary(ctx context.Context, year int, month time.Month) (ledger.MonthSummary, error)
}

type Coordinator interface {
	Now() time.Time
	Interpret(text string) (interpreter.Candidate, bool)
	RequestPermission(ctx context.Context, deviceID string) (speech.Session, error)
	Capture(ctx context.Context, deviceID string) (voice.Result, error)
	Stop(deviceID string) (speech.Session, error)
	Reset(deviceID string) (speech.Session, error)
	Snapshot(deviceID string) (voice.Status, error)
	Confirm(ctx context.Context, deviceID string, edits *protocol.CandidateEdits) (ledger.Entry, error)
	Discard(ctx context.Context, deviceID string) error
	PublishCreated(e ledger.Entry)
}

type Devices interface {
	List(filter func(device.Device) bool) []device.Device
}

type Options struct {
	Config      config.APIConfig
	Ledger      Ledger
	Coordinator Coordinator
	Devices     Devices
	Metrics     http.Handler
	Ready       func() bool
	Logger      *slog.Logger
}

type Server struct {
	cfg     config.APIConfig
	ledger  Ledger
	voice   Coordinator
	devices Devices
	metrics http.Handler
	ready   func() bool
	cache   *summaryCache
	logger  *slog.Logger
	router  chi.Router
}

func New(opts Options) (*Server, error) {
	cache, err := newSummaryCache(opts.Config.SummaryCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     opts.Config,
		ledger:  opts.Ledger,
		voice:   opts.Coordinator,
		devices: opts.Devices,
		metrics: opts.Metrics,
		ready:   opts.Ready,
		cache:   cache,
		logger:  opts.Logger.With(slog.String("component", "api")),
	}
	if hooked, ok := opts.Ledger.(interface{ OnCreate(func(ledger.Entry)) }); ok {
		hooked.OnCreate(func(ledger.Entry) { s.cache.clear() })
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Close() {
	s.cache.close()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(limitBody(s.cfg.MaxBodyBytes))

		r.Post("/interpret", s.handleInterpret)
		r.Get("/transactions", s.handleListTransactions)
		r.Post("/transactions", s.handleCreateTransaction)
		r.Get("/summary", s.handleSummary)

		if s.devices != nil {
			r.Get("/devices", s.handleListDevices)
		}
		if s.voice != nil {
			r.Route("/devices/{device_id}", func(r chi.Router) {
				r.Get("/capture", s.handleCaptureStatus)
				r.Post("/capture/permission", s.handlePermission)
				r.Post("/capture/start", s.handleCaptureStart)
				r.Post("/capture/stop", s.handleCaptureStop)
				r.Post("/capture/reset", s.handleCaptureReset)
				r.Post("/candidate/confirm", s.handleConfirm)
				r.Post("/candidate/discard", s.handleDiscard)
			})
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
