// Package api exposes the ledger, health and swap operations over HTTP. Callers
// supply an already-authenticated user id in the path.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wTHU1Ew/papaya/internal/alert"
	"github.com/wTHU1Ew/papaya/internal/ledger"
	"github.com/wTHU1Ew/papaya/internal/liquidation"
	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/oracle"
	"github.com/wTHU1Ew/papaya/internal/recorder"
	"github.com/wTHU1Ew/papaya/internal/swap"
)

// HealthChecker is anything able to report its own liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps 依赖 / Components served by the API; Engine, Alerts and Gatherer may be nil
type Deps struct {
	Ledger   *ledger.Ledger
	Recorder *recorder.Recorder
	Swap     *swap.Service
	Prices   oracle.Source
	Engine   *liquidation.Engine
	Alerts   *alert.Memory
	Store    HealthChecker
	Gatherer prometheus.Gatherer
}

// Server HTTP接口 / HTTP API
type Server struct {
	deps    Deps
	logger  *logger.Logger
	timeout time.Duration
}

// New 创建HTTP接口 / Create the HTTP API
func New(deps Deps, log *logger.Logger) *Server {
	return &Server{deps: deps, logger: log.With("api"), timeout: 30 * time.Second}
}

// Handler 构建路由 / Build the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/prices", s.handlePrices)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/users", s.handleRegister)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Post("/deposit", s.handleMutation(s.deps.Ledger.Deposit))
			r.Post("/withdraw", s.handleMutation(s.deps.Ledger.Withdraw))
			r.Post("/borrow", s.handleMutation(s.deps.Ledger.Borrow))
			r.Post("/payback", s.handleMutation(s.deps.Ledger.Payback))
			r.Post("/swap", s.handleSwap)
			r.Get("/health", s.handleHealth)
			r.Get("/transactions", s.handleTransactions)
			r.Get("/liquidations", s.handleLiquidations)
			r.Get("/liquidation-plan", s.handlePlan)
		})
	})
	return r
}

// requestLogger 请求日志 / Log each request through the component logger
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("%s %s -> %d (%v, req %s)", r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
