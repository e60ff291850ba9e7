package registry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"decentrilicense/pkg/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const serviceName = "decentrilicense-registry"

type ServerOptions struct {
	RateLimit      float64
	Burst          int
	RequestTimeout time.Duration
	// Metrics and Gatherer are optional; /metrics is mounted only with a Gatherer.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	service  *Service
	opts     ServerOptions
	limiter  *rate.Limiter
	validate *validator.Validate
	logger   *zap.Logger
	router   chi.Router
}

func NewServer(svc *Service, opts ServerOptions, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 1000
	}
	if opts.Burst <= 0 {
		opts.Burst = 2000
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}

	s := &Server{
		service:  svc,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		validate: validator.New(),
		logger:   logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.opts.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
		r.Use(s.rateLimit)
		r.Use(s.observe)
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Post("/devices/register", s.handleRegister)
		r.Post("/devices/heartbeat", s.handleHeartbeat)
		r.Get("/licenses/{code}/holder", s.handleHolder)
		r.Post("/tokens/transfer", s.handleTransfer)
	})
	return r
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.fail(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveRegistryRequest(route, status, time.Since(start))
		}
		if route != "/api/health" {
			s.logger.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		s.fail(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read stats", zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "stats unavailable")
		return
	}
	s.trackDevices(st)
	render.JSON(w, r, st)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var d Device
	if !s.decode(w, r, &d) {
		return
	}
	if d.PublicIP == "" {
		d.PublicIP = remoteHost(r.RemoteAddr)
	}

	if err := s.service.RegisterDevice(r.Context(), d); err != nil {
		s.logger.Error("Failed to register device", zap.String("device_id", d.DeviceID), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "registration failed")
		return
	}
	if st, err := s.service.Stats(r.Context()); err == nil {
		s.trackDevices(st)
	}

	render.JSON(w, r, map[string]interface{}{
		"success":   true,
		"message":   "Device registered successfully",
		"device_id": d.DeviceID,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	ok, err := s.service.Heartbeat(r.Context(), req.DeviceID)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	render.JSON(w, r, map[string]interface{}{"success": ok})
}

func (s *Server) handleHolder(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	d, err := s.service.LicenseHolder(r.Context(), code)
	if errors.Is(err, ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, "license not found")
		return
	}
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=10")
	render.JSON(w, r, d)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var t TokenTransfer
	if !s.decode(w, r, &t) {
		return
	}
	err := s.service.RequestTransfer(r.Context(), t)
	if errors.Is(err, ErrTransferRejected) {
		s.fail(w, r, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "transfer failed")
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"message": "Transfer request recorded",
	})
}

func (s *Server) trackDevices(st Stats) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RegisteredDevices.Set(float64(st.TotalDevices))
	}
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting registry server",
			zap.String("addr", addr),
			zap.Float64("rate_limit", s.opts.RateLimit),
			zap.Int("burst", s.opts.Burst))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("Shutting down registry server")
	return srv.Shutdown(shutdownCtx)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
