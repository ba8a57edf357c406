package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jsoncodec "github.com/drblury/notifyflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/notifyflow/internal/runtime/logging"
)

// ServerOptions configures the probe server.
type ServerOptions struct {
	Addr    string
	Monitor *Monitor
	Logger  loggingpkg.ServiceLogger
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP probe server.
type Server struct {
	addr   string
	logger loggingpkg.ServiceLogger
	server *http.Server
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	logger = logger.With(loggingpkg.LogFields{"component": "http"})

	return &Server{
		addr:   opts.Addr,
		logger: logger,
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewRouter(opts.Monitor, opts.Gatherer, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// NewRouter builds the probe routes.
func NewRouter(monitor *Monitor, gatherer prometheus.Gatherer, logger loggingpkg.ServiceLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, requestLogger(logger))

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, monitor.Liveness(), logger)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		status := monitor.Readiness()
		code := http.StatusOK
		if !status.Ready() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status, logger)
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, body any, logger loggingpkg.ServiceLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsoncodec.Encode(w, body); err != nil {
		logger.Error("Failed to write probe response", err, nil)
	}
}

// requestLogger logs one line per request; responses with status >= 400 are
// logged at error level.
func requestLogger(logger loggingpkg.ServiceLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := loggingpkg.LogFields{
				"method":    r.Method,
				"path":      r.URL.Path,
				"query":     r.URL.RawQuery,
				"client_ip": clientIP(r),
				"status":    status,
				"latency":   time.Since(start).String(),
			}
			if status >= http.StatusBadRequest {
				logger.Error("incoming request", errors.New(http.StatusText(status)), fields)
				return
			}
			logger.Info("incoming request", fields)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ServeListener serves on l until Shutdown.
func (s *Server) ServeListener(l net.Listener) error {
	s.logger.Info("HTTP server started", loggingpkg.LogFields{"address": l.Addr().String()})
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP server failed", err, nil)
		return err
	}
	return nil
}

// Serve listens on the configured address.
func (s *Server) Serve() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("Failed to create HTTP listener", err, loggingpkg.LogFields{"address": s.addr})
		return err
	}
	return s.ServeListener(l)
}

// Shutdown stops accepting requests and waits for active ones within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed", err, nil)
		return err
	}
	s.logger.Info("HTTP server stopped", nil)
	return nil
}
