// Package server wires the HTTP surface: routing, middleware, rate limiting,
// and the serve/shutdown lifecycle.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"livesight/internal/api"
	"livesight/internal/auth"
	"livesight/internal/observability/logging"
	"livesight/internal/observability/metrics"
	"livesight/internal/session"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// BanChecker tells the middleware whether a client address is banned.
type BanChecker interface {
	IsIPBanned(ctx context.Context, addr string) (bool, error)
}

// Config controls the server runtime behaviour.
type Config struct {
	Addr            string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	Bans            BanChecker
	ShutdownTimeout time.Duration
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is
// cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Server hosts the lookup API, the session websocket, and the auth routes.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
	shutdown    time.Duration
}

// New assembles the route table and middleware chain.
func New(handler *api.Handler, gateway *session.Gateway, authn *auth.TwitchAuthenticator, cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Healthz)
	mux.Handle("/metrics", recorder.Handler())
	if gateway != nil {
		mux.HandleFunc("/ws", gateway.HandleConnection)
	}
	if authn != nil {
		mux.HandleFunc("/api/login", authn.HandleLogin)
		mux.HandleFunc("/api/oauth", authn.HandleCallback)
	}
	// Everything else is a channel lookup: GET /{service}/{name}.
	mux.HandleFunc("/", handler.ChannelLookup)

	// ServeMux cleans paths before routing and would 301-redirect names that
	// contain consecutive slashes, corrupting URL-backed channel names.
	// Lookup paths bypass it.
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLookupPath(r.URL.Path) {
			handler.ChannelLookup(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(root)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = metricsMiddleware(recorder, handlerChain)
	handlerChain = loggingMiddleware(logger, handlerChain)
	handlerChain = bannedIPMiddleware(cfg.Bans, logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		shutdown:    cfg.ShutdownTimeout,
	}
	if (srv.tlsCertFile == "") != (srv.tlsKeyFile == "") {
		return nil, fmt.Errorf("both TLS cert file and key file must be provided")
	}
	if srv.tlsCertFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the assembled middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until the context is cancelled or the
// listener fails. Cancellation triggers a graceful shutdown bounded by the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	timeout := s.shutdown
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		if s.tlsCertFile != "" {
			serveErr <- s.httpServer.ServeTLS(ln, s.tlsCertFile, s.tlsKeyFile)
			return
		}
		serveErr <- s.httpServer.Serve(ln)
	}()

	s.logger.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := s.httpServer.Shutdown(shutdownCtx)

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return shutdownErr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Hijack passes connection hijacking through to the wrapped writer so the
// websocket upgrade works behind the middleware chain.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newStatusRecorder(w)
		ctx := logging.ContextWithRequestID(r.Context(), uuid.NewString())
		start := time.Now()
		next.ServeHTTP(recorder, r.WithContext(ctx))
		logging.WithContext(ctx, logger).Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r))
	})
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, sr.status, time.Since(start))
	})
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if isLookupPath(r.URL.Path) {
			allowed, retryAfter, err := rl.AllowLookup(extractClientIP(r))
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				http.Error(w, "too many lookups", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bannedIPMiddleware(bans BanChecker, logger *slog.Logger, next http.Handler) http.Handler {
	if bans == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractClientIP(r)
		if ip != "" {
			banned, err := bans.IsIPBanned(r.Context(), ip)
			if err != nil {
				if logger != nil {
					logger.Error("ip ban check failed", "error", err, "remote_ip", ip)
				}
			} else if banned {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isLookupPath(path string) bool {
	switch {
	case path == "/healthz", path == "/metrics", path == "/ws":
		return false
	case strings.HasPrefix(path, "/api/"):
		return false
	}
	return true
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
