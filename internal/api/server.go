// Package api serves the daemon's HTTP interface.
// Package api 提供守护进程的 HTTP 接口。
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MaxSonchik/DevOS/internal/app"
	"github.com/MaxSonchik/DevOS/internal/metrics"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// MaxBodySize caps request bodies, imports included.
const MaxBodySize = 16 << 20

// Server exposes an app.Ops over HTTP.
type Server struct {
	ops     app.Ops
	token   string
	metrics bool
	log     *zap.SugaredLogger
	srv     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every API call.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithMetrics serves the Prometheus registry on /metrics.
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func NewServer(ops app.Ops, opts ...Option) *Server {
	s := &Server{ops: ops, log: logger.Get(context.Background())}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
// Handler 返回已配置路由的处理器。
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/rules/block", s.handleBlock)
	api.HandleFunc("POST /api/v1/rules/allow", s.handleAllow)
	api.HandleFunc("GET /api/v1/rules", s.handleList)
	api.HandleFunc("POST /api/v1/firewall/enable", s.handleProfile(true))
	api.HandleFunc("POST /api/v1/firewall/disable", s.handleProfile(false))
	api.HandleFunc("GET /api/v1/stats", s.handleStats)
	api.HandleFunc("GET /api/v1/export", s.handleExport)
	api.HandleFunc("POST /api/v1/import", s.handleImport)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	mux.Handle("/api/", s.withAuth(api))
	return s.withLogging(mux)
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
// Start 监听 addr 并在后台提供服务，监听成功后返回。
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("[API] Server stopped: %v", err)
		}
	}()
	s.log.Infof("[API] Listening on http://%s", ln.Addr())
	return ln.Addr(), nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debugf("[API] %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
