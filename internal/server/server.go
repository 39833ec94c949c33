// Package server exposes a running recorder over HTTP: Prometheus metrics,
// the current recording's status and build information.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

// RecorderState is the part of a recorder the status endpoint reads.
type RecorderState interface {
	IsRecording() bool
	Current() *recorder.Pipeline
	Snapshot() media.FormatSnapshot
}

// StatusServer serves /metrics, /status, /version and /healthz.
type StatusServer struct {
	addr     string
	recorder RecorderState
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

func NewStatusServer(addr string, rec RecorderState) *StatusServer {
	return &StatusServer{
		addr:     addr,
		recorder: rec,
		logger:   util.GetLogger().With("component", "status-server"),
	}
}

// Router builds the route table.
func (s *StatusServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/version", s.handleVersion).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	return r
}

// Start listens on the configured address and serves in the background.
func (s *StatusServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("status server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.addr)
	}
	s.listener = ln
	s.startTime = time.Now()
	s.httpServer = &http.Server{
		Handler:     s.loggingMiddleware(s.Router()),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server stopped", "error", err)
		}
	}(s.httpServer)
	s.logger.Info("status server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *StatusServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, forcing close after two seconds.
func (s *StatusServer) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("status server shutdown error", "error", err)
		if err := srv.Close(); err != nil {
			return errors.Wrap(err, "force close status server")
		}
	}
	return nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func (s *StatusServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", lw.status, "bytes", lw.length, "duration", time.Since(start), "remote", r.RemoteAddr)
	})
}
