// Package dashboard serves the teacher's view of reports and class documents.
package dashboard

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/shellie/pkg/classroom"
	"github.com/vango-go/shellie/pkg/metrics"
	"github.com/vango-go/shellie/pkg/reports"
)

type Config struct {
	Book    *reports.Book
	Library *classroom.Library
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	PingInterval time.Duration
	WriteTimeout time.Duration

	// MaxDocumentBytes caps uploaded document bodies.
	MaxDocumentBytes int64
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Book == nil {
		cfg.Book = reports.NewBook(reports.BookConfig{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Library == nil {
		cfg.Library = classroom.NewLibrary()
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = 1 << 20
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", HealthHandler{})
	s.mux.Handle("/metrics", s.cfg.Metrics.Handler())

	s.mux.Handle("/v1/reports", ReportsHandler{Book: s.cfg.Book, Logger: s.logger})
	s.mux.Handle("/v1/reports/archive", ArchiveHandler{Book: s.cfg.Book, Logger: s.logger})
	s.mux.Handle("/v1/reports/stream", StreamHandler{
		Book:         s.cfg.Book,
		Logger:       s.logger,
		PingInterval: s.cfg.PingInterval,
		WriteTimeout: s.cfg.WriteTimeout,
	})

	s.mux.Handle("/v1/documents", DocumentsHandler{Library: s.cfg.Library, MaxBytes: s.cfg.MaxDocumentBytes})
	s.mux.Handle("/v1/documents/{name}", DocumentHandler{Library: s.cfg.Library})

	s.mux.Handle("/v1/safety/vocabulary", VocabularyHandler{})
	s.mux.Handle("/v1/voices", VoicesHandler{})
}

func (s *Server) Handler() http.Handler {
	return accessLog(s.logger, sameOrigin(s.mux))
}

// sameOrigin refuses state-changing requests sent by a page from another
// origin. Requests without an Origin header (curl, the console) pass.
func sameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			if origin := r.Header.Get("Origin"); origin != "" {
				u, err := url.Parse(origin)
				if err != nil || !strings.EqualFold(u.Host, r.Host) {
					writeError(w, http.StatusForbidden, "permission_error", "cross-origin request refused", "")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
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

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the report stream upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("dashboard request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
