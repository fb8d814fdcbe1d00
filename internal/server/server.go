// Package server exposes the evaluation pipeline over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"github.com/fpang/ielts-examiner/internal/mailer"
	"github.com/fpang/ielts-examiner/internal/pipeline"
	"github.com/fpang/ielts-examiner/internal/session"
	"github.com/fpang/ielts-examiner/internal/upload"
)

// Headers the API reads or sets.
const (
	HeaderSessionID      = "X-Session-Id"
	HeaderRejectedAssets = "X-Rejected-Assets"
)

// defaultMaxRequestBytes caps request bodies when Options leaves it unset.
const defaultMaxRequestBytes = 100 << 20

// Options configures a Server. Pipeline and Sessions are required.
type Options struct {
	Pipeline *pipeline.Pipeline
	Sessions *session.Manager
	// Uploads enables the presigned upload routes when set.
	Uploads *upload.Service
	// Mailer enables /api/send when set.
	Mailer mailer.Sender

	AllowedOrigins  []string
	MaxRequestBytes int64
	Version         string
	// SweepInterval, when set, sweeps idle sessions from the request path.
	SweepInterval time.Duration
}

// Server routes API requests to the pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	sessions *session.Manager
	uploads  *upload.Service
	mail     mailer.Sender

	origins    map[string]bool
	anyOrigin  bool
	maxRequest int64
	version    string
	sweepEvery time.Duration

	router chi.Router
}

// New builds a Server and its routes.
func New(opts Options) *Server {
	s := &Server{
		pipeline:   opts.Pipeline,
		sessions:   opts.Sessions,
		uploads:    opts.Uploads,
		mail:       opts.Mailer,
		origins:    make(map[string]bool, len(opts.AllowedOrigins)),
		maxRequest: opts.MaxRequestBytes,
		version:    opts.Version,
		sweepEvery: opts.SweepInterval,
		router:     chi.NewRouter(),
	}
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			s.anyOrigin = true
		}
		s.origins[o] = true
	}
	if s.maxRequest <= 0 {
		s.maxRequest = defaultMaxRequestBytes
	}
	if s.version == "" {
		s.version = "dev"
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
	r.Use(withLogging)
	r.Use(withMetrics)
	r.Use(s.withCORS)
	r.Use(s.withBodyLimit)

	r.Get("/api/health", s.handleHealth)

	r.Post("/api/evaluate", s.handleEvaluate)
	r.Post("/api/evaluate/batch", s.handleEvaluateBatch)
	r.Post("/api/evaluate/uploaded", s.handleEvaluateUploaded)
	r.Get("/api/upload-url", s.handleUploadURL)

	r.Get("/api/results", s.handleListResults)
	r.Get("/api/results/{mode}", s.handleGetResult)
	r.Delete("/api/results/{mode}", s.handleClearResult)
	r.Delete("/api/session", s.handleEndSession)

	r.Post("/api/send", s.handleSend)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "ielts-examiner",
		"version":  s.version,
		"sessions": s.sessions.Len(),
	})
}
