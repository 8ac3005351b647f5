// Package api provides the HTTP surface of the composition service.
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vulgatecnn/vidcompose/internal/api/middleware"
	"github.com/vulgatecnn/vidcompose/internal/config"
	"github.com/vulgatecnn/vidcompose/internal/log"
	"github.com/vulgatecnn/vidcompose/internal/media"
	"github.com/vulgatecnn/vidcompose/internal/task"
)

// HeaderUserID carries the authenticated caller identity, resolved by the
// auth layer in front of this service.
const HeaderUserID = "X-User-ID"

// Server handles the composition HTTP API.
type Server struct {
	cfg      config.AppConfig
	mgr      *task.Manager
	videos   media.VideoRepository
	workerFn task.WorkerFunc
	log      zerolog.Logger
}

// New wires a Server. workerFn is the composition worker dispatched for
// every started task.
func New(cfg config.AppConfig, mgr *task.Manager, videos media.VideoRepository, workerFn task.WorkerFunc) *Server {
	return &Server{
		cfg:      cfg,
		mgr:      mgr,
		videos:   videos,
		workerFn: workerFn,
		log:      log.WithComponent("api"),
	}
}

// Routes builds the router with the canonical middleware stack.
func (s *Server) Routes() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics:  true,
		TracingService: "vidcompose",
		EnableLogging:  true,
		RateLimitRPS:   s.cfg.RateLimitRPS,
		RateLimitBurst: s.cfg.RateLimitBurst,
	})

	r.Route("/videos/composition", func(r chi.Router) {
		r.Post("/create", s.handleCreate)
		r.Get("/{taskID}", s.handleQuery)
		r.Delete("/{taskID}", s.handleCancel)
		r.Get("/{taskID}/download", s.handleDownload)
		r.Get("/{taskID}/stream", s.handleStream)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// callerID extracts the opaque user identity set by the auth layer.
func callerID(r *http.Request) (int64, bool) {
	raw := r.Header.Get(HeaderUserID)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
