package controllers

import (
	"net/http"

	hubsvc "github.com/rzbill/pushhub/internal/services/hub"
	logpkg "github.com/rzbill/pushhub/pkg/log"
)

// GeneralController handles operational endpoints: health, topic stats and
// the abandoned-delivery listing.
type GeneralController struct {
	svc     *hubsvc.Service
	metrics http.Handler
	logger  logpkg.Logger
}

// NewGeneralController creates a new general controller. A nil metrics
// handler leaves /metrics unregistered.
func NewGeneralController(svc *hubsvc.Service, metrics http.Handler, logger logpkg.Logger) *GeneralController {
	return &GeneralController{svc: svc, metrics: metrics, logger: logger}
}

// RegisterRoutes registers general routes with the given mux.
//
// This method sets up HTTP endpoints for:
// - Health checks (/v1/healthz)
// - Topic stats (/v1/topics?url=)
// - Abandoned deliveries (/v1/abandoned?limit=&since=)
// - Prometheus metrics (/metrics)
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/topics", c.handleTopic)
	mux.HandleFunc("/v1/abandoned", c.handleAbandoned)
	if c.metrics != nil {
		mux.Handle("/metrics", c.metrics)
	}
}

// handleHealth returns the health status of the service.
//
// Returns 200 OK with {"status": "ok"} if healthy, 503 Service Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.svc.Health(r.Context()); err != nil {
		c.logger.Warn("health check failed", logpkg.Err(err))
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleTopic(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	stats, err := c.svc.TopicStats(r.Context(), url)
	if err != nil {
		writeFailure(w, c.logger, err)
		return
	}
	writeJSON(w, stats)
}

func (c *GeneralController) handleAbandoned(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	list, err := c.svc.Abandoned(r.Context(), parseTimestamp(q.Get("since")), parseLimit(q.Get("limit")))
	if err != nil {
		writeFailure(w, c.logger, err)
		return
	}
	writeJSON(w, map[string]any{"abandoned": list})
}
