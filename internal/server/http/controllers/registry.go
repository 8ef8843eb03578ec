package controllers

import (
	"net/http"

	hubsvc "github.com/rzbill/pushhub/internal/services/hub"
	logpkg "github.com/rzbill/pushhub/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	hub     *HubController
	general *GeneralController
}

// NewControllerRegistry creates a new controller registry.
//
// It initializes all controllers with the provided service. metrics may be
// nil.
func NewControllerRegistry(svc *hubsvc.Service, metrics http.Handler, logger logpkg.Logger) *ControllerRegistry {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	logger = logger.WithComponent("http")
	return &ControllerRegistry{
		hub:     NewHubController(svc, logger),
		general: NewGeneralController(svc, metrics, logger),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.hub.RegisterRoutes(mux)
	r.general.RegisterRoutes(mux)
}
