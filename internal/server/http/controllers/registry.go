package controllers

import (
	"net/http"
	"time"

	"github.com/rzbill/flobuf/internal/runtime"
	"github.com/rzbill/flobuf/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
//
// It provides a centralized way to register all controller routes.
type ControllerRegistry struct {
	general *GeneralController
	buffers *BufferController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, logger log.Logger, writeTimeout time.Duration) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		buffers: NewBufferController(rt, logger, writeTimeout),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
//
// This sets up the health and stats endpoints plus the buffer
// administration endpoints.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.buffers.RegisterRoutes(mux)
}
