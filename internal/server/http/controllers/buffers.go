package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/runtime"
	"github.com/rzbill/flobuf/pkg/log"
)

// BufferController exposes purge, reset and an SSE subscriber.
type BufferController struct {
	rt           *runtime.Runtime
	logger       log.Logger
	queueLen     int
	writeTimeout time.Duration
}

// NewBufferController creates a buffer controller. SSE subscribers that
// leave a full queue unread for writeTimeout while catching up, or overflow
// it once live, are dropped.
func NewBufferController(rt *runtime.Runtime, logger log.Logger, writeTimeout time.Duration) *BufferController {
	return &BufferController{
		rt:           rt,
		logger:       logger,
		queueLen:     rt.Config().Subscribers.QueueLength,
		writeTimeout: writeTimeout,
	}
}

// RegisterRoutes registers buffer routes with the given mux.
func (c *BufferController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/purge", c.handlePurge)
	mux.HandleFunc("/v1/reset", c.handleReset)
	mux.HandleFunc("/v1/subscribe", c.handleSubscribe)
}

func (c *BufferController) decode(w http.ResponseWriter, r *http.Request) (windowReq, bool) {
	var req windowReq
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	return req, true
}

// handlePurge reclaims an identity's windows up to the given one.
func (c *BufferController) handlePurge(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decode(w, r)
	if !ok {
		return
	}
	msg, err := c.rt.Purge(req.Identity, req.BaseSeconds, req.Window)
	c.reply(w, msg, err)
}

// handleReset discards an identity's buffer.
func (c *BufferController) handleReset(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decode(w, r)
	if !ok {
		return
	}
	msg, err := c.rt.Reset(req.Identity)
	c.reply(w, msg, err)
}

func (c *BufferController) reply(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, runtime.ErrUnknownIdentifier):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(messageResp{Message: msg})
	case err != nil:
		c.logger.Error("buffer request failed", log.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(messageResp{Message: msg})
	}
}
