package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/vtxgate/internal/manager"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type streamsResp struct {
	Streams []manager.StreamStatus `json:"streams"`
}

// statusFor maps lifecycle errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrInsufficientMemory):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleSysStatus(c *gin.Context) {
	st, err := r.sys(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleListStreams(c *gin.Context) {
	writeJSON(c, http.StatusOK, streamsResp{Streams: r.ctl.Snapshot()})
}

func (r *Router) handleStart(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid stream name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if err := r.ctl.Start(c.Request.Context(), name); err != nil {
		r.log.Warn("manual start failed", "stream", name, "error", err)
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: fmt.Sprintf("stream %s is active (started or refreshed)", name)})
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid stream name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if err := r.ctl.Stop(c.Request.Context(), name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: fmt.Sprintf("stream %s stopped", name)})
}

func (r *Router) handleDebugTick(c *gin.Context) {
	r.ctl.Tick(c.Request.Context(), time.Now())
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
