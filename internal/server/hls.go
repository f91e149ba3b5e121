package server

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHLS serves a stream output file. A playlist request is the activation
// trigger: it starts the worker and waits briefly for the first playlist.
// Any other file only refreshes an already running worker.
func (r *Router) handleHLS(c *gin.Context) {
	name, file := c.Param("stream"), c.Param("file")
	if !isSafeName(name) || !isSafeName(file) {
		c.String(http.StatusBadRequest, "invalid path")
		return
	}

	playlist := isPlaylist(file)
	if playlist {
		if err := r.ctl.Start(c.Request.Context(), name); err != nil {
			r.log.Error("failed to auto-start stream", "stream", name, "error", err)
			c.String(statusFor(err), err.Error())
			return
		}
	} else if !r.ctl.Touch(name) {
		c.String(http.StatusNotFound, "stream not running")
		return
	}

	path := filepath.Join(r.hlsRoot, name, file)
	if playlist && !r.waitForFile(c, path) {
		c.String(http.StatusNotFound, "file not found")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		c.String(http.StatusNotFound, "file not found")
		return
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		c.String(http.StatusNotFound, "file not found")
		return
	}

	c.Header("Access-Control-Allow-Origin", "*")
	if playlist {
		c.Header("Cache-Control", "no-cache")
	}
	c.DataFromReader(http.StatusOK, st.Size(), contentTypeFor(file), f, nil)
}

// waitForFile polls for path until it exists, the playlist wait elapses, or
// the client goes away.
func (r *Router) waitForFile(c *gin.Context, path string) bool {
	deadline := time.Now().Add(r.playlistWait)
	logged := false
	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		if !logged {
			r.log.Info("waiting for playlist", "path", path)
			logged = true
		}
		select {
		case <-c.Request.Context().Done():
			return false
		case <-time.After(playlistPollStep):
		}
	}
}
