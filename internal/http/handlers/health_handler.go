package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

// Health reports liveness and, when a store is wired, its reachability.
func (h *Handlers) Health(c *gin.Context) {
	if h.db == nil {
		ok(c, http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "store unreachable: "+err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "ok", "db": "up"})
}
