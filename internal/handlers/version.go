package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/version"
)

// StatusReporter exposes counters for the health endpoint.
type StatusReporter interface {
	Len() int
}

type VersionHandler struct {
	db        *database.DB
	scheduler StatusReporter
}

func NewVersionHandler(db *database.DB, scheduler StatusReporter) *VersionHandler {
	return &VersionHandler{db: db, scheduler: scheduler}
}

// Version reports the build.
// GET /api/version
func (h *VersionHandler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

// Health reports whether the database answers.
// GET /healthz
func (h *VersionHandler) Health(c *gin.Context) {
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}

	resp := gin.H{"status": "ok", "version": version.Version}
	if h.scheduler != nil {
		resp["schedules"] = h.scheduler.Len()
	}
	c.JSON(http.StatusOK, resp)
}
