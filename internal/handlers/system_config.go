package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/testflowpro/testflow/internal/models"
	"github.com/testflowpro/testflow/internal/services"
)

type SystemConfigHandler struct {
	auditor
	configs *services.SystemConfigService
}

func NewSystemConfigHandler(configs *services.SystemConfigService, audit *services.AuditService) *SystemConfigHandler {
	return &SystemConfigHandler{auditor: auditor{audit: audit}, configs: configs}
}

// List returns every entry grouped by type name.
func (h *SystemConfigHandler) List(c *gin.Context) {
	grouped, err := h.configs.GetGroupedConfigs()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, grouped)
}

func (h *SystemConfigHandler) Create(c *gin.Context) {
	var req models.CreateSystemConfigRequest
	if !bindJSON(c, &req) {
		return
	}

	cfg, err := h.configs.CreateConfig(&req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "create", "system_config", cfg.ID, map[string]any{"type_name": cfg.TypeName, "name": cfg.Name})
	c.JSON(http.StatusCreated, cfg)
}

func (h *SystemConfigHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.configs.DeleteConfig(id); err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "delete", "system_config", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "system config deleted"})
}
