package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/models"
)

// TriggerRequest asks for a manual run of a template. Nil overrides fall
// back to the template's defaults.
type TriggerRequest struct {
	Env         *string `json:"env"`
	Notify      *bool   `json:"auto_notify"`
	TemplateID  string  `json:"template_id" binding:"required"`
	TriggeredBy string  `json:"triggered_by"`
}

// TriggerService is the entry point for manual runs.
type TriggerService struct {
	templates *TemplateService
	launcher  *Launcher
	log       *zap.SugaredLogger
}

// NewTriggerService creates a new TriggerService instance.
func NewTriggerService(templates *TemplateService, launcher *Launcher, log *zap.SugaredLogger) *TriggerService {
	return &TriggerService{templates: templates, launcher: launcher, log: logger.OrNop(log).Named("trigger")}
}

// Trigger launches tpl synchronously so the caller learns at once whether
// Jenkins accepted the build. See Launcher.Launch for the failure contract.
func (s *TriggerService) Trigger(ctx context.Context, req TriggerRequest) (*models.Execution, error) {
	tpl, err := s.templates.GetTemplateByID(req.TemplateID)
	if err != nil {
		return nil, err
	}

	env := tpl.DefaultEnv
	if req.Env != nil && *req.Env != "" {
		env = *req.Env
	}
	notify := tpl.AutoNotify
	if req.Notify != nil {
		notify = *req.Notify
	}
	by := req.TriggeredBy
	if by == "" {
		by = "api"
	}

	if err := s.templates.TouchLastUsed(tpl.ID); err != nil {
		s.log.Warnw("failed to update last_used", "template", tpl.ID, "error", err)
	}

	return s.launcher.Launch(ctx, tpl, LaunchSpec{
		Env:          env,
		TriggeredBy:  by,
		TriggerKind:  models.TriggerManual,
		ShouldNotify: notify,
	})
}
