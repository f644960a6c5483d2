// Package router wires the HTTP API onto a gin engine.
package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/testflowpro/testflow/internal/config"
	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/handlers"
	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/middleware"
	"github.com/testflowpro/testflow/internal/services"
)

// Deps are the services the API is built on.
type Deps struct {
	DB            *database.DB
	Templates     *services.TemplateService
	Schedules     *services.ScheduleService
	Executions    *services.ExecutionService
	Notifications *services.NotificationService
	SystemConfigs *services.SystemConfigService
	Audit         *services.AuditService
	Trigger       *services.TriggerService
	Scheduler     *services.Scheduler
	Events        *services.EventHub
	Jobs          handlers.JobLister
	TestSender    handlers.TestSender
	Log           *zap.SugaredLogger
}

const maxBodyBytes = 1 << 20

func New(cfg *config.Config, d Deps) *gin.Engine {
	log := logger.OrNop(d.Log)

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log.Named("http")))
	r.Use(middleware.Recovery(log.Named("http")))
	r.Use(middleware.SecurityHeaders())
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	}
	r.Use(middleware.BodySizeLimit(maxBodyBytes))

	versionHandler := handlers.NewVersionHandler(d.DB, d.Scheduler)
	templateHandler := handlers.NewTemplateHandler(d.Templates, d.Schedules, d.Jobs, d.Audit)
	scheduleHandler := handlers.NewScheduleHandler(d.Schedules, d.Scheduler, d.Audit)
	notificationHandler := handlers.NewNotificationHandler(d.Notifications, d.TestSender, d.Audit)
	dashboardHandler := handlers.NewDashboardHandler(d.Trigger, d.Executions, d.Audit)
	streamHandler := handlers.NewStreamHandler(d.Executions, d.Events, log)
	systemConfigHandler := handlers.NewSystemConfigHandler(d.SystemConfigs, d.Audit)
	auditHandler := handlers.NewAuditHandler(d.Audit)

	triggerLimit := middleware.NewRateLimiter(cfg.RateLimit.TriggerPerMinute, cfg.RateLimit.TriggerBurst)

	r.GET("/healthz", versionHandler.Health)
	r.GET("/api/version", versionHandler.Version)

	api := r.Group(cfg.Server.PathPrefix)
	{
		api.GET("/templates", templateHandler.List)
		api.POST("/templates", templateHandler.Create)
		api.GET("/templates/jenkins-jobs", templateHandler.JenkinsJobs)
		api.GET("/templates/:id", templateHandler.Get)
		api.PUT("/templates/:id", templateHandler.Update)
		api.DELETE("/templates/:id", templateHandler.Delete)

		api.GET("/schedules", scheduleHandler.List)
		api.POST("/schedules", scheduleHandler.Create)
		api.POST("/schedules/preview-next", scheduleHandler.PreviewNext)
		api.POST("/schedules/toggle/:id", scheduleHandler.Toggle)
		api.GET("/schedules/:id", scheduleHandler.Get)
		api.PUT("/schedules/:id", scheduleHandler.Update)
		api.DELETE("/schedules/:id", scheduleHandler.Delete)

		api.GET("/notifications", notificationHandler.List)
		api.POST("/notifications", notificationHandler.Create)
		api.POST("/notifications/test", notificationHandler.Test)
		api.POST("/notifications/test/:id", notificationHandler.TestSaved)
		api.GET("/notifications/:id", notificationHandler.Get)
		api.PUT("/notifications/:id", notificationHandler.Update)
		api.DELETE("/notifications/:id", notificationHandler.Delete)

		api.POST("/dashboard/trigger", triggerLimit.Middleware(), dashboardHandler.Trigger)
		api.GET("/dashboard/running", dashboardHandler.Running)
		api.GET("/dashboard/recent", dashboardHandler.Recent)
		api.GET("/dashboard/executions/:id", dashboardHandler.GetExecution)
		api.GET("/dashboard/executions/:id/stream", streamHandler.Stream)
		api.GET("/dashboard/events", streamHandler.Events)

		api.GET("/system-config", systemConfigHandler.List)
		api.POST("/system-config", systemConfigHandler.Create)
		api.DELETE("/system-config/:id", systemConfigHandler.Delete)

		api.GET("/audit-logs", auditHandler.List)
	}

	return r
}
