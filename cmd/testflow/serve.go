package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/jenkins"
	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/notify"
	"github.com/testflowpro/testflow/internal/router"
	"github.com/testflowpro/testflow/internal/services"
	"github.com/testflowpro/testflow/internal/version"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Infow("starting testflow", "version", version.Version, "commit", version.GitCommit)

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return errors.Wrap(err, "migrate database")
	}

	key, err := cfg.Security.Key()
	if err != nil {
		return err
	}
	crypto, err := services.NewCryptoService(key)
	if err != nil {
		return err
	}
	if !crypto.Enabled() {
		log.Warn("security.encryption_key not set, notification secrets are stored in plaintext")
	}

	ci := jenkins.New(cfg.Jenkins, log)
	dispatcher := notify.New(cfg.Notification.GetTimeout(), log)
	events := services.NewEventHub()

	templates := services.NewTemplateService(db)
	schedules := services.NewScheduleService(db, templates, nil)
	executions := services.NewExecutionService(db)
	notifications := services.NewNotificationService(db, crypto)
	systemConfigs := services.NewSystemConfigService(db)
	audit := services.NewAuditService(db, log)

	launcher := services.NewLauncher(executions, ci, events, log)
	trigger := services.NewTriggerService(templates, launcher, log)

	scheduler := services.NewScheduler(templates, schedules, launcher, cfg.Scheduler.GetLocation(), log)
	schedules.SetTimetable(scheduler)
	if err := scheduler.Sync(); err != nil {
		return errors.Wrap(err, "load schedules")
	}

	reconciler := services.NewReconciler(services.ReconcilerConfig{
		Executions:    executions,
		Templates:     templates,
		Notifications: notifications,
		CI:            ci,
		Notifier:      dispatcher,
		Events:        events,
		Log:           log,
		Interval:      cfg.Poller.GetInterval(),
		SubmitGrace:   cfg.Poller.GetSubmitGrace(),
	})

	gin.SetMode(gin.ReleaseMode)
	r := router.New(cfg, router.Deps{
		DB:            db,
		Templates:     templates,
		Schedules:     schedules,
		Executions:    executions,
		Notifications: notifications,
		SystemConfigs: systemConfigs,
		Audit:         audit,
		Trigger:       trigger,
		Scheduler:     scheduler,
		Events:        events,
		Jobs:          ci,
		TestSender:    dispatcher,
		Log:           log,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}

	reconciler.Start()
	scheduler.Start()

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		log.Infow("http server listening", "addr", srv.Addr, "prefix", cfg.Server.PathPrefix)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
		defer cancel()

		scheduler.Stop()
		reconciler.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Open event streams outlive the grace period.
			log.Warnw("forcing http server close", "error", err)
			return srv.Close()
		}
		return nil
	})

	return g.Wait()
}
