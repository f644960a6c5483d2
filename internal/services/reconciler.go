package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/testflowpro/testflow/internal/jenkins"
	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/models"
)

// Notifier delivers a finished-execution message to one destination.
type Notifier interface {
	Deliver(ctx context.Context, cfg *models.NotificationConfig, title, body string) error
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Executions    *ExecutionService
	Templates     *TemplateService
	Notifications *NotificationService
	CI            CIClient
	Notifier      Notifier
	Events        *EventHub
	Log           *zap.SugaredLogger
	Interval      time.Duration
	SubmitGrace   time.Duration
}

// Reconciler is the single loop that advances executions after creation by
// comparing them with what Jenkins reports.
type Reconciler struct {
	executions    *ExecutionService
	templates     *TemplateService
	notifications *NotificationService
	ci            CIClient
	notifier      Notifier
	events        *EventHub
	log           *zap.SugaredLogger
	now           func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	interval    time.Duration
	submitGrace time.Duration
}

// NewReconciler creates a Reconciler. Zero durations get the defaults.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SubmitGrace <= 0 {
		cfg.SubmitGrace = 30 * time.Second
	}
	return &Reconciler{
		executions:    cfg.Executions,
		templates:     cfg.Templates,
		notifications: cfg.Notifications,
		ci:            cfg.CI,
		notifier:      cfg.Notifier,
		events:        cfg.Events,
		log:           logger.OrNop(cfg.Log).Named("reconciler"),
		now:           time.Now,
		interval:      cfg.Interval,
		submitGrace:   cfg.SubmitGrace,
	}
}

// Start runs the loop in the background until Stop is called. Starting a
// running reconciler is a no-op.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ctx.Err() == nil {
			if !r.runGuarded(ctx) {
				continue
			}
			// Back off before restarting after a panic.
			select {
			case <-ctx.Done():
			case <-time.After(r.interval):
			}
		}
	}()
	r.log.Infow("reconciler started", "interval", r.interval, "submit_grace", r.submitGrace)
}

// Stop cancels the loop and waits for the current cycle to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.cancel = nil
	r.log.Infow("reconciler stopped")
}

// runGuarded runs the loop and reports whether it ended in a panic.
func (r *Reconciler) runGuarded(ctx context.Context) (panicked bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorw("reconciler loop panicked, restarting", "panic", p)
			panicked = true
		}
	}()
	r.Run(ctx)
	return false
}

// Run reconciles immediately and then once per interval. It returns only
// when ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.ReconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs one cycle: queued executions first, then running ones.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	start := r.now()
	queued := r.pass(ctx, models.StatusQueued, r.reconcileQueued)
	running := r.pass(ctx, models.StatusRunning, r.reconcileRunning)
	r.log.Debugw("cycle finished", "queued", queued, "running", running, "took", r.now().Sub(start))
}

func (r *Reconciler) pass(ctx context.Context, status models.ExecutionStatus, fn func(context.Context, *models.Execution) error) int {
	list, err := r.executions.GetExecutionsByStatus(status)
	if err != nil {
		r.log.Errorw("failed to list executions", "status", status, "error", err)
		return 0
	}
	for i := range list {
		if ctx.Err() != nil {
			return i
		}
		r.step(ctx, &list[i], fn)
	}
	return len(list)
}

func (r *Reconciler) step(ctx context.Context, exec *models.Execution, fn func(context.Context, *models.Execution) error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorw("panic while reconciling execution", "execution", exec.ID, "status", exec.Status, "panic", p)
		}
	}()

	err := fn(context.WithoutCancel(ctx), exec)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleExecution):
		r.log.Debugw("execution changed concurrently", "execution", exec.ID, "error", err)
	case errors.Is(err, ErrTransientUnavailable):
		r.log.Warnw("jenkins unavailable, will retry", "execution", exec.ID, "error", err)
	default:
		r.log.Errorw("failed to reconcile execution", "execution", exec.ID, "status", exec.Status, "error", err)
	}
}

func transient(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrTransientUnavailable)
}

func (r *Reconciler) reconcileQueued(ctx context.Context, exec *models.Execution) error {
	if exec.SubmittedAt == nil && exec.QueueReference == "" && r.now().Sub(exec.CreatedAt) < r.submitGrace {
		return nil
	}

	tpl, err := r.templates.GetTemplateByID(exec.TemplateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.log.Warnw("template missing, skipping execution", "execution", exec.ID, "template", exec.TemplateID)
			return nil
		}
		return err
	}

	if exec.QueueReference == "" {
		return r.adoptByTimestamp(ctx, exec, tpl)
	}

	ref := jenkins.QueueReference(exec.QueueReference)
	item, err := r.ci.GetQueueItem(ctx, ref)
	switch {
	case errors.Is(err, jenkins.ErrNotFound):
		return r.adoptByQueueID(ctx, exec, tpl, ref)
	case err != nil:
		return transient(err, "queue item %s", ref)
	}

	switch item.State {
	case jenkins.QueueResolved:
		return r.adopt(exec, item.BuildNumber, time.Time{})
	case jenkins.QueueCancelled:
		if err := exec.MarkAborted(); err != nil {
			return err
		}
		return r.commit(exec, models.StatusQueued)
	default:
		return nil
	}
}

// adoptByQueueID handles a queue item Jenkins has already forgotten. The last
// build only belongs to us if it was started from our exact queue item.
func (r *Reconciler) adoptByQueueID(ctx context.Context, exec *models.Execution, tpl *models.Template, ref jenkins.QueueReference) error {
	want, ok := jenkins.QueueID(ref)
	if !ok {
		r.log.Warnw("forgotten queue reference has no numeric id, execution cannot be matched",
			"execution", exec.ID, "job", tpl.JobName, "queue_reference", ref)
		return nil
	}
	lb, err := r.ci.GetBuildInfo(ctx, tpl.JobName, jenkins.LastBuild)
	if err != nil {
		if errors.Is(err, jenkins.ErrNotFound) {
			return nil
		}
		return transient(err, "last build of %s", tpl.JobName)
	}
	if lb.QueueID <= 0 || lb.QueueID != want {
		return nil
	}
	return r.adopt(exec, lb.Number, lb.StartedAt())
}

// adoptByTimestamp is the fallback when no queue reference was recorded.
// Two triggers of the same job racing here can both claim the same build.
func (r *Reconciler) adoptByTimestamp(ctx context.Context, exec *models.Execution, tpl *models.Template) error {
	lb, err := r.ci.GetBuildInfo(ctx, tpl.JobName, jenkins.LastBuild)
	if err != nil {
		if errors.Is(err, jenkins.ErrNotFound) {
			return nil
		}
		return transient(err, "last build of %s", tpl.JobName)
	}
	if !lb.StartedAt().After(exec.CreatedAt) {
		return nil
	}
	return r.adopt(exec, lb.Number, lb.StartedAt())
}

func (r *Reconciler) adopt(exec *models.Execution, buildNumber int, startedAt time.Time) error {
	if err := exec.MarkRunning(buildNumber, startedAt); err != nil {
		return err
	}
	if err := r.commit(exec, models.StatusQueued); err != nil {
		return err
	}
	r.log.Infow("execution matched to build", "execution", exec.ID, "build", buildNumber)
	return nil
}

func (r *Reconciler) reconcileRunning(ctx context.Context, exec *models.Execution) error {
	if exec.BuildNumber == nil {
		return errors.Newf("running execution %s has no build number", exec.ID)
	}

	tpl, err := r.templates.GetTemplateByID(exec.TemplateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.log.Warnw("template missing, skipping execution", "execution", exec.ID, "template", exec.TemplateID)
			return nil
		}
		return err
	}

	n := *exec.BuildNumber
	info, err := r.ci.GetBuildInfo(ctx, tpl.JobName, jenkins.Build(n))
	if err != nil {
		return transient(err, "build %s #%d", tpl.JobName, n)
	}
	if info.Building {
		return nil
	}

	err = exec.Finish(models.BuildOutcome{
		StartedAt: info.StartedAt(),
		Stats:     info.Stats,
		Result:    info.Result,
		ReportURL: r.ci.ReportURL(tpl.JobName, n),
		Duration:  info.Duration,
	})
	if err != nil {
		return err
	}
	if err := r.commit(exec, models.StatusRunning); err != nil {
		return err
	}
	r.log.Infow("execution finished",
		"execution", exec.ID, "job", tpl.JobName, "build", n, "status", exec.Status, "duration_ms", info.Duration)

	if exec.ShouldNotify {
		r.notify(ctx, exec, tpl)
	}
	return nil
}

func (r *Reconciler) commit(exec *models.Execution, from models.ExecutionStatus) error {
	if err := r.executions.Commit(exec, from); err != nil {
		return err
	}
	r.events.Publish(ExecutionEvent{At: r.now(), Execution: *exec, Previous: from})
	return nil
}

// FinishedMessage renders the notification for a terminal execution.
func FinishedMessage(tpl *models.Template, exec *models.Execution) (title, body string) {
	build := 0
	if exec.BuildNumber != nil {
		build = *exec.BuildNumber
	}
	var duration int64
	if exec.Duration != nil {
		duration = *exec.Duration
	}
	title = fmt.Sprintf("Task Finished: %s (#%d)", tpl.Name, build)
	body = fmt.Sprintf("Status: %s\nDuration: %dms\nReport: %s", exec.Status, duration, exec.ReportURL)
	return title, body
}

func (r *Reconciler) notify(ctx context.Context, exec *models.Execution, tpl *models.Template) {
	if r.notifier == nil || r.notifications == nil {
		return
	}
	title, body := FinishedMessage(tpl, exec)
	for _, id := range tpl.NotificationIDs {
		cfg, err := r.notifications.GetNotificationByID(id)
		if err != nil {
			r.log.Warnw("notification config unavailable", "execution", exec.ID, "notification", id, "error", err)
			continue
		}
		if err := r.notifier.Deliver(ctx, cfg, title, body); err != nil {
			r.log.Warnw("notification failed", "execution", exec.ID, "notification", id, "kind", cfg.Kind, "error", err)
			continue
		}
		r.log.Infow("notification sent", "execution", exec.ID, "notification", id, "kind", cfg.Kind)
	}
}
