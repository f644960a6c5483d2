package services

import (
	"context"
	"maps"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/testflowpro/testflow/internal/jenkins"
	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/models"
)

// CIClient is the part of the Jenkins client the lifecycle depends on.
type CIClient interface {
	Submit(ctx context.Context, jobName string, params map[string]string) (jenkins.QueueReference, error)
	GetQueueItem(ctx context.Context, ref jenkins.QueueReference) (jenkins.QueueItem, error)
	GetBuildInfo(ctx context.Context, jobName string, build jenkins.BuildSelector) (jenkins.BuildInfo, error)
	ReportURL(jobName string, n int) string
}

// LaunchSpec is the resolved intent of one launch.
type LaunchSpec struct {
	Env          string
	TriggeredBy  string
	TriggerKind  models.TriggerKind
	ShouldNotify bool
}

// Launcher creates an execution and submits it. It is shared by the manual
// trigger path and scheduled fires.
type Launcher struct {
	executions *ExecutionService
	ci         CIClient
	events     *EventHub
	log        *zap.SugaredLogger
	now        func() time.Time
}

// NewLauncher creates a Launcher. events may be nil.
func NewLauncher(executions *ExecutionService, ci CIClient, events *EventHub, log *zap.SugaredLogger) *Launcher {
	return &Launcher{
		executions: executions,
		ci:         ci,
		events:     events,
		log:        logger.OrNop(log).Named("launch"),
		now:        time.Now,
	}
}

// Launch persists a QUEUED execution of tpl and submits it. The execution
// always exists afterwards: on a rejected submission it is returned marked
// FAILURE together with an ErrSubmissionFailed error.
func (l *Launcher) Launch(ctx context.Context, tpl *models.Template, spec LaunchSpec) (*models.Execution, error) {
	exec, err := l.executions.CreateExecution(NewExecution{
		TemplateID:   tpl.ID,
		Env:          spec.Env,
		TriggeredBy:  spec.TriggeredBy,
		TriggerKind:  spec.TriggerKind,
		ShouldNotify: spec.ShouldNotify,
	})
	if err != nil {
		return nil, err
	}
	l.events.Publish(ExecutionEvent{Execution: *exec})

	params := make(map[string]string, len(tpl.Params)+1)
	maps.Copy(params, tpl.Params)
	if spec.Env != "" {
		params["env"] = spec.Env
	}

	ref, submitErr := l.ci.Submit(ctx, tpl.JobName, params)
	if submitErr != nil {
		if err := exec.MarkSubmissionFailed(); err != nil {
			return exec, err
		}
		if err := l.executions.Commit(exec, models.StatusQueued); err != nil {
			l.log.Errorw("failed to record submission failure", "execution", exec.ID, "error", err)
		} else {
			l.events.Publish(ExecutionEvent{Execution: *exec, Previous: models.StatusQueued})
		}
		l.log.Warnw("submission failed",
			"execution", exec.ID, "template", tpl.Name, "job", tpl.JobName, "kind", spec.TriggerKind, "error", submitErr)
		return exec, errors.Mark(errors.Wrapf(submitErr, "submit %s", tpl.JobName), ErrSubmissionFailed)
	}

	submitted := l.now().UTC()
	exec.QueueReference = string(ref)
	exec.SubmittedAt = &submitted
	if err := l.executions.Commit(exec, models.StatusQueued); err != nil {
		// The build was accepted, so the reconciler can still find it.
		l.log.Errorw("failed to record queue reference", "execution", exec.ID, "queue_reference", ref, "error", err)
		if fresh, getErr := l.executions.GetExecutionByID(exec.ID); getErr == nil {
			exec = fresh
		}
		return exec, nil
	}

	l.log.Infow("execution submitted",
		"execution", exec.ID, "template", tpl.Name, "job", tpl.JobName, "env", spec.Env,
		"kind", spec.TriggerKind, "queue_reference", ref)
	return exec, nil
}
