package services

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testflowpro/testflow/internal/jenkins"
	"github.com/testflowpro/testflow/internal/models"
)

func TestTrigger_Submitted(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.createTemplate(t, "checkout")
	env.ci.submitRef = "42"

	events := env.events.SubscribeAll()
	defer env.events.Unsubscribe("", events)

	exec, err := env.trigger.Trigger(context.Background(), TriggerRequest{TemplateID: tpl.ID})
	require.NoError(t, err)

	assert.Equal(t, models.StatusQueued, exec.Status)
	assert.Equal(t, "42", exec.QueueReference)
	assert.NotNil(t, exec.SubmittedAt)
	assert.Equal(t, "staging", exec.Env)
	assert.Equal(t, models.TriggerManual, exec.TriggerKind)
	assert.Equal(t, "api", exec.TriggeredBy)
	assert.False(t, exec.ShouldNotify)

	calls := env.ci.submitted()
	require.Len(t, calls, 1)
	assert.Equal(t, "checkout-job", calls[0].job)
	assert.Equal(t, map[string]string{"suite": "smoke", "env": "staging"}, calls[0].params)
	assert.Equal(t, map[string]string{"suite": "smoke"}, tpl.Params, "template params are not mutated")

	stored := env.reload(t, exec.ID)
	assert.Equal(t, "42", stored.QueueReference)
	assert.NotNil(t, stored.SubmittedAt)

	reloaded, err := env.templates.GetTemplateByID(tpl.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloaded.LastUsed)

	ev := <-events
	assert.Equal(t, exec.ID, ev.Execution.ID)
	assert.Equal(t, models.StatusQueued, ev.Execution.Status)
}

func TestTrigger_Overrides(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.createTemplate(t, "checkout")

	exec, err := env.trigger.Trigger(context.Background(), TriggerRequest{
		TemplateID:  tpl.ID,
		Env:         ptr("prod"),
		Notify:      ptr(true),
		TriggeredBy: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, "prod", exec.Env)
	assert.True(t, exec.ShouldNotify)
	assert.Equal(t, "alice", exec.TriggeredBy)
	assert.Equal(t, "prod", env.ci.submitted()[0].params["env"])
	assert.Empty(t, exec.QueueReference, "an empty Location is recorded as no reference")
	assert.NotNil(t, exec.SubmittedAt)
}

func TestTrigger_SubmissionFailed(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.createTemplate(t, "checkout")
	env.ci.submitErr = errors.Wrap(jenkins.ErrSubmissionFailed, "status 500")

	exec, err := env.trigger.Trigger(context.Background(), TriggerRequest{TemplateID: tpl.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubmissionFailed))
	assert.True(t, errors.Is(err, jenkins.ErrSubmissionFailed))

	require.NotNil(t, exec, "the execution exists even when Jenkins refused it")
	assert.Equal(t, models.StatusFailure, exec.Status)
	require.NotNil(t, exec.Duration)
	assert.Equal(t, int64(0), *exec.Duration)

	stored := env.reload(t, exec.ID)
	assert.Equal(t, models.StatusFailure, stored.Status)
	assert.Equal(t, int64(0), *stored.Duration)
	assert.Nil(t, stored.BuildNumber)
}

func TestTrigger_TemplateNotFound(t *testing.T) {
	env := newTestEnv(t)

	exec, err := env.trigger.Trigger(context.Background(), TriggerRequest{TemplateID: "missing"})
	assert.Nil(t, exec)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, env.ci.submitted())

	recent, err := env.executions.GetRecentExecutions(0)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
