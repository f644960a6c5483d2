package services

import (
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/models"
)

func TestTemplateService_CRUD(t *testing.T) {
	env := newTestEnv(t)
	svc := env.templates

	tpl, err := svc.CreateTemplate(&models.CreateTemplateRequest{
		Name:       " smoke ",
		JobName:    "/folder/smoke/",
		DefaultEnv: "qa",
	})
	require.NoError(t, err)
	assert.Equal(t, "smoke", tpl.Name)
	assert.Equal(t, "folder/smoke", tpl.JobName)
	assert.NotNil(t, tpl.Params)
	assert.NotNil(t, tpl.AvailableEnvs)
	assert.NotNil(t, tpl.NotificationIDs)
	assert.Nil(t, tpl.LastUsed)

	_, err = svc.CreateTemplate(&models.CreateTemplateRequest{Name: "smoke", JobName: "x", DefaultEnv: "qa"})
	assert.True(t, errors.Is(err, ErrTemplateExists))
	assert.True(t, errors.Is(err, ErrConflict))

	updated, err := svc.UpdateTemplate(tpl.ID, &models.UpdateTemplateRequest{
		AvailableEnvs: []string{"qa", "prod"},
		Params:        map[string]string{"browser": "chrome"},
		AutoNotify:    ptr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"qa", "prod"}, updated.AvailableEnvs)
	assert.Equal(t, "chrome", updated.Params["browser"])
	assert.True(t, updated.AutoNotify)
	assert.Equal(t, "smoke", updated.Name)

	_, err = svc.UpdateTemplate(tpl.ID, &models.UpdateTemplateRequest{DefaultEnv: ptr("dev")})
	assert.True(t, errors.Is(err, ErrInvalidInput), "default env must be one of the available envs")

	_, err = svc.UpdateTemplate("missing", &models.UpdateTemplateRequest{})
	assert.True(t, errors.Is(err, ErrTemplateNotFound))

	require.NoError(t, svc.TouchLastUsed(tpl.ID))
	touched, err := svc.GetTemplateByID(tpl.ID)
	require.NoError(t, err)
	assert.NotNil(t, touched.LastUsed)

	_, err = svc.CreateTemplate(&models.CreateTemplateRequest{Name: "alpha", JobName: "a", DefaultEnv: "qa"})
	require.NoError(t, err)
	all, err := svc.GetAllTemplates(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)

	page, err := svc.GetAllTemplates(1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "smoke", page[0].Name)

	require.NoError(t, svc.DeleteTemplate(tpl.ID))
	assert.True(t, errors.Is(svc.DeleteTemplate(tpl.ID), ErrTemplateNotFound))
}

func TestTemplateService_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  models.CreateTemplateRequest
	}{
		{"missing name", models.CreateTemplateRequest{JobName: "j", DefaultEnv: "qa"}},
		{"missing job", models.CreateTemplateRequest{Name: "n", DefaultEnv: "qa"}},
		{"missing env", models.CreateTemplateRequest{Name: "n", JobName: "j"}},
		{"env not offered", models.CreateTemplateRequest{Name: "n", JobName: "j", DefaultEnv: "qa", AvailableEnvs: []string{"prod"}}},
		{"job traversal", models.CreateTemplateRequest{Name: "n", JobName: "team/../admin", DefaultEnv: "qa"}},
		{"env with space", models.CreateTemplateRequest{Name: "n", JobName: "j", DefaultEnv: "q a"}},
		{"bad param key", models.CreateTemplateRequest{Name: "n", JobName: "j", DefaultEnv: "qa", Params: map[string]string{"1x": "v"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.templates.CreateTemplate(&tt.req)
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}
}

func TestScheduleService_Validation(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.createTemplate(t, "nightly")

	_, err := env.schedules.CreateSchedule(&models.CreateScheduleRequest{TemplateID: "missing", CronExpression: "@daily"})
	assert.True(t, errors.Is(err, ErrTemplateNotFound))

	_, err = env.schedules.CreateSchedule(&models.CreateScheduleRequest{TemplateID: tpl.ID, CronExpression: "  "})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	sc, err := env.schedules.CreateSchedule(&models.CreateScheduleRequest{TemplateID: tpl.ID, CronExpression: "@daily"})
	require.NoError(t, err)
	assert.Equal(t, "staging", sc.TargetEnv, "target env defaults to the template's")

	byTemplate, err := env.schedules.GetSchedulesByTemplate(tpl.ID)
	require.NoError(t, err)
	assert.Len(t, byTemplate, 1)

	_, err = env.schedules.ToggleSchedule("missing")
	assert.True(t, errors.Is(err, ErrScheduleNotFound))
	assert.True(t, errors.Is(env.schedules.DeleteSchedule("missing"), ErrScheduleNotFound))
}

func TestExecutionService_CommitIsConditional(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.createTemplate(t, "checkout")

	exec, err := env.executions.CreateExecution(NewExecution{TemplateID: tpl.ID, Env: "qa", TriggerKind: models.TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, exec.Status)
	assert.False(t, exec.StartTime.IsZero())

	a := *exec
	b := *exec
	require.NoError(t, a.MarkRunning(3, exec.CreatedAt))
	require.NoError(t, env.executions.Commit(&a, models.StatusQueued))

	require.NoError(t, b.MarkAborted())
	err = env.executions.Commit(&b, models.StatusQueued)
	assert.True(t, errors.Is(err, ErrStaleExecution))

	got := env.reload(t, exec.ID)
	assert.Equal(t, models.StatusRunning, got.Status, "the losing writer does not overwrite")
	assert.Equal(t, 3, *got.BuildNumber)

	ghost := models.Execution{ID: "ghost", Status: models.StatusAborted}
	assert.True(t, errors.Is(env.executions.Commit(&ghost, models.StatusQueued), ErrExecutionNotFound))
}

func TestExecutionService_Listings(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.createTemplate(t, "checkout")

	var ids []string
	for range 3 {
		exec, err := env.executions.CreateExecution(NewExecution{TemplateID: tpl.ID, TriggerKind: models.TriggerManual})
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}
	done := env.reload(t, ids[0])
	require.NoError(t, done.MarkSubmissionFailed())
	require.NoError(t, env.executions.Commit(done, models.StatusQueued))

	active, err := env.executions.GetActiveExecutions()
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, "checkout", active[0].TemplateName)
	assert.Equal(t, "checkout-job", active[0].JobName)

	recent, err := env.executions.GetRecentExecutions(2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	queued, err := env.executions.GetExecutionsByStatus(models.StatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	one, err := env.executions.GetExecutionWithTemplate(ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[1], one.ID)

	_, err = env.executions.GetExecutionWithTemplate("missing")
	assert.True(t, errors.Is(err, ErrExecutionNotFound))

	require.NoError(t, env.templates.DeleteTemplate(tpl.ID))
	orphan, err := env.executions.GetExecutionWithTemplate(ids[1])
	require.NoError(t, err, "history survives template deletion")
	assert.Empty(t, orphan.TemplateName)
}

func TestExecutionService_CommitDatabaseError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	svc := NewExecutionService(&database.DB{DB: sqlDB})

	mock.ExpectExec("UPDATE executions SET").WillReturnError(errors.New("disk I/O error"))

	exec := &models.Execution{ID: "e1", Status: models.StatusAborted}
	err = svc.Commit(exec, models.StatusQueued)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit execution e1")
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.False(t, errors.Is(err, ErrStaleExecution))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionService_ListDatabaseError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	svc := NewExecutionService(&database.DB{DB: sqlDB})

	mock.ExpectQuery("FROM executions e WHERE e.status").WillReturnError(errors.New("database is locked"))

	_, err = svc.GetExecutionsByStatus(models.StatusQueued)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list executions")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationService_SealsSecrets(t *testing.T) {
	env := newTestEnv(t)
	crypto, err := NewCryptoService([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	svc := NewNotificationService(env.db, crypto)

	cfg, err := svc.CreateNotification(&models.NotificationConfigRequest{
		Name: "ops mail",
		Kind: models.ChannelEmail,
		SMTP: &models.SMTPConfig{Host: "smtp.test", Port: 587, Username: "bot", Password: "hunter2", To: []string{"ops@test"}},
	})
	require.NoError(t, err)
	assert.True(t, cfg.IsActive)
	assert.Equal(t, "hunter2", cfg.SMTP.Password)

	var rawSMTP string
	require.NoError(t, env.db.QueryRow(`SELECT smtp FROM notification_configs WHERE id = ?`, cfg.ID).Scan(&rawSMTP))
	assert.NotContains(t, rawSMTP, "hunter2")
	assert.Contains(t, rawSMTP, sealedPrefix)

	bot, err := svc.CreateNotification(&models.NotificationConfigRequest{
		Name: "bot", Kind: models.ChannelFeishu, WebhookURL: "https://hook.test/x", Secret: "s3cret",
	})
	require.NoError(t, err)
	var rawSecret string
	require.NoError(t, env.db.QueryRow(`SELECT secret FROM notification_configs WHERE id = ?`, bot.ID).Scan(&rawSecret))
	assert.True(t, strings.HasPrefix(rawSecret, sealedPrefix))

	updated, err := svc.UpdateNotification(bot.ID, &models.NotificationConfigRequest{
		Name: "bot renamed", Kind: models.ChannelFeishu, WebhookURL: "https://hook.test/y", IsActive: ptr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", updated.Secret, "an empty secret keeps the stored one")
	assert.False(t, updated.IsActive)

	redacted := Redacted(*cfg)
	assert.Equal(t, "******", redacted.SMTP.Password)
	assert.Equal(t, "hunter2", cfg.SMTP.Password, "redaction copies")

	plain := NewNotificationService(env.db, nil)
	_, err = plain.GetNotificationByID(bot.ID)
	assert.Error(t, err, "sealed values cannot be read without the key")
}

func TestNotificationService_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  models.NotificationConfigRequest
	}{
		{"no name", models.NotificationConfigRequest{Kind: models.ChannelFeishu, WebhookURL: "https://x"}},
		{"bad kind", models.NotificationConfigRequest{Name: "n", Kind: "SLACK", WebhookURL: "https://x"}},
		{"bad url", models.NotificationConfigRequest{Name: "n", Kind: models.ChannelDingTalk, WebhookURL: "ftp://x"}},
		{"no smtp", models.NotificationConfigRequest{Name: "n", Kind: models.ChannelEmail}},
		{"no recipients", models.NotificationConfigRequest{Name: "n", Kind: models.ChannelEmail, SMTP: &models.SMTPConfig{Host: "h"}}},
		{"injected sender", models.NotificationConfigRequest{Name: "n", Kind: models.ChannelEmail, SMTP: &models.SMTPConfig{Host: "h", From: "bot@test\r\nBcc: x@evil", To: []string{"ops@test"}}}},
		{"bad recipient", models.NotificationConfigRequest{Name: "n", Kind: models.ChannelEmail, SMTP: &models.SMTPConfig{Host: "h", To: []string{"nobody"}}}},
		{"hostless url", models.NotificationConfigRequest{Name: "n", Kind: models.ChannelFeishu, WebhookURL: "https://"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.notifications.CreateNotification(&tt.req)
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}

	assert.True(t, errors.Is(env.notifications.DeleteNotification("missing"), ErrNotificationNotFound))
}

func TestCryptoService(t *testing.T) {
	none, err := NewCryptoService(nil)
	require.NoError(t, err)
	assert.False(t, none.Enabled())
	v, err := none.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	_, err = NewCryptoService([]byte("short"))
	assert.Error(t, err)

	c, err := NewCryptoService([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)
	sealed, err := c.Encrypt("token")
	require.NoError(t, err)
	again, err := c.Encrypt("token")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces are random")

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "token", opened)

	legacy, err := c.Decrypt("stored before a key existed")
	require.NoError(t, err)
	assert.Equal(t, "stored before a key existed", legacy)

	other, err := NewCryptoService([]byte(strings.Repeat("y", 32)))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
}

func TestSystemConfigService(t *testing.T) {
	env := newTestEnv(t)
	svc := NewSystemConfigService(env.db)

	for _, name := range []string{"staging", "prod"} {
		_, err := svc.CreateConfig(&models.CreateSystemConfigRequest{TypeName: "env", Name: name, Value: name})
		require.NoError(t, err)
	}
	browser, err := svc.CreateConfig(&models.CreateSystemConfigRequest{TypeName: "browser", Name: "chrome", Value: "120"})
	require.NoError(t, err)

	_, err = svc.CreateConfig(&models.CreateSystemConfigRequest{TypeName: " ", Name: "x"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	grouped, err := svc.GetGroupedConfigs()
	require.NoError(t, err)
	assert.Len(t, grouped["env"], 2)
	assert.Equal(t, "staging", grouped["env"][0].Name)
	assert.Len(t, grouped["browser"], 1)

	require.NoError(t, svc.DeleteConfig(browser.ID))
	assert.True(t, errors.Is(svc.DeleteConfig(browser.ID), ErrNotFound))
}

func TestAuditService(t *testing.T) {
	env := newTestEnv(t)
	svc := NewAuditService(env.db, nil)

	svc.Log(AuditLog{Action: "create", ResourceType: "template", ResourceID: "t1", IPAddress: "10.0.0.1"})
	svc.Log(AuditLog{Action: "trigger", ResourceType: "execution", ResourceID: "e1", Details: map[string]any{"env": "prod"}})

	logs, err := svc.GetLogs(10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "trigger", logs[0].Action)
	assert.JSONEq(t, `{"env":"prod"}`, logs[0].Details)
	assert.Equal(t, "10.0.0.1", logs[1].IPAddress)
}

func TestEventHub(t *testing.T) {
	hub := NewEventHub()
	one := hub.Subscribe("e1")
	all := hub.SubscribeAll()
	assert.Equal(t, 2, hub.Subscribers())

	hub.Publish(ExecutionEvent{Execution: models.Execution{ID: "e1", Status: models.StatusSuccess}})
	hub.Publish(ExecutionEvent{Execution: models.Execution{ID: "e2", Status: models.StatusQueued}})

	ev := <-one
	assert.True(t, ev.Terminal())
	assert.False(t, ev.At.IsZero())
	assert.Len(t, one, 0, "other executions are not delivered")
	assert.Len(t, all, 2)

	hub.Unsubscribe("e1", one)
	hub.Unsubscribe("", all)
	assert.Zero(t, hub.Subscribers())
	_, open := <-one
	assert.False(t, open)

	for range 100 {
		hub.Publish(ExecutionEvent{Execution: models.Execution{ID: "e3"}})
	}

	var nilHub *EventHub
	assert.NotPanics(t, func() { nilHub.Publish(ExecutionEvent{}) })
}
