package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/jenkins"
	"github.com/testflowpro/testflow/internal/models"
)

type submitCall struct {
	job    string
	params map[string]string
}

// fakeCI is an in-memory Jenkins. Queue items and builds are keyed by
// reference and by "job/selector".
type fakeCI struct {
	mu        sync.Mutex
	submitRef jenkins.QueueReference
	submitErr error
	submits   []submitCall
	queue     map[jenkins.QueueReference]jenkins.QueueItem
	queueErr  error
	builds    map[string]jenkins.BuildInfo
	buildErr  error
	buildHits map[string]int
	panicOn   string
}

func newFakeCI() *fakeCI {
	return &fakeCI{
		queue:     make(map[jenkins.QueueReference]jenkins.QueueItem),
		builds:    make(map[string]jenkins.BuildInfo),
		buildHits: make(map[string]int),
	}
}

func buildKey(job string, sel jenkins.BuildSelector) string {
	return job + "/" + sel.String()
}

func (f *fakeCI) Submit(_ context.Context, job string, params map[string]string) (jenkins.QueueReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, submitCall{job: job, params: params})
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitRef, nil
}

func (f *fakeCI) GetQueueItem(_ context.Context, ref jenkins.QueueReference) (jenkins.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return jenkins.QueueItem{}, f.queueErr
	}
	item, ok := f.queue[ref]
	if !ok {
		return jenkins.QueueItem{}, jenkins.ErrNotFound
	}
	return item, nil
}

func (f *fakeCI) GetBuildInfo(_ context.Context, job string, sel jenkins.BuildSelector) (jenkins.BuildInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := buildKey(job, sel)
	f.buildHits[key]++
	if job == f.panicOn {
		panic("boom")
	}
	if f.buildErr != nil {
		return jenkins.BuildInfo{}, f.buildErr
	}
	info, ok := f.builds[key]
	if !ok {
		return jenkins.BuildInfo{}, jenkins.ErrNotFound
	}
	return info, nil
}

func (f *fakeCI) ReportURL(job string, n int) string {
	return "http://jenkins.test/job/" + job + "/" + jenkins.Build(n).String() + "/allure/"
}

func (f *fakeCI) setBuild(job string, sel jenkins.BuildSelector, info jenkins.BuildInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[buildKey(job, sel)] = info
}

func (f *fakeCI) setQueue(ref jenkins.QueueReference, item jenkins.QueueItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[ref] = item
}

func (f *fakeCI) submitted() []submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitCall(nil), f.submits...)
}

type delivery struct {
	configID string
	title    string
	body     string
}

type fakeNotifier struct {
	mu         sync.Mutex
	deliveries []delivery
	failFor    map[string]error
}

func (n *fakeNotifier) Deliver(_ context.Context, cfg *models.NotificationConfig, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, delivery{configID: cfg.ID, title: title, body: body})
	return n.failFor[cfg.ID]
}

func (n *fakeNotifier) sent() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.deliveries...)
}

// testEnv is a fully wired lifecycle over an in-memory database.
type testEnv struct {
	db            *database.DB
	templates     *TemplateService
	schedules     *ScheduleService
	executions    *ExecutionService
	notifications *NotificationService
	events        *EventHub
	ci            *fakeCI
	notifier      *fakeNotifier
	launcher      *Launcher
	trigger       *TriggerService
	reconciler    *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		db:            db,
		templates:     NewTemplateService(db),
		executions:    NewExecutionService(db),
		notifications: NewNotificationService(db, nil),
		events:        NewEventHub(),
		ci:            newFakeCI(),
		notifier:      &fakeNotifier{},
	}
	env.schedules = NewScheduleService(db, env.templates, nil)
	env.launcher = NewLauncher(env.executions, env.ci, env.events, nil)
	env.trigger = NewTriggerService(env.templates, env.launcher, nil)
	env.reconciler = NewReconciler(ReconcilerConfig{
		Executions:    env.executions,
		Templates:     env.templates,
		Notifications: env.notifications,
		CI:            env.ci,
		Notifier:      env.notifier,
		Events:        env.events,
		Interval:      10 * time.Millisecond,
	})
	return env
}

func (e *testEnv) createTemplate(t *testing.T, name string, notificationIDs ...string) *models.Template {
	t.Helper()
	tpl, err := e.templates.CreateTemplate(&models.CreateTemplateRequest{
		Name:            name,
		JobName:         name + "-job",
		DefaultEnv:      "staging",
		AvailableEnvs:   []string{"staging", "prod"},
		Params:          map[string]string{"suite": "smoke"},
		NotificationIDs: notificationIDs,
		AutoNotify:      len(notificationIDs) > 0,
	})
	require.NoError(t, err)
	return tpl
}

func (e *testEnv) createWebhook(t *testing.T, name string) *models.NotificationConfig {
	t.Helper()
	cfg, err := e.notifications.CreateNotification(&models.NotificationConfigRequest{
		Name:       name,
		Kind:       models.ChannelFeishu,
		WebhookURL: "https://open.feishu.test/hook/" + name,
	})
	require.NoError(t, err)
	return cfg
}

func (e *testEnv) reload(t *testing.T, id string) *models.Execution {
	t.Helper()
	exec, err := e.executions.GetExecutionByID(id)
	require.NoError(t, err)
	return exec
}

func ptr[T any](v T) *T { return &v }
