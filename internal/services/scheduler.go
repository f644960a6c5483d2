package services

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/models"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a standard five field expression or a descriptor such as @daily.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse cron %q", expr), ErrMalformedSchedule)
	}
	return sched, nil
}

// NextFireTimes returns the next n fire times of expr after from.
func NextFireTimes(expr string, n int, from time.Time) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// cronLogger routes robfig/cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler owns the in-memory timetable of cron entries, one per active schedule.
type Scheduler struct {
	cron      *cron.Cron
	templates *TemplateService
	schedules *ScheduleService
	launcher  *Launcher
	log       *zap.SugaredLogger
	entries   map[string]cron.EntryID
	loc       *time.Location
	now       func() time.Time
	mu        sync.Mutex
}

// NewScheduler creates a Scheduler firing in loc. A nil loc means local time.
func NewScheduler(templates *TemplateService, schedules *ScheduleService, launcher *Launcher, loc *time.Location, log *zap.SugaredLogger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	log = logger.OrNop(log).Named("scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(cronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		templates: templates,
		schedules: schedules,
		launcher:  launcher,
		log:       log,
		entries:   make(map[string]cron.EntryID),
		loc:       loc,
		now:       time.Now,
	}
}

// Upsert replaces the entry for sc. Inactive or malformed schedules end up
// with no entry; that is logged, not returned.
func (s *Scheduler) Upsert(sc *models.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(sc.ID)
	if !sc.IsActive {
		s.log.Debugw("schedule inactive, not installed", "schedule", sc.ID)
		return
	}

	sched, err := ParseCron(sc.CronExpression)
	if err != nil {
		s.log.Warnw("schedule not installed", "schedule", sc.ID, "cron", sc.CronExpression, "error", err)
		return
	}

	templateID, env := sc.TemplateID, sc.TargetEnv
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.ExecuteScheduled(context.Background(), templateID, env)
	}))
	s.entries[sc.ID] = id
	s.log.Infow("schedule installed", "schedule", sc.ID, "cron", sc.CronExpression, "template", templateID, "env", env)
}

// Remove uninstalls the entry for scheduleID if there is one.
func (s *Scheduler) Remove(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(scheduleID)
}

func (s *Scheduler) removeLocked(scheduleID string) {
	if id, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(id)
		delete(s.entries, scheduleID)
	}
}

// Has reports whether scheduleID has an installed entry.
func (s *Scheduler) Has(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[scheduleID]
	return ok
}

// Len returns the number of installed entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Next returns the next fire time of an installed schedule.
func (s *Scheduler) Next(scheduleID string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[scheduleID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// PreviewNext lists the next n fire times of expr from now. n <= 0 means 5.
// A malformed expression yields an empty slice.
func (s *Scheduler) PreviewNext(expr string, n int) []time.Time {
	if n <= 0 {
		n = 5
	}
	times, err := NextFireTimes(expr, n, s.now().In(s.loc))
	if err != nil {
		return []time.Time{}
	}
	return times
}

// ExecuteScheduled launches one scheduled run of templateID against env.
func (s *Scheduler) ExecuteScheduled(ctx context.Context, templateID, env string) {
	tpl, err := s.templates.GetTemplateByID(templateID)
	if err != nil {
		s.log.Warnw("scheduled template unavailable", "template", templateID, "error", err)
		return
	}
	if env == "" {
		env = tpl.DefaultEnv
	}

	exec, err := s.launcher.Launch(ctx, tpl, LaunchSpec{
		Env:          env,
		TriggeredBy:  "scheduler",
		TriggerKind:  models.TriggerSchedule,
		ShouldNotify: tpl.AutoNotify,
	})
	if err != nil {
		s.log.Errorw("scheduled run failed", "template", templateID, "env", env, "error", err)
		return
	}
	s.log.Infow("scheduled run submitted", "template", templateID, "env", env, "execution", exec.ID)
}

// Sync installs every active persisted schedule.
func (s *Scheduler) Sync() error {
	list, err := s.schedules.GetActiveSchedules()
	if err != nil {
		return err
	}
	for i := range list {
		s.Upsert(&list[i])
	}
	s.log.Infow("timetable loaded", "schedules", len(list), "installed", s.Len())
	return nil
}

// Start begins firing entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the timetable and waits for running fires to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
