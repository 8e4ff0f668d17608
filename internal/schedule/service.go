// Package schedule fires ScheduledSends when they come due.
//
// A cron trigger polls the store; each due row is claimed with a conditional
// pending → executing update so concurrent polls never run it twice.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	logx "dispatchd/pkg/logx"
)

func New(d Deps, cfg Config) *Service {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		store:  d.Store,
		enq:    d.Enqueuer,
		dir:    d.Directory,
		tpl:    d.Templates,
		bus:    d.Bus,
		log:    d.Log.With(logx.String("comp", "schedule")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
	s.loc = loadLocation(s.cfg.Timezone)
	return s
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// Location is the default zone for fire times given without one.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// cronLog routes cron's own messages into our logger.
type cronLog struct{ log logx.Logger }

func (l cronLog) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLog) Error(err error, msg string, kv ...interface{}) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

// Start fails rows left executing by a previous process and starts polling.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	if _, err := s.parser.Parse(s.cfg.Poll); err != nil {
		return fmt.Errorf("parse poll spec %q: %w", s.cfg.Poll, err)
	}
	if n, err := s.failInterrupted(ctx); err != nil {
		s.log.Warn("reconcile executing schedules failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("interrupted schedules marked failed", logx.Int("count", n))
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	logger := cronLog{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	pollCtx := s.ctx
	if _, err := s.c.AddFunc(s.cfg.Poll, func() {
		if _, err := s.Poll(pollCtx); err != nil && pollCtx.Err() == nil {
			s.log.Warn("poll failed", logx.Err(err))
		}
	}); err != nil {
		s.c, s.cancel = nil, nil
		return err
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("poll", s.cfg.Poll), logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts polling and waits for a running poll, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		cancel()
		<-stopped.Done()
	}
	cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) failInterrupted(ctx context.Context) (int, error) {
	stuck, err := s.store.ListSchedules(ctx, model.ScheduleExecuting, 1000)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sc := range stuck {
		if err := s.store.FinishSchedule(ctx, sc.ID, model.ScheduleFailed, sc.MessageID, "", "interrupted by restart"); err == nil {
			n++
		}
	}
	return n, nil
}

// Poll claims and executes every due row. A lost claim is skipped; a failing
// row does not stop the rest.
func (s *Service) Poll(ctx context.Context) (PollReport, error) {
	var rep PollReport
	due, err := s.store.ListDueSchedules(ctx, s.now())
	if err != nil {
		return rep, fmt.Errorf("list due: %w", err)
	}
	rep.Due = len(due)
	for _, sc := range due {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		ok, err := s.store.SetScheduleStatus(ctx, sc.ID, model.ScheduleExecuting, model.SchedulePending)
		if err != nil {
			s.log.Warn("claim failed", logx.String("schedule", sc.ID), logx.Err(err))
			continue
		}
		if !ok {
			s.log.Debug("claim lost", logx.String("schedule", sc.ID))
			continue
		}
		rep.Claimed++
		if s.execute(ctx, sc) {
			rep.Executed++
		} else {
			rep.Failed++
		}
	}
	return rep, nil
}

// execute runs one claimed row and reports whether it enqueued a Message.
func (s *Service) execute(ctx context.Context, sc model.ScheduledSend) bool {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	log := s.log.With(logx.String("schedule", sc.ID), logx.String("title", sc.Title))

	content, err := s.content(rctx, sc)
	if err != nil {
		s.fail(ctx, sc, err, log)
		return false
	}
	dests, err := s.targets(rctx, sc.Selector)
	if err != nil {
		s.fail(ctx, sc, err, log)
		return false
	}
	if len(dests) == 0 {
		s.fail(ctx, sc, ErrNoTargets, log)
		return false
	}
	msgID, err := s.enq.Enqueue(rctx, content, dests)
	if err != nil {
		s.fail(ctx, sc, fmt.Errorf("enqueue: %w", err), log)
		return false
	}

	result := fmt.Sprintf("enqueued to %d destinations", len(dests))
	if err := s.store.FinishSchedule(ctx, sc.ID, model.ScheduleCompleted, msgID, result, ""); err != nil {
		log.Warn("record completion failed", logx.String("message", msgID), logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleExecuted, Data: eventbus.Schedule{
		ScheduleID: sc.ID,
		Title:      sc.Title,
		MessageID:  msgID,
		Targets:    len(dests),
	}})
	log.Info("schedule executed", logx.String("message", msgID), logx.Int("targets", len(dests)))
	return true
}

func (s *Service) content(ctx context.Context, sc model.ScheduledSend) (model.Content, error) {
	if ref := strings.TrimSpace(sc.TemplateRef); ref != "" {
		if s.tpl == nil {
			return model.Content{}, fmt.Errorf("template %q: no template store", ref)
		}
		return s.tpl.Template(ctx, ref)
	}
	if sc.Content == nil {
		return model.Content{}, ErrNoContent
	}
	c := *sc.Content
	if err := c.Validate(); err != nil {
		return model.Content{}, err
	}
	return c, nil
}

func (s *Service) targets(ctx context.Context, sel model.Selector) ([]string, error) {
	if s.dir == nil {
		return sel.IDs, nil
	}
	dests, err := s.dir.Resolve(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("resolve destinations: %w", err)
	}
	return dests, nil
}

func (s *Service) fail(ctx context.Context, sc model.ScheduledSend, cause error, log logx.Logger) {
	if err := s.store.FinishSchedule(context.WithoutCancel(ctx), sc.ID, model.ScheduleFailed, "", "", cause.Error()); err != nil {
		log.Warn("record failure failed", logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleFailed, Data: eventbus.Schedule{
		ScheduleID: sc.ID,
		Title:      sc.Title,
		Error:      cause.Error(),
	}})
	log.Warn("schedule failed", logx.Err(cause))
}
