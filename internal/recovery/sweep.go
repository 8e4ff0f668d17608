// Package recovery reconciles Messages left behind by a process that stopped
// while sending. It runs once at startup, before new work is accepted.
package recovery

import (
	"context"
	"fmt"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

const (
	ActionResumed   = "resumed"
	ActionConcluded = "concluded"
)

type Config struct {
	StaleAfter time.Duration `json:"stale_after"`
	// ResumePending also resubmits pending messages that still hold pending items.
	ResumePending bool `json:"resume_pending"`
}

func DefaultConfig() Config {
	return Config{StaleAfter: 5 * time.Minute, ResumePending: true}
}

// Resumer hands a Message back to the delivery queue.
type Resumer interface {
	Submit(id string) error
	Running(id string) bool
}

// Report summarises one sweep.
type Report struct {
	Scanned   int
	Resumed   int
	Concluded int
	ItemsBack int
}

type Sweeper struct {
	store  storage.Store
	resume Resumer
	bus    eventbus.Bus
	log    logx.Logger
	cfg    Config
	now    func() time.Time
}

func New(store storage.Store, resume Resumer, bus eventbus.Bus, log logx.Logger, cfg Config) *Sweeper {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Sweeper{
		store:  store,
		resume: resume,
		bus:    bus,
		log:    log.With(logx.String("comp", "recovery")),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Sweep reconciles every stale sending Message. Running it twice in a row
// leaves the second run with nothing to do.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	done := map[string]bool{}
	stale, err := s.store.ListMessages(ctx, model.MessageSending, s.now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return rep, fmt.Errorf("list stale messages: %w", err)
	}
	for _, m := range stale {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if s.resume != nil && s.resume.Running(m.ID) {
			continue
		}
		rep.Scanned++
		done[m.ID] = true
		if err := s.reconcile(ctx, m, &rep); err != nil {
			// One bad row does not stop the sweep.
			s.log.Warn("reconcile failed", logx.String("message", m.ID), logx.Err(err))
		}
	}

	if s.cfg.ResumePending {
		if err := s.resumePending(ctx, done, &rep); err != nil {
			return rep, err
		}
	}

	if rep.Scanned > 0 || rep.Resumed > 0 {
		s.log.Info("recovery sweep finished",
			logx.Int("scanned", rep.Scanned),
			logx.Int("resumed", rep.Resumed),
			logx.Int("concluded", rep.Concluded),
			logx.Int("items_reset", rep.ItemsBack))
	}
	return rep, nil
}

func (s *Sweeper) reconcile(ctx context.Context, m model.Message, rep *Report) error {
	reset, err := s.store.ResetSendingItems(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("reset sending items: %w", err)
	}
	rep.ItemsBack += reset

	counts, err := s.store.CountItems(ctx, m.ID)
	if err != nil {
		return err
	}
	ev := eventbus.Recovery{MessageID: m.ID, Reset: reset}

	if counts.Pending > 0 {
		ok, err := s.store.SetMessageStatus(ctx, m.ID, model.MessagePending, model.MessageSending)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		ev.Action, ev.Status = ActionResumed, string(model.MessagePending)
		s.publish(ev)
		rep.Resumed++
		return s.submit(m.ID)
	}

	status, done, err := s.store.Conclude(ctx, m.ID)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	ev.Action, ev.Status = ActionConcluded, string(status)
	s.publish(ev)
	rep.Concluded++
	return nil
}

func (s *Sweeper) resumePending(ctx context.Context, skip map[string]bool, rep *Report) error {
	pending, err := s.store.ListMessages(ctx, model.MessagePending, time.Time{})
	if err != nil {
		return fmt.Errorf("list pending messages: %w", err)
	}
	for _, m := range pending {
		if skip[m.ID] || (s.resume != nil && s.resume.Running(m.ID)) {
			continue
		}
		counts, err := s.store.CountItems(ctx, m.ID)
		if err != nil {
			return err
		}
		if counts.Pending == 0 {
			continue
		}
		if err := s.submit(m.ID); err != nil {
			s.log.Warn("resume failed", logx.String("message", m.ID), logx.Err(err))
			continue
		}
		rep.Resumed++
	}
	return nil
}

func (s *Sweeper) submit(id string) error {
	if s.resume == nil {
		return nil
	}
	return s.resume.Submit(id)
}

func (s *Sweeper) publish(ev eventbus.Recovery) {
	s.bus.Publish(eventbus.Event{Type: eventbus.RecoveryReconciled, Data: ev})
	s.log.Info("message reconciled",
		logx.String("message", ev.MessageID),
		logx.String("action", ev.Action),
		logx.String("status", ev.Status),
		logx.Int("reset", ev.Reset))
}
