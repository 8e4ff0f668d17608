package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/model"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseLocalTime reads a wall-clock time in tz (or def when tz is empty).
// RFC 3339 input carries its own offset and ignores tz.
func ParseLocalTime(value, tz string, def *time.Location) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, errors.New("fire time is required")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	loc := def
	if loc == nil {
		loc = time.Local
	}
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid fire time %q (use RFC 3339 or YYYY-MM-DD HH:MM)", value)
}

func (s *Service) validate(sc *model.ScheduledSend) error {
	sc.Title = strings.TrimSpace(sc.Title)
	sc.TemplateRef = strings.TrimSpace(sc.TemplateRef)
	if sc.TemplateRef == "" {
		if sc.Content == nil {
			return ErrNoContent
		}
		if err := sc.Content.Validate(); err != nil {
			return err
		}
	}
	if sc.Selector.IsZero() {
		return ErrNoSelector
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("unknown timezone %q", tz)
		}
	}
	if !sc.FireAt.After(s.now()) {
		return ErrPastFireTime
	}
	return nil
}

// Create stores a pending ScheduledSend. Fire times not in the future are
// rejected and never stored.
func (s *Service) Create(ctx context.Context, sc *model.ScheduledSend) error {
	if sc == nil {
		return errors.New("scheduled send is required")
	}
	if err := s.validate(sc); err != nil {
		return err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	sc.MessageID, sc.Result, sc.Error = "", "", ""
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	s.log.Info("schedule created", logx.String("schedule", sc.ID), logx.Time("fire_at", sc.FireAt))
	return nil
}

// Update rewrites title, content, selector and fire time of a pending row.
func (s *Service) Update(ctx context.Context, sc *model.ScheduledSend) error {
	if sc == nil || sc.ID == "" {
		return ErrNotFound
	}
	if err := s.validate(sc); err != nil {
		return err
	}
	return mapStoreErr(s.store.UpdateSchedule(ctx, sc))
}

// Cancel moves a pending row to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	ok, err := s.store.SetScheduleStatus(ctx, id, model.ScheduleCancelled, model.SchedulePending)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	return ErrNotEditable
}

// Duplicate copies any row, whatever its status, into a fresh pending one.
func (s *Service) Duplicate(ctx context.Context, id string, fireAt time.Time) (model.ScheduledSend, error) {
	src, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return model.ScheduledSend{}, mapStoreErr(err)
	}
	cp := model.ScheduledSend{
		Title:       src.Title,
		TemplateRef: src.TemplateRef,
		Selector:    src.Selector,
		FireAt:      fireAt,
		Timezone:    src.Timezone,
	}
	if src.Content != nil {
		c := *src.Content
		cp.Content = &c
	}
	if err := s.Create(ctx, &cp); err != nil {
		return model.ScheduledSend{}, err
	}
	return cp, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.ScheduledSend, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	return sc, mapStoreErr(err)
}

func (s *Service) List(ctx context.Context, status model.ScheduleStatus, limit int) ([]model.ScheduledSend, error) {
	return s.store.ListSchedules(ctx, status, limit)
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		return ErrNotEditable
	}
	return err
}
