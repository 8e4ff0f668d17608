package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"dispatchd/internal/model"
)

const scheduleCols = `id, title, template_ref, content, selector, fire_at, timezone, status,
	message_id, result, error, created_at, updated_at`

func encodeSchedule(s *model.ScheduledSend) (content any, selector string, err error) {
	if s.Content != nil {
		b, err := json.Marshal(s.Content)
		if err != nil {
			return nil, "", err
		}
		content = string(b)
	}
	b, err := json.Marshal(s.Selector)
	if err != nil {
		return nil, "", err
	}
	return content, string(b), nil
}

func scanSchedule(row interface{ Scan(...any) error }) (model.ScheduledSend, error) {
	var (
		s                            model.ScheduledSend
		status, selector             string
		tmpl, content, tz, msgID     sql.NullString
		result, reason               sql.NullString
		fireAt, createdAt, updatedAt sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.Title, &tmpl, &content, &selector, &fireAt, &tz, &status,
		&msgID, &result, &reason, &createdAt, &updatedAt)
	if err != nil {
		return model.ScheduledSend{}, err
	}
	s.TemplateRef = tmpl.String
	if content.Valid && content.String != "" {
		s.Content = &model.Content{}
		if err := json.Unmarshal([]byte(content.String), s.Content); err != nil {
			return model.ScheduledSend{}, err
		}
	}
	if err := json.Unmarshal([]byte(selector), &s.Selector); err != nil {
		return model.ScheduledSend{}, err
	}
	s.FireAt = fromMS(fireAt)
	s.Timezone = tz.String
	s.Status = model.ScheduleStatus(status)
	s.MessageID = msgID.String
	s.Result = result.String
	s.Error = reason.String
	s.CreatedAt = fromMS(createdAt)
	s.UpdatedAt = fromMS(updatedAt)
	return s, nil
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc *model.ScheduledSend) error {
	if sc == nil || sc.ID == "" {
		return errors.New("schedule id is required")
	}
	content, selector, err := encodeSchedule(sc)
	if err != nil {
		return err
	}
	t := now()
	sc.Status = model.SchedulePending
	sc.CreatedAt, sc.UpdatedAt = t, t
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_sends(id, title, template_ref, content, selector, fire_at, timezone, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.Title, nullStr(sc.TemplateRef), content, selector, ms(sc.FireAt), nullStr(sc.Timezone),
		string(sc.Status), ms(t), ms(t))
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (model.ScheduledSend, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM scheduled_sends WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledSend{}, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) querySchedules(ctx context.Context, q string, args ...any) ([]model.ScheduledSend, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScheduledSend
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ListSchedules lists by status, newest fire time first. An empty status lists all.
func (s *sqliteStore) ListSchedules(ctx context.Context, status model.ScheduleStatus, limit int) ([]model.ScheduledSend, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySchedules(ctx,
		`SELECT `+scheduleCols+` FROM scheduled_sends
		 WHERE (? = '' OR status = ?) ORDER BY fire_at DESC LIMIT ?`,
		string(status), string(status), limit)
}

func (s *sqliteStore) ListDueSchedules(ctx context.Context, at time.Time) ([]model.ScheduledSend, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleCols+` FROM scheduled_sends
		 WHERE status = ? AND fire_at <= ? ORDER BY fire_at, id`,
		string(model.SchedulePending), ms(at))
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc *model.ScheduledSend) error {
	content, selector, err := encodeSchedule(sc)
	if err != nil {
		return err
	}
	t := now()
	ok, err := affected(s.db.ExecContext(ctx,
		`UPDATE scheduled_sends
		 SET title = ?, template_ref = ?, content = ?, selector = ?, fire_at = ?, timezone = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		sc.Title, nullStr(sc.TemplateRef), content, selector, ms(sc.FireAt), nullStr(sc.Timezone), ms(t),
		sc.ID, string(model.SchedulePending)))
	if err != nil {
		return err
	}
	if !ok {
		return s.missingOrConflict(ctx, sc.ID)
	}
	sc.UpdatedAt = t
	return nil
}

func (s *sqliteStore) SetScheduleStatus(ctx context.Context, id string, to, from model.ScheduleStatus) (bool, error) {
	return affected(s.db.ExecContext(ctx,
		`UPDATE scheduled_sends SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), ms(now()), id, string(from)))
}

// FinishSchedule concludes an executing schedule.
func (s *sqliteStore) FinishSchedule(ctx context.Context, id string, to model.ScheduleStatus, messageID, result, reason string) error {
	ok, err := affected(s.db.ExecContext(ctx,
		`UPDATE scheduled_sends SET status = ?, message_id = ?, result = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), nullStr(messageID), nullStr(result), nullStr(reason), ms(now()),
		id, string(model.ScheduleExecuting)))
	if err != nil {
		return err
	}
	if !ok {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *sqliteStore) missingOrConflict(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM scheduled_sends WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}
