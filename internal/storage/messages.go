package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/model"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const messageCols = `id, kind, body, media_url, media_filename, media_mime, destinations,
	total, delivered, failed, status, created_at, updated_at`

const itemCols = `id, message_id, position, destination, status, attempts, last_error,
	provider, provider_message_id, delivered_at, updated_at`

func (s *sqliteStore) CreateMessage(ctx context.Context, m *model.Message) error {
	if m == nil || m.ID == "" {
		return errors.New("message id is required")
	}
	if len(m.Destinations) == 0 {
		return model.ErrNoDestinations
	}
	dests, err := json.Marshal(m.Destinations)
	if err != nil {
		return err
	}
	t := now()
	m.Total = len(m.Destinations)
	m.Delivered, m.Failed = 0, 0
	m.Status = model.MessagePending
	m.CreatedAt, m.UpdatedAt = t, t

	var media model.Media
	if m.Content.Media != nil {
		media = *m.Content.Media
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages(id, kind, body, media_url, media_filename, media_mime, destinations,
			   total, delivered, failed, status, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,0,0,?,?,?)`,
			m.ID, string(m.Content.Kind), m.Content.Body, nullStr(media.URL), nullStr(media.Filename), nullStr(media.Mime),
			string(dests), m.Total, string(m.Status), ms(t), ms(t),
		)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO delivery_items(message_id, position, destination, status, attempts, updated_at)
			 VALUES(?,?,?,?,0,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, d := range m.Destinations {
			if _, err := stmt.ExecContext(ctx, m.ID, i, d, string(model.ItemPending), ms(t)); err != nil {
				return fmt.Errorf("insert item %q: %w", d, err)
			}
		}
		return nil
	})
}

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var (
		m                    model.Message
		kind, status, dests  string
		url, filename, mime  sql.NullString
		createdAt, updatedAt sql.NullInt64
	)
	err := row.Scan(&m.ID, &kind, &m.Content.Body, &url, &filename, &mime, &dests,
		&m.Total, &m.Delivered, &m.Failed, &status, &createdAt, &updatedAt)
	if err != nil {
		return model.Message{}, err
	}
	m.Content.Kind = model.Kind(kind)
	if url.Valid {
		m.Content.Media = &model.Media{URL: url.String, Filename: filename.String, Mime: mime.String}
	}
	if err := json.Unmarshal([]byte(dests), &m.Destinations); err != nil {
		return model.Message{}, fmt.Errorf("decode destinations: %w", err)
	}
	m.Status = model.MessageStatus(status)
	m.CreatedAt = fromMS(createdAt)
	m.UpdatedAt = fromMS(updatedAt)
	return m, nil
}

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) ListMessages(ctx context.Context, status model.MessageStatus, before time.Time) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE (? = '' OR status = ?) AND (? = 0 OR updated_at < ?)
		 ORDER BY created_at, id`,
		string(status), string(status), ms(before), ms(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListItems(ctx context.Context, messageID string) ([]model.DeliveryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM delivery_items WHERE message_id = ? ORDER BY position`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DeliveryItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(row interface{ Scan(...any) error }) (model.DeliveryItem, error) {
	var (
		it                         model.DeliveryItem
		status                     string
		lastErr, provider, provMsg sql.NullString
		deliveredAt, updatedAt     sql.NullInt64
	)
	err := row.Scan(&it.ID, &it.MessageID, &it.Position, &it.Destination, &status, &it.Attempts,
		&lastErr, &provider, &provMsg, &deliveredAt, &updatedAt)
	if err != nil {
		return model.DeliveryItem{}, err
	}
	it.Status = model.ItemStatus(status)
	it.LastError = lastErr.String
	it.Provider = provider.String
	it.ProviderMessageID = provMsg.String
	it.DeliveredAt = fromMS(deliveredAt)
	it.UpdatedAt = fromMS(updatedAt)
	return it, nil
}

func countItems(ctx context.Context, q querier, messageID string) (Counts, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM delivery_items WHERE message_id = ? GROUP BY status`, messageID)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()
	var c Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch model.ItemStatus(status) {
		case model.ItemPending:
			c.Pending = n
		case model.ItemSending:
			c.Sending = n
		case model.ItemDelivered:
			c.Delivered = n
		case model.ItemFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

func (s *sqliteStore) CountItems(ctx context.Context, messageID string) (Counts, error) {
	return countItems(ctx, s.db, messageID)
}

func (s *sqliteStore) SetMessageStatus(ctx context.Context, id string, to model.MessageStatus, from ...model.MessageStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("at least one expected status is required")
	}
	args := []any{string(to), ms(now()), id}
	marks := make([]string, len(from))
	for i, f := range from {
		marks[i] = "?"
		args = append(args, string(f))
	}
	return affected(s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+strings.Join(marks, ",")+`)`, args...))
}

func (s *sqliteStore) Conclude(ctx context.Context, id string) (model.MessageStatus, bool, error) {
	var (
		status model.MessageStatus
		done   bool
	)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var cur string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		status = model.MessageStatus(cur)
		c, err := countItems(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.Open() > 0 {
			return nil
		}
		status = model.MessageCompleted
		if c.Failed > 0 {
			status = model.MessageFailed
		}
		done = true
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, delivered = ?, failed = ?, updated_at = ?
			 WHERE id = ? AND NOT (status = ? AND delivered = ? AND failed = ?)`,
			string(status), c.Delivered, c.Failed, ms(now()),
			id, string(status), c.Delivered, c.Failed)
		return err
	})
	return status, done, err
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var cur string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if model.MessageStatus(cur) == model.MessageSending {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_items WHERE message_id = ?`, id); err != nil {
			return err
		}
		ok, err := affected(tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND status = ?`, id, cur))
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		return nil
	})
}

// touch bumps the parent message's updated_at. It doubles as the in-flight
// heartbeat the recovery sweep checks.
func touch(ctx context.Context, tx *sql.Tx, itemID int64, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE messages SET updated_at = ? WHERE id = (SELECT message_id FROM delivery_items WHERE id = ?)`,
		ms(at), itemID)
	return err
}

func (s *sqliteStore) MarkItemSending(ctx context.Context, itemID int64) (bool, error) {
	var ok bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t := now()
		var err error
		ok, err = affected(tx.ExecContext(ctx,
			`UPDATE delivery_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.ItemSending), ms(t), itemID, string(model.ItemPending)))
		if err != nil || !ok {
			return err
		}
		return touch(ctx, tx, itemID, t)
	})
	return ok, err
}

func (s *sqliteStore) MarkItemDelivered(ctx context.Context, itemID int64, provider, providerMsgID string, attempts int, at time.Time) (bool, error) {
	if at.IsZero() {
		at = now()
	}
	var ok bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = affected(tx.ExecContext(ctx,
			`UPDATE delivery_items
			 SET status = ?, attempts = ?, provider = ?, provider_message_id = ?, delivered_at = ?, last_error = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(model.ItemDelivered), attempts, nullStr(provider), nullStr(providerMsgID), ms(at), ms(at),
			itemID, string(model.ItemSending)))
		if err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET delivered = delivered + 1, updated_at = ?
			 WHERE id = (SELECT message_id FROM delivery_items WHERE id = ?)`,
			ms(at), itemID)
		return err
	})
	return ok, err
}

func (s *sqliteStore) MarkItemFailed(ctx context.Context, itemID int64, provider, reason string, ceiling int) (model.DeliveryItem, error) {
	if ceiling <= 0 {
		ceiling = model.MaxAttempts
	}
	var it model.DeliveryItem
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var (
			attempts int
			status   string
		)
		err := tx.QueryRowContext(ctx, `SELECT attempts, status FROM delivery_items WHERE id = ?`, itemID).Scan(&attempts, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.ItemStatus(status) != model.ItemSending {
			return ErrConflict
		}
		attempts++
		next := model.ItemPending
		if attempts >= ceiling {
			attempts = ceiling
			next = model.ItemFailed
		}
		t := now()
		ok, err := affected(tx.ExecContext(ctx,
			`UPDATE delivery_items SET status = ?, attempts = ?, last_error = ?, provider = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(next), attempts, nullStr(reason), nullStr(provider), ms(t),
			itemID, string(model.ItemSending)))
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		if next == model.ItemFailed {
			_, err = tx.ExecContext(ctx,
				`UPDATE messages SET failed = failed + 1, updated_at = ?
				 WHERE id = (SELECT message_id FROM delivery_items WHERE id = ?)`,
				ms(t), itemID)
		} else {
			err = touch(ctx, tx, itemID, t)
		}
		if err != nil {
			return err
		}
		it, err = scanItem(tx.QueryRowContext(ctx, `SELECT `+itemCols+` FROM delivery_items WHERE id = ?`, itemID))
		return err
	})
	return it, err
}

func (s *sqliteStore) ResetSendingItems(ctx context.Context, messageID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_items SET status = ?, updated_at = ? WHERE message_id = ? AND status = ?`,
		string(model.ItemPending), ms(now()), messageID, string(model.ItemSending))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) ResetFailedItems(ctx context.Context, messageID string) (int, error) {
	var n int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t := now()
		res, err := tx.ExecContext(ctx,
			`UPDATE delivery_items SET status = ?, attempts = 0, last_error = NULL, updated_at = ?
			 WHERE message_id = ? AND status = ?`,
			string(model.ItemPending), ms(t), messageID, string(model.ItemFailed))
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		// Reset items are pending again, so a concluded message is too.
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET failed = MAX(failed - ?, 0),
			   status = CASE WHEN status IN (?, ?) THEN ? ELSE status END, updated_at = ?
			 WHERE id = ?`,
			n, string(model.MessageFailed), string(model.MessageCompleted), string(model.MessagePending),
			ms(t), messageID)
		return err
	})
	return int(n), err
}
