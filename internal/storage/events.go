package storage

import (
	"context"
	"database/sql"

	"dispatchd/internal/model"
)

// AppendEvent records one engine event.
func (s *sqliteStore) AppendEvent(ctx context.Context, e model.Event) error {
	if e.At.IsZero() {
		e.At = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(type, at, ref, data) VALUES(?,?,?,?)`,
		e.Type, ms(e.At), nullStr(e.Ref), nullStr(e.Data))
	return err
}

// ListEvents returns the newest events first. An empty ref lists all.
func (s *sqliteStore) ListEvents(ctx context.Context, ref string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, at, ref, data FROM events
		 WHERE (? = '' OR ref = ?) ORDER BY id DESC LIMIT ?`,
		ref, ref, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var (
			e          model.Event
			at         sql.NullInt64
			eref, data sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Type, &at, &eref, &data); err != nil {
			return nil, err
		}
		e.At = fromMS(at)
		e.Ref = eref.String
		e.Data = data.String
		out = append(out, e)
	}
	return out, rows.Err()
}
