package storage

import (
	"context"
	"errors"
	"time"

	"dispatchd/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrConflict means a status precondition did not hold.
	ErrConflict = errors.New("status conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"`
}

// Counts tallies a message's items by status.
type Counts struct {
	Pending   int
	Sending   int
	Delivered int
	Failed    int
}

func (c Counts) Open() int { return c.Pending + c.Sending }

// Store is the persistence API used by the engine.
type Store interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (model.Message, error)
	ListItems(ctx context.Context, messageID string) ([]model.DeliveryItem, error)
	CountItems(ctx context.Context, messageID string) (Counts, error)
	// SetMessageStatus moves a message to `to` if its status is one of from.
	SetMessageStatus(ctx context.Context, id string, to model.MessageStatus, from ...model.MessageStatus) (bool, error)
	// Conclude rolls up a message with no open items into completed or failed.
	// It reports false and changes nothing while items are still open.
	Conclude(ctx context.Context, id string) (model.MessageStatus, bool, error)
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns messages in status (any when empty) last updated
	// before `before` (any when zero).
	ListMessages(ctx context.Context, status model.MessageStatus, before time.Time) ([]model.Message, error)

	MarkItemSending(ctx context.Context, itemID int64) (bool, error)
	// MarkItemDelivered records attempts as the item's attempt count.
	MarkItemDelivered(ctx context.Context, itemID int64, provider, providerMsgID string, attempts int, at time.Time) (bool, error)
	// MarkItemFailed consumes one attempt. The item returns to pending
	// below ceiling and becomes failed at it.
	MarkItemFailed(ctx context.Context, itemID int64, provider, reason string, ceiling int) (model.DeliveryItem, error)
	ResetSendingItems(ctx context.Context, messageID string) (int, error)
	ResetFailedItems(ctx context.Context, messageID string) (int, error)

	CreateSchedule(ctx context.Context, s *model.ScheduledSend) error
	GetSchedule(ctx context.Context, id string) (model.ScheduledSend, error)
	ListSchedules(ctx context.Context, status model.ScheduleStatus, limit int) ([]model.ScheduledSend, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]model.ScheduledSend, error)
	// UpdateSchedule rewrites the editable fields of a pending schedule.
	UpdateSchedule(ctx context.Context, s *model.ScheduledSend) error
	SetScheduleStatus(ctx context.Context, id string, to model.ScheduleStatus, from model.ScheduleStatus) (bool, error)
	FinishSchedule(ctx context.Context, id string, to model.ScheduleStatus, messageID, result, reason string) error

	AppendEvent(ctx context.Context, e model.Event) error
	ListEvents(ctx context.Context, ref string, limit int) ([]model.Event, error)

	Close() error
}
