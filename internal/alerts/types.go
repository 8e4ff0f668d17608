package alerts

import (
	"context"
	"errors"
	"time"

	"dispatchd/internal/eventbus"
)

var ErrDisabled = errors.New("alerts disabled")

// Config controls the operator alert pipeline.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id"`
	// Events lists the event types forwarded. Empty selects DefaultEvents.
	Events      []string      `json:"events"`
	RatePerMin  int           `json:"rate_per_min"`
	QueueSize   int           `json:"queue_size"`
	DedupWindow time.Duration `json:"dedup_window"`
	// ItemFailures also forwards per-destination failures, not only rollups.
	ItemFailures bool `json:"item_failures"`
}

var DefaultEvents = []eventbus.Type{
	eventbus.MessageFailed,
	eventbus.ScheduleFailed,
	eventbus.RecoveryReconciled,
	eventbus.SessionDisconnected,
	eventbus.SessionQR,
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	} else if c.DedupWindow == 0 {
		c.DedupWindow = 5 * time.Minute
	}
	return c
}

// Sender delivers one alert text to the operator channel.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Key   string    `json:"key"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}
