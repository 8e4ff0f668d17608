package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchd/internal/directory"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

var (
	ErrNotFound     = errors.New("scheduled send not found")
	ErrNotEditable  = errors.New("scheduled send is no longer pending")
	ErrPastFireTime = errors.New("fire time must be in the future")
	ErrNoContent    = errors.New("template or inline content is required")
	ErrNoSelector   = errors.New("destination selector is empty")
	ErrNoTargets    = errors.New("selector resolved to no destinations")
)

// Config controls the poll trigger.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Poll     string `json:"poll"`     // cron spec, default "@every 1m"
	Timezone string `json:"timezone"` // default for fire times given without one
	// RunTimeout bounds one execution (resolve + enqueue).
	RunTimeout time.Duration `json:"run_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Poll == "" {
		c.Poll = "@every 1m"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Second
	}
	return c
}

// Enqueuer hands resolved content to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, content model.Content, destinations []string) (string, error)
}

type Deps struct {
	Store     storage.Store
	Enqueuer  Enqueuer
	Directory directory.Resolver
	Templates directory.Templates
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Service owns ScheduledSend rows: their edits and their execution.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	store storage.Store
	enq   Enqueuer
	dir   directory.Resolver
	tpl   directory.Templates
	bus   eventbus.Bus
	log   logx.Logger

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	now func() time.Time
}

// PollReport summarises one poll.
type PollReport struct {
	Due      int
	Claimed  int
	Executed int
	Failed   int
}
