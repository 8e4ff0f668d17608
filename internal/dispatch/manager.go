// Package dispatch owns the lifecycle of Messages and their delivery items.
//
// Enqueue persists a Message with one pending item per destination and hands
// processing to the task pool. ProcessQueue walks the pending items of one
// Message sequentially, pacing every send attempt, until none are left or
// the pass budget runs out, then rolls the Message up to completed or failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/provider"
	"dispatchd/internal/receipts"
	"dispatchd/internal/runtime/tasks"
	"dispatchd/internal/storage"
	"dispatchd/internal/telemetry"
	logx "dispatchd/pkg/logx"
)

type Config struct {
	SendDelay   time.Duration `json:"send_delay"`   // between consecutive attempts of one run
	SendTimeout time.Duration `json:"send_timeout"` // per adapter call, enforced by the router
	MaxAttempts int           `json:"max_attempts"`
	PassBudget  int           `json:"pass_budget"` // revisits of pending items per run
}

func (c Config) withDefaults() Config {
	if c.SendDelay <= 0 {
		c.SendDelay = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > model.MaxAttempts {
		c.MaxAttempts = model.MaxAttempts
	}
	if c.PassBudget <= 0 {
		c.PassBudget = c.MaxAttempts
	}
	return c
}

// Router is the subset of provider.Router the manager needs.
type Router interface {
	Classify(dest string) model.Class
	CheckConfigured(class model.Class) error
	Send(ctx context.Context, dest string, content model.Content) (provider.Delivery, error)
}

type Deps struct {
	Store     storage.Store
	Router    Router
	Pool      *tasks.Pool
	Bus       eventbus.Bus
	Receipts  receipts.Cache
	Telemetry *telemetry.Provider
	Log       logx.Logger
}

type run struct {
	// queued marks a slot reserved by Submit for a task not started yet.
	queued bool
	rerun  bool
}

type Manager struct {
	store    storage.Store
	router   Router
	pool     *tasks.Pool
	bus      eventbus.Bus
	receipts receipts.Cache
	tel      *telemetry.Provider
	log      logx.Logger

	mu      sync.Mutex
	cfg     Config
	running map[string]*run

	sleep func(ctx context.Context, d time.Duration) error
}

func New(d Deps, cfg Config) *Manager {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Receipts == nil {
		d.Receipts = receipts.Nop{}
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.Noop()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Manager{
		store:    d.Store,
		router:   d.Router,
		pool:     d.Pool,
		bus:      d.Bus,
		receipts: d.Receipts,
		tel:      d.Telemetry,
		log:      d.Log.With(logx.String("comp", "dispatch")),
		cfg:      cfg.withDefaults(),
		running:  map[string]*run{},
		sleep:    sleepCtx,
	}
}

// Apply swaps pacing settings. Runs pick them up at their next item.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// normalizeDestinations trims, drops blanks and removes duplicates keeping
// first occurrence order.
func normalizeDestinations(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Enqueue creates a Message with one pending item per destination and
// schedules it. It returns before anything is sent.
func (m *Manager) Enqueue(ctx context.Context, content model.Content, destinations []string) (string, error) {
	if err := content.Validate(); err != nil {
		return "", err
	}
	dests := normalizeDestinations(destinations)
	if len(dests) == 0 {
		return "", model.ErrNoDestinations
	}
	checked := map[model.Class]bool{}
	for _, d := range dests {
		class := m.router.Classify(d)
		if checked[class] {
			continue
		}
		checked[class] = true
		if err := m.router.CheckConfigured(class); err != nil {
			return "", &ConfigError{Class: class, Err: err}
		}
	}

	msg := model.Message{ID: uuid.NewString(), Content: content, Destinations: dests}
	if err := m.store.CreateMessage(ctx, &msg); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	m.log.Info("message enqueued", logx.String("message", msg.ID), logx.Int("total", msg.Total),
		logx.String("kind", string(content.Kind)))

	if err := m.Submit(msg.ID); err != nil {
		// Stays pending; the next start resumes it.
		m.log.Warn("message not scheduled", logx.String("message", msg.ID), logx.Err(err))
	}
	return msg.ID, nil
}

// Submit runs ProcessQueue for id as a tracked background task.
func (m *Manager) Submit(id string) error {
	if m.pool == nil {
		return errors.New("dispatch: no task pool")
	}
	m.mu.Lock()
	if r, ok := m.running[id]; ok {
		r.rerun = true
		m.mu.Unlock()
		return nil
	}
	slot := &run{queued: true}
	m.running[id] = slot
	m.mu.Unlock()
	_, err := m.pool.Go("dispatch.process", id, func(ctx context.Context) error {
		return m.ProcessQueue(ctx, id)
	})
	if err != nil {
		m.mu.Lock()
		if m.running[id] == slot && slot.queued {
			delete(m.running, id)
		}
		m.mu.Unlock()
	}
	return err
}

// Running reports whether a run for id is active in this process.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

func (m *Manager) acquire(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.running[id]; ok {
		if r.queued {
			r.queued = false
			return true
		}
		r.rerun = true
		return false
	}
	m.running[id] = &run{}
	return true
}

// again reports whether a coalesced request asks for another run. When it
// does not, the slot is released under the same lock.
func (m *Manager) again(id string, ok bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.running[id]
	if ok && r != nil && r.rerun {
		r.rerun = false
		return true
	}
	delete(m.running, id)
	return false
}

// ProcessQueue sends every pending item of one Message. Only one run per
// Message is active at a time; a call made while one runs is folded into a
// single follow-up run.
func (m *Manager) ProcessQueue(ctx context.Context, id string) error {
	if !m.acquire(id) {
		return nil
	}
	for {
		err := m.process(ctx, id)
		if !m.again(id, err == nil && ctx.Err() == nil) {
			return err
		}
	}
}

func (m *Manager) process(ctx context.Context, id string) error {
	msg, err := m.store.GetMessage(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	counts, err := m.store.CountItems(ctx, id)
	if err != nil {
		return err
	}
	if counts.Pending == 0 {
		if counts.Sending == 0 && !msg.Status.Terminal() {
			_, err = m.conclude(ctx, msg)
		}
		return err
	}
	if _, err := m.store.SetMessageStatus(ctx, id, model.MessageSending,
		model.MessagePending, model.MessageSending, model.MessageFailed, model.MessageCompleted); err != nil {
		return err
	}
	log := m.log.With(logx.String("message", id))
	log.Debug("run started", logx.Int("pending", counts.Pending))

	budget := m.config().PassBudget
	paced := false
	for pass := 0; pass < budget; pass++ {
		items, err := m.store.ListItems(ctx, id)
		if err != nil {
			return m.interrupted(id, err)
		}
		left := 0
		for _, it := range items {
			if it.Status != model.ItemPending {
				continue
			}
			left++
			if ctx.Err() != nil {
				return m.interrupted(id, ctx.Err())
			}
			if err := m.deliver(ctx, msg, it, &paced); err != nil {
				return m.interrupted(id, err)
			}
		}
		if left == 0 {
			break
		}
	}

	done, err := m.conclude(ctx, msg)
	if err != nil {
		return err
	}
	if !done {
		if _, err := m.store.SetMessageStatus(ctx, id, model.MessagePending, model.MessageSending); err != nil {
			return err
		}
		log.Warn("pass budget exhausted, message left pending", logx.Int("budget", budget))
	}
	return nil
}

// deliver performs one attempt for one item. A non-nil error aborts the run.
func (m *Manager) deliver(ctx context.Context, msg model.Message, it model.DeliveryItem, paced *bool) error {
	cfg := m.config()
	ok, err := m.store.MarkItemSending(ctx, it.ID)
	if err != nil || !ok {
		return err
	}

	if r, hit, err := m.receipts.Get(ctx, msg.ID, it.Destination); err != nil {
		m.log.Debug("receipt lookup failed", logx.String("message", msg.ID), logx.Err(err))
	} else if hit {
		if _, err := m.store.MarkItemDelivered(ctx, it.ID, r.Provider, r.ProviderMessageID, it.Attempts, r.SentAt); err != nil {
			return err
		}
		m.publishDelivered(msg.ID, it.Destination, r.Provider, it.Attempts)
		return nil
	}

	if *paced {
		if err := m.sleep(ctx, cfg.SendDelay); err != nil {
			return err
		}
	}
	*paced = true

	attempt := it.Attempts + 1
	sctx, span := m.tel.StartSend(ctx, msg.ID, it.Destination, attempt)
	start := time.Now()
	d, sendErr := m.router.Send(sctx, it.Destination, msg.Content)
	m.tel.EndSend(ctx, span, d.Provider, time.Since(start), sendErr)

	if sendErr != nil && ctx.Err() != nil {
		// Shutdown cut the attempt short; it does not count.
		return ctx.Err()
	}
	log := m.log.With(logx.String("message", msg.ID), logx.String("dest", it.Destination), logx.Int("attempt", attempt))

	if sendErr == nil {
		now := time.Now()
		if _, err := m.store.MarkItemDelivered(ctx, it.ID, d.Provider, d.MessageID, attempt, now); err != nil {
			return err
		}
		if err := m.receipts.Put(ctx, msg.ID, it.Destination, receipts.Receipt{
			Provider: d.Provider, ProviderMessageID: d.MessageID, SentAt: now,
		}); err != nil {
			log.Debug("receipt store failed", logx.Err(err))
		}
		m.tel.RecordOutcome(ctx, string(model.ItemDelivered))
		log.Debug("delivered", logx.String("provider", d.Provider))
		m.publishDelivered(msg.ID, it.Destination, d.Provider, attempt)
		return nil
	}

	after, err := m.store.MarkItemFailed(ctx, it.ID, d.Provider, sendErr.Error(), cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if after.Status == model.ItemFailed {
		m.tel.RecordOutcome(ctx, string(model.ItemFailed))
		log.Warn("delivery failed", logx.String("provider", d.Provider), logx.Err(sendErr))
		m.bus.Publish(eventbus.Event{Type: eventbus.MessageFailed, Data: eventbus.Delivery{
			MessageID:   msg.ID,
			Destination: it.Destination,
			Provider:    d.Provider,
			Attempts:    after.Attempts,
			Error:       sendErr.Error(),
			Status:      string(model.ItemFailed),
		}})
	} else {
		log.Info("attempt failed, will retry", logx.String("provider", d.Provider), logx.Err(sendErr))
	}
	return nil
}

func (m *Manager) publishDelivered(id, dest, prov string, attempts int) {
	m.bus.Publish(eventbus.Event{Type: eventbus.MessageDelivered, Data: eventbus.Delivery{
		MessageID:   id,
		Destination: dest,
		Provider:    prov,
		Attempts:    attempts,
		Status:      string(model.ItemDelivered),
	}})
}

// conclude rolls the message up once every item is terminal.
func (m *Manager) conclude(ctx context.Context, msg model.Message) (bool, error) {
	status, done, err := m.store.Conclude(ctx, msg.ID)
	if err != nil || !done {
		return done, err
	}
	final, err := m.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return true, err
	}
	ev := eventbus.Delivery{MessageID: msg.ID, Status: string(status), Attempts: final.Delivered}
	if status == model.MessageCompleted {
		m.bus.Publish(eventbus.Event{Type: eventbus.MessageCompleted, Data: ev})
	} else {
		ev.Error = fmt.Sprintf("%d of %d destinations failed", final.Failed, final.Total)
		m.bus.Publish(eventbus.Event{Type: eventbus.MessageFailed, Data: ev})
	}
	m.log.Info("message finished", logx.String("message", msg.ID), logx.String("status", string(status)),
		logx.Int("delivered", final.Delivered), logx.Int("failed", final.Failed), logx.Int("total", final.Total))
	return true, nil
}

// interrupted hands an aborted run back to pending so a later run or the
// next start resumes it.
func (m *Manager) interrupted(id string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.store.ResetSendingItems(ctx, id); err != nil {
		m.log.Warn("reset sending items failed", logx.String("message", id), logx.Err(err))
	}
	if _, err := m.store.SetMessageStatus(ctx, id, model.MessagePending, model.MessageSending); err != nil {
		m.log.Warn("release message failed", logx.String("message", id), logx.Err(err))
	}
	m.log.Info("run interrupted", logx.String("message", id), logx.Err(cause))
	return cause
}

// RetryFailed resets the failed items of a Message and processes it again.
// It returns the number of items reset; zero means nothing changed.
func (m *Manager) RetryFailed(ctx context.Context, id string) (int, error) {
	if _, err := m.store.GetMessage(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	n, err := m.store.ResetFailedItems(ctx, id)
	if err != nil || n == 0 {
		return 0, err
	}
	m.log.Info("retrying failed items", logx.String("message", id), logx.Int("items", n))
	return n, m.Submit(id)
}

// Status returns the Message with its items.
func (m *Manager) Status(ctx context.Context, id string) (model.Snapshot, error) {
	msg, err := m.store.GetMessage(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return model.Snapshot{}, err
	}
	items, err := m.store.ListItems(ctx, id)
	if err != nil {
		return model.Snapshot{}, err
	}
	return model.Snapshot{Message: msg, Items: items}, nil
}

// Delete removes a Message that is not being sent.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.Running(id) {
		return ErrInFlight
	}
	err := m.store.DeleteMessage(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		return ErrInFlight
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
