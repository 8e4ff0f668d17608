package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "dispatchd/pkg/logx"
)

var ErrClosed = errors.New("task pool closed")

type State string

const (
	StateRunning  State = "running"
	StateDone     State = "done"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
)

// Info is a point-in-time view of one tracked task.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key,omitempty"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Restarts  int       `json:"restarts,omitempty"`
	Err       string    `json:"err,omitempty"`
}

type task struct {
	info   Info
	cancel context.CancelFunc
}

// Pool runs and tracks background work. Every goroutine it starts has an id,
// a state and its own cancel func, so shutdown and diagnostics can enumerate
// in-flight work.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	wg     sync.WaitGroup
	seq    uint64
	closed atomic.Bool

	mu      sync.Mutex
	active  map[string]*task
	history []Info
	histMax int
}

func New(parent context.Context, log logx.Logger) *Pool {
	if parent == nil {
		parent = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Pool{
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		active:  map[string]*task{},
		histMax: 200,
	}
}

func (p *Pool) Context() context.Context { return p.ctx }

// Go starts fn as a tracked task. key groups tasks that work on the same
// resource (e.g. a message id) for enumeration; it does not serialize them.
func (p *Pool) Go(name, key string, fn func(ctx context.Context) error) (string, error) {
	if fn == nil {
		return "", errors.New("task fn is nil")
	}
	return p.spawn(name, key, func(ctx context.Context, _ string) error { return fn(ctx) })
}

func (p *Pool) spawn(name, key string, fn func(ctx context.Context, id string) error) (string, error) {
	if p.closed.Load() {
		return "", ErrClosed
	}
	t, ctx := p.register(name, key)
	id := t.info.ID
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.run(ctx, name, func(ctx context.Context) error { return fn(ctx, id) })
		p.finish(t, ctx, err)
	}()
	return id, nil
}

// Loop runs fn and restarts it with jittered exponential backoff after an
// error or panic, until the pool (or the task) is cancelled. A nil return
// ends the loop.
func (p *Pool) Loop(name string, fn func(ctx context.Context) error, minBackoff, maxBackoff time.Duration) (string, error) {
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	if fn == nil {
		return "", errors.New("task fn is nil")
	}
	return p.spawn(name, "", func(ctx context.Context, id string) error {
		backoff := minBackoff
		for {
			started := time.Now()
			err := p.run(ctx, name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if time.Since(started) >= 30*time.Second {
				backoff = minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			p.noteRestart(id)
			p.log.Warn("task restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

// Cancel cancels one task by id. It reports whether the task was running.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	t := p.active[id]
	p.mu.Unlock()
	if t == nil {
		return false
	}
	t.cancel()
	return true
}

// List returns running tasks first, then recently finished ones.
func (p *Pool) List() []Info {
	p.mu.Lock()
	out := make([]Info, 0, len(p.active)+len(p.history))
	for _, t := range p.active {
		out = append(out, t.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	for i := len(p.history) - 1; i >= 0; i-- {
		out = append(out, p.history[i])
	}
	p.mu.Unlock()
	return out
}

// Active returns the number of running tasks, optionally restricted to key.
func (p *Pool) Active(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == "" {
		return len(p.active)
	}
	n := 0
	for _, t := range p.active {
		if t.info.Key == key {
			n++
		}
	}
	return n
}

// Wait blocks until every task finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake, cancels every task and waits for them.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)
	p.cancel()
	err := p.Wait(ctx)
	if err != nil {
		p.log.Warn("task pool shutdown timed out", logx.Int("active", p.Active("")), logx.Err(err))
	}
	return err
}

func (p *Pool) register(name, key string) (*task, context.Context) {
	ctx, cancel := context.WithCancel(p.ctx)
	now := time.Now()
	id := fmt.Sprintf("tsk-%x-%x", now.UnixNano(), atomic.AddUint64(&p.seq, 1))
	t := &task{
		info:   Info{ID: id, Name: name, Key: key, State: StateRunning, StartedAt: now},
		cancel: cancel,
	}
	p.mu.Lock()
	p.active[id] = t
	p.mu.Unlock()
	return t, ctx
}

// run calls fn and converts a panic into an error.
func (p *Pool) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (p *Pool) noteRestart(id string) {
	p.mu.Lock()
	if t := p.active[id]; t != nil {
		t.info.Restarts++
	}
	p.mu.Unlock()
}

func (p *Pool) finish(t *task, ctx context.Context, err error) {
	// Read before t.cancel, which always cancels ctx.
	canceled := ctx.Err() != nil
	t.cancel()
	info := t.info
	info.EndedAt = time.Now()
	switch {
	case err == nil:
		info.State = StateDone
	case canceled || errors.Is(err, context.Canceled):
		info.State = StateCanceled
		info.Err = err.Error()
	default:
		info.State = StateFailed
		info.Err = err.Error()
		p.log.Warn("task failed", logx.String("name", info.Name), logx.String("id", info.ID), logx.Err(err))
	}

	p.mu.Lock()
	if cur := p.active[info.ID]; cur != nil {
		info.Restarts = cur.info.Restarts
	}
	delete(p.active, info.ID)
	p.history = append(p.history, info)
	if len(p.history) > p.histMax {
		p.history = p.history[len(p.history)-p.histMax:]
	}
	p.mu.Unlock()
}
