// Package alerts forwards selected engine events to an operator chat.
//
// Events are filtered, formatted, de-duplicated within a window and queued;
// one worker drains the queue under a token bucket. A full queue drops the
// alert and counts it.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/internal/eventbus"
	logx "dispatchd/pkg/logx"
)

const historySize = 50

type alert struct {
	key  string
	text string
}

type Service struct {
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	want    map[eventbus.Type]bool

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	dropped atomic.Uint64
	now     func() time.Time
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	want := map[eventbus.Type]bool{}
	if len(cfg.Events) == 0 {
		for _, t := range DefaultEvents {
			want[t] = true
		}
	}
	for _, t := range cfg.Events {
		want[eventbus.Type(strings.TrimSpace(t))] = true
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log.With(logx.String("comp", "alerts")),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin),
		want:    want,
		dedup:   map[string]time.Time{},
		now:     time.Now,
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled && s.sender != nil }

// Run consumes bus events until ctx ends. Queued alerts are dropped on exit.
func (s *Service) Run(ctx context.Context) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	ch, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	defer unsub()

	queue := make(chan alert, s.cfg.QueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.worker(ctx, queue)
	}()
	defer func() {
		close(queue)
		wg.Wait()
		if n := s.dropped.Swap(0); n > 0 {
			s.log.Warn("alerts dropped", logx.Int64("count", int64(n)))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			a, ok := s.format(e)
			if !ok || !s.admit(a.key) {
				continue
			}
			select {
			case queue <- a:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

func (s *Service) worker(ctx context.Context, queue <-chan alert) {
	for a := range queue {
		if ctx.Err() != nil {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := s.sender.SendText(sctx, a.text)
		cancel()
		s.record(a, err)
		if err != nil {
			s.log.Warn("alert send failed", logx.String("key", a.key), logx.Err(err))
		}
	}
}

// admit reports whether key has not been sent within the dedup window.
func (s *Service) admit(key string) bool {
	if s.cfg.DedupWindow == 0 {
		return true
	}
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	if len(s.dedup) > 1000 {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
	}
	return true
}

func (s *Service) record(a alert, err error) {
	h := HistoryItem{At: s.now(), Key: a.key, Text: a.text}
	if err != nil {
		h.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// History returns the recent alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) format(e eventbus.Event) (alert, bool) {
	if !s.want[e.Type] {
		return alert{}, false
	}
	switch d := e.Data.(type) {
	case eventbus.Delivery:
		if e.Type != eventbus.MessageFailed {
			return alert{}, false
		}
		if d.Destination == "" {
			return alert{
				key:  "msg:" + d.MessageID,
				text: fmt.Sprintf("Message %s failed: %s", d.MessageID, d.Error),
			}, true
		}
		if !s.cfg.ItemFailures {
			return alert{}, false
		}
		return alert{
			key:  "item:" + d.MessageID + ":" + d.Destination,
			text: fmt.Sprintf("Delivery to %s failed after %d attempts (%s): %s", d.Destination, d.Attempts, d.Provider, d.Error),
		}, true
	case eventbus.Schedule:
		title := d.Title
		if title == "" {
			title = d.ScheduleID
		}
		return alert{
			key:  "sched:" + d.ScheduleID,
			text: fmt.Sprintf("Scheduled send %q failed: %s", title, d.Error),
		}, true
	case eventbus.Recovery:
		return alert{
			key:  "recovery:" + d.MessageID,
			text: fmt.Sprintf("Recovered message %s: %s (%s, %d items reset)", d.MessageID, d.Action, d.Status, d.Reset),
		}, true
	case eventbus.Session:
		if e.Type == eventbus.SessionQR {
			return alert{
				key:  "qr:" + d.Identity,
				text: fmt.Sprintf("Session %s needs QR pairing", d.Identity),
			}, true
		}
		if e.Type == eventbus.SessionDisconnected {
			return alert{
				key:  "down:" + d.Identity,
				text: fmt.Sprintf("Session %s disconnected (%s)", d.Identity, d.State),
			}, true
		}
	}
	return alert{}, false
}
