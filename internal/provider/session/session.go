package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/internal/eventbus"
	logx "dispatchd/pkg/logx"
)

type Options struct {
	// PerMinute and Burst feed the anti-abuse token bucket.
	PerMinute int
	Burst     int
	// AutoStart asks the gateway to start a stopped session.
	AutoStart bool
	// StopOnClose stops the gateway session when the process lets go of it.
	StopOnClose bool
}

// Session is one authenticated sending identity held by the gateway.
type Session struct {
	identity string
	gw       *Gateway
	bus      eventbus.Bus
	log      logx.Logger
	limiter  *rate.Limiter
	opts     Options

	mu     sync.Mutex
	state  string
	lastQR string
	closed atomic.Bool
}

func NewSession(identity string, gw *Gateway, opts Options, bus eventbus.Bus, log logx.Logger) *Session {
	if opts.PerMinute <= 0 {
		opts.PerMinute = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{
		identity: identity,
		gw:       gw,
		bus:      bus,
		log:      log.With(logx.String("comp", "session"), logx.String("identity", identity)),
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.PerMinute)), opts.Burst),
		opts:     opts,
		state:    StateStopped,
	}
}

func (s *Session) Identity() string { return s.identity }

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Working() bool { return !s.closed.Load() && s.State() == StateWorking }

// Refresh asks the gateway for the session state and publishes transitions.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return StateStopped, nil
	}
	info, err := s.gw.Session(ctx, s.identity)
	if ctx.Err() != nil {
		return s.State(), ctx.Err()
	}
	next := info.Status
	if err != nil {
		next = StateFailed
		if errors.Is(err, ErrGatewayRejected) {
			next = StateStopped
		}
	}
	if next == "" {
		next = StateStopped
	}
	s.transition(ctx, next, err)
	return next, err
}

func (s *Session) transition(ctx context.Context, next string, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	ev := eventbus.Session{Identity: s.identity, State: next}
	if cause != nil {
		ev.Error = cause.Error()
	}
	switch {
	case next == StateWorking && prev != StateWorking:
		s.log.Info("session connected")
		s.bus.Publish(eventbus.Event{Type: eventbus.SessionConnected, Data: ev})
	case prev == StateWorking && next != StateWorking:
		s.log.Warn("session disconnected", logx.String("state", next))
		s.bus.Publish(eventbus.Event{Type: eventbus.SessionDisconnected, Data: ev})
	}
	if next == StateScanQR {
		qr, err := s.gw.QR(ctx, s.identity)
		if err != nil {
			s.log.Debug("qr fetch failed", logx.Err(err))
			return
		}
		s.mu.Lock()
		changed := qr != "" && qr != s.lastQR
		s.lastQR = qr
		s.mu.Unlock()
		if changed {
			ev.QR = qr
			s.bus.Publish(eventbus.Event{Type: eventbus.SessionQR, Data: ev})
		}
	}
}

// Monitor polls the gateway until ctx ends.
func (s *Session) Monitor(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		state, err := s.Refresh(ctx)
		if state == StateStopped && s.opts.AutoStart && (err == nil || errors.Is(err, ErrGatewayRejected)) {
			if err := s.gw.Start(ctx, s.identity); err != nil {
				s.log.Warn("session start failed", logx.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if s.closed.Load() {
			return nil
		}
	}
}

// Wait blocks until the anti-abuse limiter admits one send.
func (s *Session) Wait(ctx context.Context) error { return s.limiter.Wait(ctx) }

// Close marks the session unusable. With StopOnClose it also stops it at
// the gateway.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	wasWorking := s.state == StateWorking
	s.state = StateStopped
	s.mu.Unlock()
	if wasWorking {
		s.bus.Publish(eventbus.Event{Type: eventbus.SessionDisconnected, Data: eventbus.Session{Identity: s.identity, State: StateStopped}})
	}
	if s.opts.StopOnClose {
		return s.gw.Stop(ctx, s.identity)
	}
	return nil
}
