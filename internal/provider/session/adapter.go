// Package session sends through long-lived authenticated protocol sessions
// held by a session gateway. It addresses both contacts and groups.
//
// Sessions live in a Registry owned by the process. Each session publishes
// its lifecycle on the event bus. The Adapter reads connectivity from the
// registered sessions themselves, so a dropped or early event never hides a
// working session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/provider"
	logx "dispatchd/pkg/logx"
)

const Name = "session"

type Config struct {
	Enabled      bool          `json:"enabled"`
	GatewayURL   string        `json:"gateway_url"`
	APIKey       string        `json:"api_key"`
	Identities   []string      `json:"identities"`
	PollInterval time.Duration `json:"poll_interval"`
	Timeout      time.Duration `json:"timeout"`
	PerMinute    int           `json:"per_minute"`
	Burst        int           `json:"burst"`
	AutoStart    bool          `json:"auto_start"`
	StopOnClose  bool          `json:"stop_on_close"`
	GroupSuffix  string        `json:"-"`
}

type Adapter struct {
	cfg Config
	reg *Registry
	gw  *Gateway
	bus eventbus.Bus
	log logx.Logger

	events <-chan eventbus.Event
	unsub  func()
	rr     atomic.Uint64
}

var _ provider.Provider = (*Adapter)(nil)

// NewAdapter builds the gateway client and registers one session per
// configured identity.
func NewAdapter(cfg Config, reg *Registry, bus eventbus.Bus, log logx.Logger) (*Adapter, error) {
	if reg == nil {
		return nil, errors.New("session registry is required")
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	a := &Adapter{
		cfg:       cfg,
		reg:       reg,
		bus:       bus,
		log: log.With(logx.String("comp", "session-adapter")),
	}
	if !cfg.Enabled || strings.TrimSpace(cfg.GatewayURL) == "" {
		return a, nil
	}
	// Subscribe before any session exists so Run sees every transition.
	a.events, a.unsub = bus.Subscribe(64)
	a.gw = NewGateway(cfg.GatewayURL, cfg.APIKey, cfg.Timeout)
	opts := Options{PerMinute: cfg.PerMinute, Burst: cfg.Burst, AutoStart: cfg.AutoStart, StopOnClose: cfg.StopOnClose}
	for _, id := range cfg.Identities {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := reg.Register(NewSession(id, a.gw, opts, bus, log)); err != nil {
			return nil, fmt.Errorf("register session %q: %w", id, err)
		}
	}
	return a, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Available() bool { return a.cfg.Enabled && a.gw != nil && a.reg.Len() > 0 }

func (a *Adapter) Supports(class model.Class) bool {
	return class == model.ClassContact || class == model.ClassGroup
}

// Connected reports whether any registered session is working.
func (a *Adapter) Connected(context.Context) bool {
	if !a.Available() {
		return false
	}
	for _, s := range a.reg.List() {
		if s.Working() {
			return true
		}
	}
	return false
}

// Sessions returns the registered sessions for monitoring.
func (a *Adapter) Sessions() []*Session { return a.reg.List() }

func (a *Adapter) PollInterval() time.Duration { return a.cfg.PollInterval }

// Run follows session lifecycle events until ctx ends.
func (a *Adapter) Run(ctx context.Context) error {
	if a.events == nil {
		<-ctx.Done()
		return nil
	}
	defer a.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-a.events:
			if !ok {
				return nil
			}
			a.observe(e)
		}
	}
}

func (a *Adapter) observe(e eventbus.Event) {
	ev, ok := e.Data.(eventbus.Session)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.SessionConnected:
		a.log.Info("session usable", logx.String("identity", ev.Identity))
	case eventbus.SessionDisconnected:
		a.log.Warn("session unusable", logx.String("identity", ev.Identity), logx.String("state", ev.State))
	case eventbus.SessionQR:
		a.log.Info("session waiting for pairing", logx.String("identity", ev.Identity))
	}
}

// pick rotates across connected sessions. With none connected it falls back
// to the first registered session so the attempt still reaches the gateway.
func (a *Adapter) pick() *Session {
	all := a.reg.List()
	if len(all) == 0 {
		return nil
	}
	live := make([]*Session, 0, len(all))
	for _, s := range all {
		if s.Working() {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return all[0]
	}
	return live[int(a.rr.Add(1)-1)%len(live)]
}

// chatID maps a destination to the gateway's chat id form.
func chatID(dest, groupSuffix string) string {
	d := strings.TrimPrefix(strings.TrimSpace(dest), "+")
	if strings.Contains(d, "@") {
		return d
	}
	if model.Classify(d, groupSuffix) == model.ClassGroup {
		return d
	}
	return d + "@c.us"
}

var endpoints = map[model.Kind]string{
	model.KindImage:    "sendImage",
	model.KindVideo:    "sendVideo",
	model.KindDocument: "sendFile",
	model.KindAudio:    "sendVoice",
}

func (a *Adapter) Send(ctx context.Context, dest string, content model.Content) (provider.Result, error) {
	if err := provider.CheckCall(dest, content); err != nil {
		return provider.Result{}, err
	}
	if !a.Available() {
		return provider.Failed(errors.New("session channel not configured")), nil
	}
	s := a.pick()
	if s == nil {
		return provider.Failed(errors.New("no session registered")), nil
	}
	if err := s.Wait(ctx); err != nil {
		return provider.Failed(fmt.Errorf("rate limit wait: %w", err)), nil
	}

	chat := chatID(dest, a.cfg.GroupSuffix)
	var (
		id  string
		err error
	)
	if content.Kind == model.KindText {
		id, err = a.gw.SendText(ctx, s.Identity(), chat, content.Body)
	} else {
		if content.Media.IsZero() {
			return provider.Rejected(fmt.Errorf("%s requires media url", content.Kind)), nil
		}
		caption := content.Body
		if content.Kind == model.KindAudio {
			caption = ""
		}
		f := fileRef{URL: content.Media.URL, Filename: content.Media.Filename, Mimetype: content.Media.Mime}
		id, err = a.gw.SendFile(ctx, endpoints[content.Kind], s.Identity(), chat, f, caption)
	}
	if err != nil {
		if errors.Is(err, ErrGatewayRejected) {
			return provider.Rejected(err), nil
		}
		return provider.Failed(err), nil
	}
	if id == "" {
		id = fmt.Sprintf("%s:%d", s.Identity(), time.Now().UnixNano())
	}
	return provider.OK(id), nil
}
