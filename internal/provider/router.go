package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dispatchd/internal/model"
	logx "dispatchd/pkg/logx"
)

// RoutingConfig holds per-class priority lists by provider name.
type RoutingConfig struct {
	GroupSuffix string   `json:"group_suffix"`
	Contact     []string `json:"contact"`
	Group       []string `json:"group"`
	// AttemptTimeout bounds each adapter call.
	AttemptTimeout time.Duration `json:"-"`
}

func DefaultRouting() RoutingConfig {
	return RoutingConfig{
		GroupSuffix:    model.DefaultGroupSuffix,
		Contact:        []string{"cloudapi", "session"},
		Group:          []string{"session"},
		AttemptTimeout: 30 * time.Second,
	}
}

// Delivery describes a routed send that succeeded, or the last attempt of
// one that did not.
type Delivery struct {
	Provider  string
	MessageID string
}

type Router struct {
	log logx.Logger

	mu        sync.RWMutex
	cfg       RoutingConfig
	providers map[string]Provider
}

func NewRouter(cfg RoutingConfig, log logx.Logger, providers ...Provider) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:       log.With(logx.String("comp", "router")),
		providers: map[string]Provider{},
	}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	r.Apply(cfg)
	return r
}

// Apply swaps the priority lists. In-flight sends keep the lists they started with.
func (r *Router) Apply(cfg RoutingConfig) {
	def := DefaultRouting()
	if cfg.GroupSuffix == "" {
		cfg.GroupSuffix = def.GroupSuffix
	}
	if len(cfg.Contact) == 0 {
		cfg.Contact = def.Contact
	}
	if len(cfg.Group) == 0 {
		cfg.Group = def.Group
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Router) Classify(dest string) model.Class {
	r.mu.RLock()
	suffix := r.cfg.GroupSuffix
	r.mu.RUnlock()
	return model.Classify(dest, suffix)
}

// candidates returns listed adapters that are configured and declare support
// for class, in priority order.
func (r *Router) candidates(class model.Class) ([]Provider, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.cfg.Contact
	if class == model.ClassGroup {
		names = r.cfg.Group
	}
	out := make([]Provider, 0, len(names))
	for _, n := range names {
		p := r.providers[n]
		if p == nil || !p.Supports(class) || !p.Available() {
			continue
		}
		out = append(out, p)
	}
	return out, r.cfg.AttemptTimeout
}

// CheckConfigured reports ErrNoProvider when no adapter for class is even
// statically configured.
func (r *Router) CheckConfigured(class model.Class) error {
	if c, _ := r.candidates(class); len(c) == 0 {
		return fmt.Errorf("%w for %s", ErrNoProvider, class)
	}
	return nil
}

// Select returns the first configured, connected adapter supporting the
// destination's class.
func (r *Router) Select(ctx context.Context, dest string) (Provider, error) {
	class := r.Classify(dest)
	cands, _ := r.candidates(class)
	for _, p := range cands {
		if p.Connected(ctx) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoProvider, class)
}

// Send delivers content to dest. The selected adapter goes first, then every
// other candidate in priority order; the first success wins.
func (r *Router) Send(ctx context.Context, dest string, content model.Content) (Delivery, error) {
	class := r.Classify(dest)
	cands, timeout := r.candidates(class)
	if len(cands) == 0 {
		return Delivery{}, fmt.Errorf("%w for %s", ErrNoProvider, class)
	}

	order := cands
	if sel, err := r.Select(ctx, dest); err == nil {
		order = make([]Provider, 0, len(cands))
		order = append(order, sel)
		for _, p := range cands {
			if p.Name() != sel.Name() {
				order = append(order, p)
			}
		}
	} else {
		r.log.Debug("no connected provider, trying full chain", logx.String("class", string(class)))
	}

	se := &SendError{Class: class}
	var last Delivery
	for _, p := range order {
		if ctx.Err() != nil {
			se.Last = ctx.Err()
			break
		}
		se.Tried = append(se.Tried, p.Name())
		last = Delivery{Provider: p.Name()}

		res, err := r.attempt(ctx, p, dest, content, timeout)
		if err != nil {
			se.Last = fmt.Errorf("%s: %w", p.Name(), err)
			se.Permanent = true
			continue
		}
		if res.Success {
			return Delivery{Provider: p.Name(), MessageID: res.MessageID}, nil
		}
		if res.Err == nil {
			res.Err = errors.New("send failed")
		}
		se.Last = fmt.Errorf("%s: %w", p.Name(), res.Err)
		se.Permanent = res.Permanent
		r.log.Debug("provider attempt failed",
			logx.String("provider", p.Name()), logx.String("dest", dest), logx.Err(res.Err))
	}
	return last, se
}

func (r *Router) attempt(ctx context.Context, p Provider, dest string, content model.Content, timeout time.Duration) (Result, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := p.Send(actx, dest, content)
	if err == nil && !res.Success && res.Err == nil && actx.Err() != nil {
		res.Err = actx.Err()
	}
	return res, err
}

// Statuses probes every registered adapter.
func (r *Router) Statuses(ctx context.Context) []model.ProviderStatus {
	r.mu.RLock()
	ps := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		ps = append(ps, p)
	}
	r.mu.RUnlock()
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name() < ps[j].Name() })

	out := make([]model.ProviderStatus, 0, len(ps))
	for _, p := range ps {
		st := model.ProviderStatus{Name: p.Name(), Available: p.Available(), CheckedAt: time.Now()}
		if st.Available {
			st.Connected = p.Connected(ctx)
		}
		for _, c := range []model.Class{model.ClassContact, model.ClassGroup} {
			if p.Supports(c) {
				st.Classes = append(st.Classes, c)
			}
		}
		out = append(out, st)
	}
	return out
}
