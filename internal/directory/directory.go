// Package directory resolves destination selectors and content templates
// from static configuration.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"dispatchd/internal/model"
)

var ErrTemplateNotFound = errors.New("template not found")

// Resolver expands a selector into concrete destination ids.
type Resolver interface {
	Resolve(ctx context.Context, sel model.Selector) ([]string, error)
}

// Templates looks up stored content by reference.
type Templates interface {
	Template(ctx context.Context, ref string) (model.Content, error)
}

type Contact struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

type Group struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Config struct {
	Contacts []Contact `json:"contacts"`
	Groups   []Group   `json:"groups"`
}

type Static struct {
	mu       sync.RWMutex
	contacts []Contact
	byTag    map[string][]string
	groups   map[string]string // name or id -> id
}

func NewStatic(cfg Config) *Static {
	s := &Static{}
	s.Apply(cfg)
	return s
}

// Apply replaces the directory contents.
func (s *Static) Apply(cfg Config) {
	byTag := map[string][]string{}
	contacts := make([]Contact, 0, len(cfg.Contacts))
	for _, c := range cfg.Contacts {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			continue
		}
		contacts = append(contacts, c)
		for _, t := range c.Tags {
			t = normTag(t)
			if t != "" {
				byTag[t] = append(byTag[t], c.ID)
			}
		}
	}
	groups := map[string]string{}
	for _, g := range cfg.Groups {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			continue
		}
		groups[id] = id
		if n := normTag(g.Name); n != "" {
			groups[n] = id
		}
	}
	s.mu.Lock()
	s.contacts, s.byTag, s.groups = contacts, byTag, groups
	s.mu.Unlock()
}

func normTag(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Resolve returns explicit ids first, then contacts carrying any selected tag,
// then selected groups. Unknown tags and groups resolve to nothing. The result
// holds no duplicates.
func (s *Static) Resolve(ctx context.Context, sel model.Selector) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, id := range sel.IDs {
		add(id)
	}
	if sel.All {
		for _, c := range s.contacts {
			add(c.ID)
		}
	}
	for _, t := range sel.Tags {
		for _, id := range s.byTag[normTag(t)] {
			add(id)
		}
	}
	for _, g := range sel.Groups {
		if id, ok := s.groups[normTag(g)]; ok {
			add(id)
		} else if id, ok := s.groups[strings.TrimSpace(g)]; ok {
			add(id)
		}
	}
	return out, nil
}

// Tags lists every known tag, sorted.
func (s *Static) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byTag))
	for t := range s.byTag {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TemplateStore is a fixed map of named contents.
type TemplateStore struct {
	mu    sync.RWMutex
	items map[string]model.Content
}

func NewTemplates(items map[string]model.Content) *TemplateStore {
	t := &TemplateStore{}
	t.Apply(items)
	return t
}

func (t *TemplateStore) Apply(items map[string]model.Content) {
	m := make(map[string]model.Content, len(items))
	for k, v := range items {
		m[strings.TrimSpace(k)] = v
	}
	t.mu.Lock()
	t.items = m
	t.mu.Unlock()
}

func (t *TemplateStore) Template(_ context.Context, ref string) (model.Content, error) {
	t.mu.RLock()
	c, ok := t.items[strings.TrimSpace(ref)]
	t.mu.RUnlock()
	if !ok {
		return model.Content{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, ref)
	}
	if err := c.Validate(); err != nil {
		return model.Content{}, fmt.Errorf("template %q: %w", ref, err)
	}
	return c, nil
}
