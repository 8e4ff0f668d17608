// Package providertest has a scriptable in-memory provider for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dispatchd/internal/model"
	"dispatchd/internal/provider"
)

// Call is one recorded Send.
type Call struct {
	Destination string
	Content     model.Content
}

// Fake implements provider.Provider. By default it is available, connected,
// supports every class and succeeds.
type Fake struct {
	ID      string
	Classes []model.Class

	mu        sync.Mutex
	available bool
	connected bool
	calls     []Call
	// Script, when set, decides each result.
	script func(n int, dest string) provider.Result
	block  chan struct{}
}

func New(name string, classes ...model.Class) *Fake {
	if len(classes) == 0 {
		classes = []model.Class{model.ClassContact, model.ClassGroup}
	}
	return &Fake{ID: name, Classes: classes, available: true, connected: true}
}

func (f *Fake) Name() string { return f.ID }

func (f *Fake) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *Fake) Connected(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Supports(class model.Class) bool {
	for _, c := range f.Classes {
		if c == class {
			return true
		}
	}
	return false
}

func (f *Fake) SetAvailable(v bool) *Fake {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
	return f
}

func (f *Fake) SetConnected(v bool) *Fake {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
	return f
}

// Script replaces the result function. n counts calls from 1.
func (f *Fake) Script(fn func(n int, dest string) provider.Result) *Fake {
	f.mu.Lock()
	f.script = fn
	f.mu.Unlock()
	return f
}

// AlwaysFail makes every send fail with err.
func (f *Fake) AlwaysFail(err error) *Fake {
	if err == nil {
		err = errors.New("provider down")
	}
	return f.Script(func(int, string) provider.Result { return provider.Failed(err) })
}

// Block makes Send wait until the returned func is called or ctx ends.
func (f *Fake) Block() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *Fake) Send(ctx context.Context, dest string, content model.Content) (provider.Result, error) {
	if err := provider.CheckCall(dest, content); err != nil {
		return provider.Result{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, Call{Destination: dest, Content: content})
	n := len(f.calls)
	script, block := f.script, f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return provider.Failed(ctx.Err()), nil
		}
	}
	if script != nil {
		return script(n, dest), nil
	}
	return provider.OK(fmt.Sprintf("%s-%d", f.ID, n)), nil
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
