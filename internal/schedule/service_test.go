package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/directory"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, c model.Content, dests []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	f.calls = append(f.calls, dests)
	return "msg-" + dests[0], nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store storage.Store
	enq   *fakeEnqueuer
	bus   eventbus.Bus
	svc   *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, enq: &fakeEnqueuer{}, bus: eventbus.New()}
	f.svc = New(Deps{
		Store:    st,
		Enqueuer: f.enq,
		Directory: directory.NewStatic(directory.Config{
			Contacts: []directory.Contact{{ID: "6281", Tags: []string{"vip"}}, {ID: "6282", Tags: []string{"vip"}}},
			Groups:   []directory.Group{{ID: "1203@g.us", Name: "ops"}},
		}),
		Templates: directory.NewTemplates(map[string]model.Content{"promo": {Body: "sale"}}),
		Bus:       f.bus,
		Log:       logx.Nop(),
	}, cfg)
	return f
}

// due creates a row firing shortly and moves the service clock past it.
func (f *fixture) due(t *testing.T, sc model.ScheduledSend) model.ScheduledSend {
	t.Helper()
	if sc.FireAt.IsZero() {
		sc.FireAt = time.Now().Add(time.Minute)
	}
	f.svc.now = time.Now
	require.NoError(t, f.svc.Create(context.Background(), &sc))
	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	return sc
}

func TestCreateRejectsPastFireTime(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	err := f.svc.Create(ctx, &model.ScheduledSend{
		Title:    "late",
		Content:  &model.Content{Body: "hi"},
		Selector: model.Selector{IDs: []string{"6281"}},
		FireAt:   time.Now().Add(-time.Minute),
	})
	assert.ErrorIs(t, err, ErrPastFireTime)

	all, err := f.svc.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, all)

	rep, err := f.svc.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Due)
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	assert.ErrorIs(t, f.svc.Create(ctx, &model.ScheduledSend{Selector: model.Selector{All: true}, FireAt: future}), ErrNoContent)
	assert.ErrorIs(t, f.svc.Create(ctx, &model.ScheduledSend{Content: &model.Content{Body: "x"}, FireAt: future}), ErrNoSelector)
	assert.ErrorIs(t, f.svc.Create(ctx, &model.ScheduledSend{
		Content: &model.Content{Kind: model.KindVideo}, Selector: model.Selector{All: true}, FireAt: future,
	}), model.ErrInvalidContent)
	assert.Error(t, f.svc.Create(ctx, &model.ScheduledSend{
		Content: &model.Content{Body: "x"}, Selector: model.Selector{All: true}, FireAt: future, Timezone: "Mars/Olympus",
	}))

	sc := model.ScheduledSend{TemplateRef: "promo", Selector: model.Selector{Tags: []string{"vip"}}, FireAt: future}
	require.NoError(t, f.svc.Create(ctx, &sc))
	assert.NotEmpty(t, sc.ID)
	assert.Equal(t, model.SchedulePending, sc.Status)
}

func TestConcurrentPollsClaimOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.due(t, model.ScheduledSend{Title: "race", Content: &model.Content{Body: "hi"}, Selector: model.Selector{IDs: []string{"6281"}}})

	var wg sync.WaitGroup
	reports := make([]PollReport, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep, err := f.svc.Poll(context.Background())
			assert.NoError(t, err)
			reports[i] = rep
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, reports[0].Claimed+reports[1].Claimed)
	assert.Equal(t, 1, f.enq.count())
}

func TestPollExecutesWithTemplateAndDirectory(t *testing.T) {
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(8)
	defer unsub()
	sc := f.due(t, model.ScheduledSend{
		Title:       "weekly",
		TemplateRef: "promo",
		Selector:    model.Selector{IDs: []string{"6289"}, Tags: []string{"vip"}, Groups: []string{"ops"}},
	})

	rep, err := f.svc.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollReport{Due: 1, Claimed: 1, Executed: 1}, rep)
	assert.Equal(t, [][]string{{"6289", "6281", "6282", "1203@g.us"}}, f.enq.calls)

	got, err := f.svc.Get(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleCompleted, got.Status)
	assert.Equal(t, "msg-6289", got.MessageID)
	assert.Contains(t, got.Result, "4 destinations")

	e := <-events
	assert.Equal(t, eventbus.ScheduleExecuted, e.Type)
	assert.Equal(t, 4, e.Data.(eventbus.Schedule).Targets)
}

func TestRowFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(8)
	defer unsub()
	empty := f.due(t, model.ScheduledSend{Title: "nobody", Content: &model.Content{Body: "hi"}, Selector: model.Selector{Tags: []string{"ghost"}}, FireAt: time.Now().Add(time.Minute)})
	missing := f.due(t, model.ScheduledSend{Title: "tpl", TemplateRef: "gone", Selector: model.Selector{All: true}, FireAt: time.Now().Add(2 * time.Minute)})
	ok := f.due(t, model.ScheduledSend{Title: "fine", Content: &model.Content{Body: "hi"}, Selector: model.Selector{All: true}, FireAt: time.Now().Add(3 * time.Minute)})

	rep, err := f.svc.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Claimed)
	assert.Equal(t, 1, rep.Executed)
	assert.Equal(t, 2, rep.Failed)

	ctx := context.Background()
	got, _ := f.svc.Get(ctx, empty.ID)
	assert.Equal(t, model.ScheduleFailed, got.Status)
	assert.Contains(t, got.Error, ErrNoTargets.Error())
	got, _ = f.svc.Get(ctx, missing.ID)
	assert.Equal(t, model.ScheduleFailed, got.Status)
	assert.Contains(t, got.Error, "template")
	got, _ = f.svc.Get(ctx, ok.ID)
	assert.Equal(t, model.ScheduleCompleted, got.Status)

	var failed int
	for i := 0; i < 3; i++ {
		if e := <-events; e.Type == eventbus.ScheduleFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestEnqueueErrorFailsRow(t *testing.T) {
	f := newFixture(t, Config{})
	f.enq.err = errors.New("no provider available")
	sc := f.due(t, model.ScheduledSend{Content: &model.Content{Body: "hi"}, Selector: model.Selector{IDs: []string{"6281"}}})

	_, err := f.svc.Poll(context.Background())
	require.NoError(t, err)
	got, err := f.svc.Get(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleFailed, got.Status)
	assert.Contains(t, got.Error, "no provider available")
	assert.Empty(t, got.MessageID)
}

func TestEditAndCancelOnlyWhilePending(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sc := model.ScheduledSend{Title: "a", Content: &model.Content{Body: "hi"}, Selector: model.Selector{IDs: []string{"6281"}}, FireAt: time.Now().Add(time.Hour)}
	require.NoError(t, f.svc.Create(ctx, &sc))

	sc.Title = "b"
	sc.FireAt = time.Now().Add(2 * time.Hour)
	require.NoError(t, f.svc.Update(ctx, &sc))
	got, _ := f.svc.Get(ctx, sc.ID)
	assert.Equal(t, "b", got.Title)

	_, err := f.store.SetScheduleStatus(ctx, sc.ID, model.ScheduleExecuting, model.SchedulePending)
	require.NoError(t, err)
	sc.Title = "c"
	assert.ErrorIs(t, f.svc.Update(ctx, &sc), ErrNotEditable)
	assert.ErrorIs(t, f.svc.Cancel(ctx, sc.ID), ErrNotEditable)

	other := model.ScheduledSend{Content: &model.Content{Body: "hi"}, Selector: model.Selector{All: true}, FireAt: time.Now().Add(time.Hour)}
	require.NoError(t, f.svc.Create(ctx, &other))
	require.NoError(t, f.svc.Cancel(ctx, other.ID))
	assert.ErrorIs(t, f.svc.Cancel(ctx, other.ID), ErrNotEditable)
	got, _ = f.svc.Get(ctx, other.ID)
	assert.Equal(t, model.ScheduleCancelled, got.Status)

	assert.ErrorIs(t, f.svc.Cancel(ctx, "missing"), ErrNotFound)
	_, err = f.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateCopiesTerminalRow(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	src := f.due(t, model.ScheduledSend{Title: "src", Content: &model.Content{Body: "hi"}, Selector: model.Selector{Tags: []string{"vip"}}})
	_, err := f.svc.Poll(ctx)
	require.NoError(t, err)

	f.svc.now = time.Now
	_, err = f.svc.Duplicate(ctx, src.ID, time.Now().Add(-time.Second))
	assert.ErrorIs(t, err, ErrPastFireTime)

	cp, err := f.svc.Duplicate(ctx, src.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, cp.ID)
	assert.Equal(t, model.SchedulePending, cp.Status)
	assert.Empty(t, cp.MessageID)
	assert.Equal(t, "src", cp.Title)
	assert.Equal(t, []string{"vip"}, cp.Selector.Tags)

	orig, _ := f.svc.Get(ctx, src.ID)
	assert.Equal(t, model.ScheduleCompleted, orig.Status)
}

func TestStartFailsInterruptedAndPolls(t *testing.T) {
	f := newFixture(t, Config{Enabled: true, Poll: "@every 1s"})
	ctx := context.Background()

	stuck := model.ScheduledSend{Content: &model.Content{Body: "hi"}, Selector: model.Selector{All: true}, FireAt: time.Now().Add(time.Hour)}
	require.NoError(t, f.svc.Create(ctx, &stuck))
	_, _ = f.store.SetScheduleStatus(ctx, stuck.ID, model.ScheduleExecuting, model.SchedulePending)
	sc := f.due(t, model.ScheduledSend{Content: &model.Content{Body: "hi"}, Selector: model.Selector{IDs: []string{"6281"}}})

	require.NoError(t, f.svc.Start(ctx))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.svc.Stop(sctx)
	})

	got, _ := f.svc.Get(ctx, stuck.ID)
	assert.Equal(t, model.ScheduleFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")

	assert.Eventually(t, func() bool {
		got, err := f.svc.Get(ctx, sc.ID)
		return err == nil && got.Status == model.ScheduleCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStartRejectsBadPollSpec(t *testing.T) {
	f := newFixture(t, Config{Enabled: true, Poll: "every now and then"})
	assert.Error(t, f.svc.Start(context.Background()))
}

func TestParseLocalTime(t *testing.T) {
	jkt, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	got, err := ParseLocalTime("2030-05-01 09:30", "Asia/Jakarta", nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2030, 5, 1, 9, 30, 0, 0, jkt)))

	got, err = ParseLocalTime("2030-05-01T09:30:15", "", jkt)
	require.NoError(t, err)
	assert.Equal(t, 15, got.Second())
	assert.Equal(t, jkt, got.Location())

	got, err = ParseLocalTime("2030-05-01T09:30:00Z", "Asia/Jakarta", nil)
	require.NoError(t, err)
	assert.Equal(t, 9, got.UTC().Hour())

	_, err = ParseLocalTime("tomorrow", "", nil)
	assert.Error(t, err)
	_, err = ParseLocalTime("2030-05-01 09:30", "Nowhere/Land", nil)
	assert.Error(t, err)
}
