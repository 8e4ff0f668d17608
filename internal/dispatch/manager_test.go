package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/provider"
	"dispatchd/internal/provider/providertest"
	"dispatchd/internal/receipts"
	"dispatchd/internal/runtime/tasks"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

type harness struct {
	store  storage.Store
	pool   *tasks.Pool
	bus    eventbus.Bus
	mgr    *Manager
	sleeps atomic.Int32
}

func newHarness(t *testing.T, rc receipts.Cache, ps ...provider.Provider) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool := tasks.New(context.Background(), logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	h := &harness{store: st, pool: pool, bus: eventbus.New()}
	h.mgr = New(Deps{
		Store:    st,
		Router:   provider.NewRouter(provider.DefaultRouting(), logx.Nop(), ps...),
		Pool:     pool,
		Bus:      h.bus,
		Receipts: rc,
		Log:      logx.Nop(),
	}, Config{SendDelay: time.Millisecond})
	h.mgr.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps.Add(1)
		return ctx.Err()
	}
	return h
}

var hello = model.Content{Kind: model.KindText, Body: "hello"}

func (h *harness) waitFinal(t *testing.T, id string) model.Snapshot {
	t.Helper()
	var snap model.Snapshot
	require.Eventually(t, func() bool {
		s, err := h.mgr.Status(context.Background(), id)
		if err != nil {
			return false
		}
		snap = s
		return s.Message.Status.Terminal() && !h.mgr.Running(id)
	}, 3*time.Second, 5*time.Millisecond)
	checkInvariants(t, snap)
	return snap
}

func checkInvariants(t *testing.T, s model.Snapshot) {
	t.Helper()
	m := s.Message
	assert.LessOrEqual(t, m.Delivered+m.Failed, m.Total)
	assert.Len(t, s.Items, m.Total)
	allTerminal := true
	for _, it := range s.Items {
		assert.LessOrEqual(t, it.Attempts, model.MaxAttempts, it.Destination)
		if it.Status == model.ItemFailed {
			assert.Equal(t, model.MaxAttempts, it.Attempts, it.Destination)
		}
		if !it.Status.Terminal() {
			allTerminal = false
		}
	}
	assert.Equal(t, allTerminal, m.Status.Terminal(), "message terminal iff every item is")
}

func TestEnqueueDeliversEveryDestination(t *testing.T) {
	session := providertest.New("session")
	h := newHarness(t, nil, session)
	events, unsub := h.bus.Subscribe(32)
	defer unsub()

	id, err := h.mgr.Enqueue(context.Background(), hello, []string{"6281", "6282", "6283"})
	require.NoError(t, err)
	snap := h.waitFinal(t, id)

	assert.Equal(t, model.MessageCompleted, snap.Message.Status)
	assert.Equal(t, 3, snap.Message.Delivered)
	assert.Zero(t, snap.Message.Failed)
	for _, it := range snap.Items {
		assert.Equal(t, model.ItemDelivered, it.Status)
		assert.Equal(t, 1, it.Attempts)
		assert.Equal(t, "session", it.Provider)
		assert.NotEmpty(t, it.ProviderMessageID)
	}
	assert.Equal(t, 3, session.CallCount())
	assert.EqualValues(t, 2, h.sleeps.Load(), "attempts after the first are paced")

	var delivered, completed int
	timeout := time.After(time.Second)
	for completed == 0 {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.MessageDelivered:
				delivered++
			case eventbus.MessageCompleted:
				completed++
			}
		case <-timeout:
			t.Fatal("no completion event")
		}
	}
	assert.Equal(t, 3, delivered)
}

func TestExhaustedDestinationFails(t *testing.T) {
	session := providertest.New("session").AlwaysFail(errors.New("gateway down"))
	h := newHarness(t, nil, session)

	id, err := h.mgr.Enqueue(context.Background(), hello, []string{"6281"})
	require.NoError(t, err)
	snap := h.waitFinal(t, id)

	assert.Equal(t, model.MessageFailed, snap.Message.Status)
	assert.Zero(t, snap.Message.Delivered)
	assert.Equal(t, 1, snap.Message.Failed)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, model.ItemFailed, snap.Items[0].Status)
	assert.Equal(t, model.MaxAttempts, snap.Items[0].Attempts)
	assert.Contains(t, snap.Items[0].LastError, "gateway down")
	assert.Equal(t, model.MaxAttempts, session.CallCount())
}

func TestPartialFailure(t *testing.T) {
	session := providertest.New("session").Script(func(n int, dest string) provider.Result {
		if dest == "6282" {
			return provider.Failed(errors.New("unreachable"))
		}
		return provider.OK("ok")
	})
	h := newHarness(t, nil, session)

	id, err := h.mgr.Enqueue(context.Background(), hello, []string{"6281", "6282", "6283"})
	require.NoError(t, err)
	snap := h.waitFinal(t, id)

	assert.Equal(t, model.MessageFailed, snap.Message.Status)
	assert.Equal(t, 2, snap.Message.Delivered)
	assert.Equal(t, 1, snap.Message.Failed)
}

func TestTransientFailureRecovers(t *testing.T) {
	session := providertest.New("session").Script(func(n int, _ string) provider.Result {
		if n < 3 {
			return provider.Failed(errors.New("timeout"))
		}
		return provider.OK("late")
	})
	h := newHarness(t, nil, session)

	id, err := h.mgr.Enqueue(context.Background(), hello, []string{"6281"})
	require.NoError(t, err)
	snap := h.waitFinal(t, id)

	assert.Equal(t, model.MessageCompleted, snap.Message.Status)
	assert.Equal(t, 3, snap.Items[0].Attempts)
	assert.Equal(t, "late", snap.Items[0].ProviderMessageID)
}

func TestPermanentRejectionStillConsumesAttempts(t *testing.T) {
	session := providertest.New("session").Script(func(int, string) provider.Result {
		return provider.Rejected(errors.New("invalid recipient"))
	})
	h := newHarness(t, nil, session)

	id, err := h.mgr.Enqueue(context.Background(), hello, []string{"6281"})
	require.NoError(t, err)
	snap := h.waitFinal(t, id)
	assert.Equal(t, model.MessageFailed, snap.Message.Status)
	assert.Equal(t, model.MaxAttempts, session.CallCount())
}

func TestEnqueueValidation(t *testing.T) {
	contactOnly := providertest.New("cloudapi", model.ClassContact)
	h := newHarness(t, nil, contactOnly)
	ctx := context.Background()

	_, err := h.mgr.Enqueue(ctx, hello, []string{"  ", ""})
	assert.ErrorIs(t, err, model.ErrNoDestinations)

	_, err = h.mgr.Enqueue(ctx, model.Content{Kind: model.KindImage}, []string{"6281"})
	assert.ErrorIs(t, err, model.ErrInvalidContent)

	_, err = h.mgr.Enqueue(ctx, hello, []string{"6281", "1203@g.us"})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, model.ClassGroup, ce.Class)
	assert.ErrorIs(t, err, provider.ErrNoProvider)

	msgs, err := h.store.ListMessages(ctx, "", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected requests persist nothing")
}

func TestEnqueueDeduplicates(t *testing.T) {
	h := newHarness(t, nil, providertest.New("session"))
	id, err := h.mgr.Enqueue(context.Background(), hello, []string{"6281", " 6281 ", "6282", "6281"})
	require.NoError(t, err)
	snap := h.waitFinal(t, id)
	assert.Equal(t, 2, snap.Message.Total)
	assert.Equal(t, []string{"6281", "6282"}, snap.Message.Destinations)
}

func TestRetryFailedNoopLeavesMessageUntouched(t *testing.T) {
	h := newHarness(t, nil, providertest.New("session"))
	ctx := context.Background()
	id, err := h.mgr.Enqueue(ctx, hello, []string{"6281"})
	require.NoError(t, err)
	before := h.waitFinal(t, id)

	n, err := h.mgr.RetryFailed(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, h.mgr.Running(id))

	after, err := h.mgr.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Message.Status, after.Message.Status)
	assert.Equal(t, before.Message.UpdatedAt, after.Message.UpdatedAt)

	_, err = h.mgr.RetryFailed(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryFailedResendsOnlyFailedItems(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	session := providertest.New("session").Script(func(n int, dest string) provider.Result {
		if dest == "6282" && down.Load() {
			return provider.Failed(errors.New("down"))
		}
		return provider.OK("ok")
	})
	h := newHarness(t, nil, session)
	ctx := context.Background()

	id, err := h.mgr.Enqueue(ctx, hello, []string{"6281", "6282"})
	require.NoError(t, err)
	snap := h.waitFinal(t, id)
	require.Equal(t, model.MessageFailed, snap.Message.Status)
	calls := session.CallCount()

	release := session.Block()
	down.Store(false)
	n, err := h.mgr.RetryFailed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err = h.mgr.Status(ctx, id)
	require.NoError(t, err)
	assert.False(t, snap.Message.Status.Terminal(), "reset items reopen the message")
	checkInvariants(t, snap)
	release()

	snap = h.waitFinal(t, id)
	assert.Equal(t, model.MessageCompleted, snap.Message.Status)
	assert.Equal(t, 2, snap.Message.Delivered)
	assert.Zero(t, snap.Message.Failed)
	assert.Equal(t, calls+1, session.CallCount(), "delivered items are not resent")
}

func TestRetryFailedWithoutPoolLeavesMessageResumable(t *testing.T) {
	session := providertest.New("session").AlwaysFail(errors.New("down"))
	h := newHarness(t, nil, session)
	ctx := context.Background()

	id, err := h.mgr.Enqueue(ctx, hello, []string{"6281"})
	require.NoError(t, err)
	require.Equal(t, model.MessageFailed, h.waitFinal(t, id).Message.Status)

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Shutdown(sctx))

	n, err := h.mgr.RetryFailed(ctx, id)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, tasks.ErrClosed)
	assert.False(t, h.mgr.Running(id), "a refused submit releases its slot")

	snap, err := h.mgr.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.MessagePending, snap.Message.Status)
	assert.Equal(t, model.ItemPending, snap.Items[0].Status)
	checkInvariants(t, snap)
}

func TestSubmitReservesRunSlot(t *testing.T) {
	session := providertest.New("session")
	release := session.Block()
	defer release()
	h := newHarness(t, nil, session)
	ctx := context.Background()

	msg := model.Message{ID: "m1", Content: hello, Destinations: []string{"6281"}}
	require.NoError(t, h.store.CreateMessage(ctx, &msg))

	require.NoError(t, h.mgr.Submit("m1"))
	assert.True(t, h.mgr.Running("m1"))
	assert.ErrorIs(t, h.mgr.Delete(ctx, "m1"), ErrInFlight)

	require.Eventually(t, func() bool { return session.CallCount() == 1 }, time.Second, 5*time.Millisecond)
	release()
	assert.Equal(t, model.MessageCompleted, h.waitFinal(t, "m1").Message.Status)
}

func TestReceiptSkipsResend(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := receipts.NewRedisCache(rdb, time.Hour, "")

	session := providertest.New("session")
	h := newHarness(t, rc, session)
	ctx := context.Background()

	msg := model.Message{ID: "m1", Content: hello, Destinations: []string{"6281", "6282"}}
	require.NoError(t, h.store.CreateMessage(ctx, &msg))
	require.NoError(t, rc.Put(ctx, "m1", "6281", receipts.Receipt{Provider: "cloudapi", ProviderMessageID: "wamid.9", SentAt: time.Now()}))

	require.NoError(t, h.mgr.ProcessQueue(ctx, "m1"))
	snap, err := h.mgr.Status(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageCompleted, snap.Message.Status)
	assert.Equal(t, "wamid.9", snap.Items[0].ProviderMessageID)
	assert.Zero(t, snap.Items[0].Attempts)
	assert.Equal(t, 1, session.CallCount())
	assert.Equal(t, "6282", session.Calls()[0].Destination)

	_, hit, err := rc.Get(ctx, "m1", "6282")
	require.NoError(t, err)
	assert.True(t, hit, "fresh deliveries are recorded")
}

func TestShutdownReturnsMessageToPending(t *testing.T) {
	session := providertest.New("session")
	release := session.Block()
	defer release()
	h := newHarness(t, nil, session)

	id, err := h.mgr.Enqueue(context.Background(), hello, []string{"6281", "6282"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return session.CallCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Shutdown(ctx))

	snap, err := h.mgr.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.MessagePending, snap.Message.Status)
	for _, it := range snap.Items {
		assert.Equal(t, model.ItemPending, it.Status)
		assert.Zero(t, it.Attempts, "an interrupted attempt does not count")
	}
	assert.False(t, h.mgr.Running(id))
}

func TestConcurrentProcessCoalesces(t *testing.T) {
	session := providertest.New("session")
	release := session.Block()
	h := newHarness(t, nil, session)
	ctx := context.Background()

	msg := model.Message{ID: "m1", Content: hello, Destinations: []string{"6281"}}
	require.NoError(t, h.store.CreateMessage(ctx, &msg))

	done := make(chan error, 1)
	go func() { done <- h.mgr.ProcessQueue(ctx, "m1") }()
	require.Eventually(t, func() bool { return session.CallCount() == 1 }, time.Second, 5*time.Millisecond)

	// A second call while the first runs returns at once.
	require.NoError(t, h.mgr.ProcessQueue(ctx, "m1"))
	assert.ErrorIs(t, h.mgr.Delete(ctx, "m1"), ErrInFlight)

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, session.CallCount(), "the follow-up run finds nothing pending")

	snap := h.waitFinal(t, "m1")
	assert.Equal(t, model.MessageCompleted, snap.Message.Status)

	require.NoError(t, h.mgr.Delete(ctx, "m1"))
	_, err := h.mgr.Status(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.mgr.Delete(ctx, "m1"), ErrNotFound)
}

func TestFailureEventCarriesItem(t *testing.T) {
	session := providertest.New("session").AlwaysFail(errors.New("nope"))
	h := newHarness(t, nil, session)
	events, unsub := h.bus.Subscribe(32)
	defer unsub()

	id, err := h.mgr.Enqueue(context.Background(), hello, []string{"6281"})
	require.NoError(t, err)
	h.waitFinal(t, id)

	var item, rollup *eventbus.Delivery
	timeout := time.After(time.Second)
	for rollup == nil {
		select {
		case e := <-events:
			if e.Type != eventbus.MessageFailed {
				continue
			}
			d := e.Data.(eventbus.Delivery)
			if d.Destination != "" {
				item = &d
			} else {
				rollup = &d
			}
		case <-timeout:
			t.Fatal("no rollup event")
		}
	}
	require.NotNil(t, item)
	assert.Equal(t, "6281", item.Destination)
	assert.Equal(t, model.MaxAttempts, item.Attempts)
	assert.Equal(t, "1 of 1 destinations failed", rollup.Error)
}
