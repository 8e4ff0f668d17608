package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "dispatchd/pkg/logx"
)

func TestGoTracksStateAndHistory(t *testing.T) {
	p := New(context.Background(), logx.Nop())
	release := make(chan struct{})

	id, err := p.Go("process", "m1", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Active("m1"))
	assert.Equal(t, 0, p.Active("m2"))

	list := p.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, StateRunning, list[0].State)

	close(release)
	require.NoError(t, p.Wait(context.Background()))
	list = p.List()
	require.Len(t, list, 1)
	assert.Equal(t, StateDone, list[0].State)
	assert.False(t, list[0].EndedAt.IsZero())
}

func TestCancelStopsOneTask(t *testing.T) {
	p := New(context.Background(), logx.Nop())
	id, err := p.Go("blocker", "", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	assert.True(t, p.Cancel(id))
	require.NoError(t, p.Wait(context.Background()))
	assert.False(t, p.Cancel(id))
	assert.Equal(t, StateCanceled, p.List()[0].State)
}

func TestPanicBecomesFailure(t *testing.T) {
	p := New(context.Background(), logx.Nop())
	_, err := p.Go("boom", "", func(context.Context) error { panic("kaboom") })
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	info := p.List()[0]
	assert.Equal(t, StateFailed, info.State)
	assert.Contains(t, info.Err, "kaboom")
}

func TestErrorBecomesFailure(t *testing.T) {
	p := New(context.Background(), logx.Nop())
	_, err := p.Go("write", "m1", func(context.Context) error { return errors.New("disk full") })
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	info := p.List()[0]
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, "disk full", info.Err)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	p := New(context.Background(), logx.Nop())
	_, err := p.Go("loop", "", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	_, err = p.Go("late", "", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdownTimesOut(t *testing.T) {
	p := New(context.Background(), logx.Nop())
	release := make(chan struct{})
	defer close(release)
	_, err := p.Go("stubborn", "", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}

func TestLoopRestartsAfterError(t *testing.T) {
	p := New(context.Background(), logx.Nop())
	var runs atomic.Int32
	_, err := p.Loop("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.EqualValues(t, 3, runs.Load())
	info := p.List()[0]
	assert.Equal(t, StateDone, info.State)
	assert.Equal(t, 2, info.Restarts)
}
