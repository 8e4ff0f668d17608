package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/model"
	"dispatchd/internal/provider"
	"dispatchd/internal/provider/providertest"
	logx "dispatchd/pkg/logx"
)

func newRouter(ps ...provider.Provider) *provider.Router {
	return provider.NewRouter(provider.DefaultRouting(), logx.Nop(), ps...)
}

var text = model.Content{Kind: model.KindText, Body: "hi"}

func TestSelectPrefersFirstConnected(t *testing.T) {
	official := providertest.New("cloudapi", model.ClassContact)
	session := providertest.New("session")
	r := newRouter(official, session)

	p, err := r.Select(context.Background(), "6281111")
	require.NoError(t, err)
	assert.Equal(t, "cloudapi", p.Name())

	official.SetConnected(false)
	p, err = r.Select(context.Background(), "6281111")
	require.NoError(t, err)
	assert.Equal(t, "session", p.Name())

	session.SetConnected(false)
	_, err = r.Select(context.Background(), "6281111")
	assert.ErrorIs(t, err, provider.ErrNoProvider)
}

func TestGroupNeverRoutedToContactOnlyAdapter(t *testing.T) {
	official := providertest.New("cloudapi", model.ClassContact)
	session := providertest.New("session").AlwaysFail(nil)
	cfg := provider.DefaultRouting()
	cfg.Group = []string{"cloudapi", "session"}
	r := provider.NewRouter(cfg, logx.Nop(), official, session)

	p, err := r.Select(context.Background(), "123456@g.us")
	require.NoError(t, err)
	assert.Equal(t, "session", p.Name())

	_, err = r.Send(context.Background(), "123456@g.us", text)
	require.Error(t, err)
	assert.Zero(t, official.CallCount())
	assert.Equal(t, 1, session.CallCount())

	session.SetConnected(false)
	_, err = r.Select(context.Background(), "123456@g.us")
	assert.ErrorIs(t, err, provider.ErrNoProvider)
}

func TestSendFallsBackInPriorityOrder(t *testing.T) {
	official := providertest.New("cloudapi", model.ClassContact).AlwaysFail(errors.New("rate limited"))
	session := providertest.New("session")
	r := newRouter(official, session)

	d, err := r.Send(context.Background(), "6281111", text)
	require.NoError(t, err)
	assert.Equal(t, "session", d.Provider)
	assert.Equal(t, "session-1", d.MessageID)
	assert.Equal(t, 1, official.CallCount())
}

func TestSendTriesEveryAdapterWhenNoneConnected(t *testing.T) {
	official := providertest.New("cloudapi", model.ClassContact).SetConnected(false)
	session := providertest.New("session").SetConnected(false)
	r := newRouter(official, session)

	d, err := r.Send(context.Background(), "6281111", text)
	require.NoError(t, err)
	assert.Equal(t, "cloudapi", d.Provider)
	assert.Zero(t, session.CallCount())
}

func TestSendDistinguishesConfigFromOutage(t *testing.T) {
	unconfigured := providertest.New("cloudapi", model.ClassContact).SetAvailable(false)
	r := newRouter(unconfigured)
	_, err := r.Send(context.Background(), "6281111", text)
	assert.ErrorIs(t, err, provider.ErrNoProvider)
	assert.False(t, errors.Is(err, provider.ErrAllProvidersFailed))
	assert.ErrorIs(t, r.CheckConfigured(model.ClassContact), provider.ErrNoProvider)

	down := errors.New("connection refused")
	failing := providertest.New("cloudapi", model.ClassContact).AlwaysFail(down)
	r = newRouter(failing)
	_, err = r.Send(context.Background(), "6281111", text)
	assert.ErrorIs(t, err, provider.ErrAllProvidersFailed)
	assert.ErrorIs(t, err, down)
	var se *provider.SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"cloudapi"}, se.Tried)
	assert.NoError(t, r.CheckConfigured(model.ClassContact))
}

func TestSendAttemptTimeout(t *testing.T) {
	slow := providertest.New("session")
	release := slow.Block()
	defer release()
	cfg := provider.DefaultRouting()
	cfg.AttemptTimeout = 20 * time.Millisecond
	r := provider.NewRouter(cfg, logx.Nop(), slow)

	start := time.Now()
	_, err := r.Send(context.Background(), "6281111", text)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStatuses(t *testing.T) {
	official := providertest.New("cloudapi", model.ClassContact).SetAvailable(false)
	session := providertest.New("session")
	st := newRouter(session, official).Statuses(context.Background())
	require.Len(t, st, 2)
	assert.Equal(t, "cloudapi", st[0].Name)
	assert.False(t, st[0].Available)
	assert.False(t, st[0].Connected)
	assert.Equal(t, []model.Class{model.ClassContact}, st[0].Classes)
	assert.True(t, st[1].Connected)
}
