package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/model"
	"dispatchd/internal/runtime/tasks"
	"dispatchd/internal/schedule"
	logx "dispatchd/pkg/logx"
)

type fakeMessages struct {
	enqueued []string
	err      error
}

func (f *fakeMessages) Enqueue(_ context.Context, content model.Content, dests []string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if err := content.Validate(); err != nil {
		return "", err
	}
	f.enqueued = append(f.enqueued, dests...)
	return "m1", nil
}

func (f *fakeMessages) Status(_ context.Context, id string) (model.Snapshot, error) {
	if id != "m1" {
		return model.Snapshot{}, dispatch.ErrNotFound
	}
	return model.Snapshot{Message: model.Message{ID: id, Status: model.MessageCompleted, Total: 1, Delivered: 1}}, nil
}

func (f *fakeMessages) RetryFailed(_ context.Context, id string) (int, error) {
	if id != "m1" {
		return 0, dispatch.ErrNotFound
	}
	return 2, nil
}

func (f *fakeMessages) Delete(_ context.Context, id string) error {
	if id == "busy" {
		return dispatch.ErrInFlight
	}
	return nil
}

type fakeSchedules struct {
	created []model.ScheduledSend
	byID    map[string]model.ScheduledSend
}

func (f *fakeSchedules) Create(_ context.Context, sc *model.ScheduledSend) error {
	if !sc.FireAt.After(time.Now()) {
		return schedule.ErrPastFireTime
	}
	sc.ID = fmt.Sprintf("s%d", len(f.created)+1)
	sc.Status = model.SchedulePending
	f.created = append(f.created, *sc)
	f.byID[sc.ID] = *sc
	return nil
}

func (f *fakeSchedules) Get(_ context.Context, id string) (model.ScheduledSend, error) {
	sc, ok := f.byID[id]
	if !ok {
		return model.ScheduledSend{}, schedule.ErrNotFound
	}
	return sc, nil
}

func (f *fakeSchedules) List(context.Context, model.ScheduleStatus, int) ([]model.ScheduledSend, error) {
	return nil, nil
}

func (f *fakeSchedules) Update(_ context.Context, sc *model.ScheduledSend) error {
	cur, ok := f.byID[sc.ID]
	if !ok {
		return schedule.ErrNotFound
	}
	if cur.Status != model.SchedulePending {
		return schedule.ErrNotEditable
	}
	sc.Status = cur.Status
	f.byID[sc.ID] = *sc
	return nil
}

func (f *fakeSchedules) Cancel(_ context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return schedule.ErrNotFound
	}
	return nil
}

func (f *fakeSchedules) Duplicate(_ context.Context, id string, at time.Time) (model.ScheduledSend, error) {
	src, ok := f.byID[id]
	if !ok {
		return model.ScheduledSend{}, schedule.ErrNotFound
	}
	src.ID, src.FireAt, src.Status = id+"-copy", at, model.SchedulePending
	return src, nil
}

func (f *fakeSchedules) Location() *time.Location { return time.UTC }

type fakeTasks struct{}

func (fakeTasks) List() []tasks.Info { return []tasks.Info{{ID: "t1", Name: "dispatch"}} }

func newTestServer(t *testing.T) (*httptest.Server, *fakeMessages, *fakeSchedules) {
	t.Helper()
	msgs := &fakeMessages{}
	scheds := &fakeSchedules{byID: map[string]model.ScheduledSend{}}
	h := &Handler{Messages: msgs, Schedules: scheds, Tasks: fakeTasks{}, Started: time.Now()}
	srv := httptest.NewServer(NewServer(Config{}, h, logx.Nop()).Routes())
	t.Cleanup(srv.Close)
	return srv, msgs, scheds
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestMessageRoutes(t *testing.T) {
	srv, msgs, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/messages", `{"kind":"text","body":"hi","destinations":["6281","6282"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "m1", body["id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, []string{"6281", "6282"}, msgs.enqueued)

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/messages", `{"kind":"text","body":"  ","destinations":["6281"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid content")

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/messages", `{"body":"hi","destinations":["6281"],"extra":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/messages/m1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["message"].(map[string]any)["status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/messages/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/messages/m1/retry", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["reset"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/messages/busy", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/messages/m1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEnqueueConfigErrorIsUnprocessable(t *testing.T) {
	srv, msgs, _ := newTestServer(t)
	msgs.err = &dispatch.ConfigError{Class: model.ClassGroup, Err: errors.New("no provider supports group")}

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/messages", `{"body":"hi","destinations":["123@g.us"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestScheduleRoutes(t *testing.T) {
	srv, _, scheds := newTestServer(t)
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/schedules",
		`{"title":"weekly","content":{"kind":"text","body":"hi"},"selector":{"all":true},"fire_at":"`+at+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "s1", body["id"])
	require.Len(t, scheds.created, 1)
	assert.True(t, scheds.created[0].Selector.All)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/schedules",
		`{"title":"late","content":{"body":"hi"},"selector":{"all":true},"fire_at":"2000-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/schedules", `{"title":"x","fire_at":"not a time"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPatch, srv.URL+"/v1/schedules/s1",
		`{"title":"renamed","content":{"body":"hi"},"selector":{"all":true},"fire_at":"`+at+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed", body["title"])

	done := scheds.byID["s1"]
	done.Status = model.ScheduleCompleted
	scheds.byID["s1"] = done
	resp, _ = do(t, http.MethodPatch, srv.URL+"/v1/schedules/s1",
		`{"title":"again","content":{"body":"hi"},"selector":{"all":true},"fire_at":"`+at+`"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/schedules/s1/duplicate", `{"fire_at":"`+at+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "s1-copy", body["id"])
	assert.Equal(t, "pending", body["status"])

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/schedules/s1/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/schedules/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSchedulesReturnsArray(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/schedules")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out []model.ScheduledSend
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotNil(t, out)
}

func TestHealthAndUnconfigured(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/providers", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/v1/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	var infos []tasks.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "dispatch", infos[0].Name)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, &Handler{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8080"))
}
