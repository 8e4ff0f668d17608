package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/model"
	"dispatchd/internal/runtime/tasks"
	"dispatchd/internal/schedule"
)

type Messages interface {
	Enqueue(ctx context.Context, content model.Content, destinations []string) (string, error)
	Status(ctx context.Context, id string) (model.Snapshot, error)
	RetryFailed(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
}

type Schedules interface {
	Create(ctx context.Context, sc *model.ScheduledSend) error
	Get(ctx context.Context, id string) (model.ScheduledSend, error)
	List(ctx context.Context, status model.ScheduleStatus, limit int) ([]model.ScheduledSend, error)
	Update(ctx context.Context, sc *model.ScheduledSend) error
	Cancel(ctx context.Context, id string) error
	Duplicate(ctx context.Context, id string, fireAt time.Time) (model.ScheduledSend, error)
	Location() *time.Location
}

type Providers interface {
	Statuses(ctx context.Context) []model.ProviderStatus
}

type Tasks interface {
	List() []tasks.Info
}

type Events interface {
	ListEvents(ctx context.Context, ref string, limit int) ([]model.Event, error)
}

// Handler serves the /v1 routes. Nil collaborators answer 503.
type Handler struct {
	Messages  Messages
	Schedules Schedules
	Providers Providers
	Tasks     Tasks
	Events    Events
	Started   time.Time
}

func (h *Handler) Mount(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.enqueue)
		r.Get("/{id}", h.messageStatus)
		r.Delete("/{id}", h.deleteMessage)
		r.Post("/{id}/retry", h.retry)
		r.Get("/{id}/events", h.messageEvents)
	})
	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", h.listSchedules)
		r.Post("/", h.createSchedule)
		r.Get("/{id}", h.getSchedule)
		r.Patch("/{id}", h.updateSchedule)
		r.Post("/{id}/cancel", h.cancelSchedule)
		r.Post("/{id}/duplicate", h.duplicateSchedule)
	})
	r.Get("/providers", h.providers)
	r.Get("/tasks", h.tasks)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ce *dispatch.ConfigError
	switch {
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInFlight), errors.Is(err, schedule.ErrNotEditable):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidContent),
		errors.Is(err, model.ErrNoDestinations),
		errors.Is(err, schedule.ErrPastFireTime),
		errors.Is(err, schedule.ErrNoContent),
		errors.Is(err, schedule.ErrNoSelector),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) { writeError(w, statusFor(err), err) }

var errBadRequest = errors.New("bad request")

// decode reads one strict JSON object.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

var errUnavailable = errors.New("service not configured")

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if !h.Started.IsZero() {
		body["uptime"] = time.Since(h.Started).Truncate(time.Second).String()
	}
	writeJSON(w, http.StatusOK, body)
}

type enqueueRequest struct {
	Kind         model.Kind   `json:"kind"`
	Body         string       `json:"body"`
	Media        *model.Media `json:"media,omitempty"`
	Destinations []string     `json:"destinations"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	if h.Messages == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	id, err := h.Messages.Enqueue(r.Context(), model.Content{Kind: req.Kind, Body: req.Body, Media: req.Media}, req.Destinations)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(model.MessagePending)})
}

func (h *Handler) messageStatus(w http.ResponseWriter, r *http.Request) {
	if h.Messages == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	snap, err := h.Messages.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if h.Messages == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	if err := h.Messages.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	if h.Messages == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	n, err := h.Messages.RetryFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (h *Handler) messageEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	evs, err := h.Events.ListEvents(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
	if err != nil {
		fail(w, err)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// scheduleRequest carries fire_at as text so local wall-clock times can be
// read in the row's timezone.
type scheduleRequest struct {
	Title       string         `json:"title"`
	TemplateRef string         `json:"template_ref"`
	Content     *model.Content `json:"content"`
	Selector    model.Selector `json:"selector"`
	FireAt      string         `json:"fire_at"`
	Timezone    string         `json:"timezone"`
}

func (h *Handler) parseSchedule(r *http.Request) (model.ScheduledSend, error) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		return model.ScheduledSend{}, err
	}
	at, err := schedule.ParseLocalTime(req.FireAt, req.Timezone, h.Schedules.Location())
	if err != nil {
		return model.ScheduledSend{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return model.ScheduledSend{
		Title:       req.Title,
		TemplateRef: req.TemplateRef,
		Content:     req.Content,
		Selector:    req.Selector,
		FireAt:      at,
		Timezone:    req.Timezone,
	}, nil
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	if h.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	sc, err := h.parseSchedule(r)
	if err != nil {
		fail(w, err)
		return
	}
	if err := h.Schedules.Create(r.Context(), &sc); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	if h.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	out, err := h.Schedules.List(r.Context(), model.ScheduleStatus(r.URL.Query().Get("status")), queryInt(r, "limit", 100))
	if err != nil {
		fail(w, err)
		return
	}
	if out == nil {
		out = []model.ScheduledSend{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	if h.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	sc, err := h.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	if h.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	sc, err := h.parseSchedule(r)
	if err != nil {
		fail(w, err)
		return
	}
	sc.ID = chi.URLParam(r, "id")
	if err := h.Schedules.Update(r.Context(), &sc); err != nil {
		fail(w, err)
		return
	}
	got, err := h.Schedules.Get(r.Context(), sc.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (h *Handler) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	if h.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Schedules.Cancel(r.Context(), id); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.ScheduleCancelled)})
}

type duplicateRequest struct {
	FireAt   string `json:"fire_at"`
	Timezone string `json:"timezone"`
}

func (h *Handler) duplicateSchedule(w http.ResponseWriter, r *http.Request) {
	if h.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var req duplicateRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	at, err := schedule.ParseLocalTime(req.FireAt, req.Timezone, h.Schedules.Location())
	if err != nil {
		fail(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	cp, err := h.Schedules.Duplicate(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (h *Handler) providers(w http.ResponseWriter, r *http.Request) {
	if h.Providers == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Providers.Statuses(r.Context()))
}

func (h *Handler) tasks(w http.ResponseWriter, r *http.Request) {
	if h.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Tasks.List())
}
