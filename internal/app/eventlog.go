package app

import (
	"context"
	"encoding/json"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

// eventLog persists every bus event to the events table.
type eventLog struct {
	store storage.Store
	log   logx.Logger
	ch    <-chan eventbus.Event
	unsub func()
}

// newEventLog subscribes immediately so no event published after it
// returns is missed.
func newEventLog(bus eventbus.Bus, store storage.Store, log logx.Logger) *eventLog {
	ch, unsub := bus.Subscribe(256)
	return &eventLog{store: store, log: log, ch: ch, unsub: unsub}
}

func (l *eventLog) run(ctx context.Context) error {
	defer l.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-l.ch:
			if !ok {
				return nil
			}
			rec := toRecord(e)
			l.log.Debug("event", logx.String("type", rec.Type), logx.String("ref", rec.Ref))
			// Writes outlive ctx so the last events before shutdown land.
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := l.store.AppendEvent(wctx, rec)
			cancel()
			if err != nil {
				l.log.Warn("event persist failed", logx.String("type", rec.Type), logx.Err(err))
			}
		}
	}
}

// toRecord keys the event by the entity it is about.
func toRecord(e eventbus.Event) model.Event {
	rec := model.Event{Type: string(e.Type), At: e.Time}
	switch d := e.Data.(type) {
	case eventbus.Delivery:
		rec.Ref = d.MessageID
	case eventbus.Schedule:
		rec.Ref = d.ScheduleID
	case eventbus.Recovery:
		rec.Ref = d.MessageID
	case eventbus.Session:
		rec.Ref = d.Identity
		d.QR = ""
		e.Data = d
	}
	if e.Data != nil {
		if b, err := json.Marshal(e.Data); err == nil {
			rec.Data = string(b)
		}
	}
	return rec
}
