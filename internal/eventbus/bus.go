package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an engine event. Observers filter on it.
type Type string

const (
	MessageDelivered   Type = "message.delivered"
	MessageFailed      Type = "message.failed"
	MessageCompleted   Type = "message.completed"
	ScheduleExecuted   Type = "schedule.executed"
	ScheduleFailed     Type = "schedule.failed"
	RecoveryReconciled Type = "recovery.reconciled"

	SessionConnected    Type = "session.connected"
	SessionDisconnected Type = "session.disconnected"
	SessionQR           Type = "session.qr"
)

// Event is an in-memory signal published by the engine.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get a buffered channel; a slow subscriber drops events.
//
// Data is one of the payload structs below.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

// Delivery is the payload of message.* events.
type Delivery struct {
	MessageID   string `json:"message_id"`
	Destination string `json:"destination,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Error       string `json:"error,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Schedule is the payload of schedule.* events.
type Schedule struct {
	ScheduleID string `json:"schedule_id"`
	Title      string `json:"title,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Targets    int    `json:"targets,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Recovery is the payload of recovery.reconciled.
type Recovery struct {
	MessageID string `json:"message_id"`
	Action    string `json:"action"`
	Reset     int    `json:"reset"`
	Status    string `json:"status"`
}

// Session is the payload of session.* events.
type Session struct {
	Identity string `json:"identity"`
	State    string `json:"state"`
	QR       string `json:"qr,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock while sending so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Nop discards everything. Used when a component is built without a bus.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
