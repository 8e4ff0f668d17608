// Package model holds the dispatch engine's records and their state values.
//
// Statuses are plain strings so they round-trip through SQL and JSON unchanged.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxAttempts is the per-item retry ceiling.
const MaxAttempts = 3

// DefaultGroupSuffix marks a multi-party chat identifier.
const DefaultGroupSuffix = "@g.us"

type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindDocument, KindAudio:
		return true
	}
	return false
}

// Class is the destination class. It is derived from the identifier, never stored.
type Class string

const (
	ClassContact Class = "contact"
	ClassGroup   Class = "group"
)

// Classify returns ClassGroup when dest ends with suffix.
func Classify(dest, suffix string) Class {
	if suffix == "" {
		suffix = DefaultGroupSuffix
	}
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(dest)), strings.ToLower(suffix)) {
		return ClassGroup
	}
	return ClassContact
}

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSending   MessageStatus = "sending"
	MessageCompleted MessageStatus = "completed"
	MessageFailed    MessageStatus = "failed"
)

func (s MessageStatus) Terminal() bool { return s == MessageCompleted || s == MessageFailed }

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSending   ItemStatus = "sending"
	ItemDelivered ItemStatus = "delivered"
	ItemFailed    ItemStatus = "failed"
)

func (s ItemStatus) Terminal() bool { return s == ItemDelivered || s == ItemFailed }

type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleExecuting ScheduleStatus = "executing"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleFailed    ScheduleStatus = "failed"
)

// Media references an already uploaded file.
type Media struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Filename string `json:"filename,omitempty" yaml:"filename,omitempty"`
	Mime     string `json:"mime,omitempty" yaml:"mime,omitempty"`
}

func (m *Media) IsZero() bool { return m == nil || strings.TrimSpace(m.URL) == "" }

// Content is what gets sent to every destination of a Message.
type Content struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Body  string `json:"body,omitempty" yaml:"body,omitempty"`
	Media *Media `json:"media,omitempty" yaml:"media,omitempty"`
}

var (
	ErrInvalidContent = errors.New("invalid content")
	ErrNoDestinations = errors.New("no destinations")
)

// Validate checks kind and body/media presence.
func (c *Content) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: missing", ErrInvalidContent)
	}
	if c.Kind == "" {
		c.Kind = KindText
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidContent, c.Kind)
	}
	if c.Kind == KindText {
		if strings.TrimSpace(c.Body) == "" {
			return fmt.Errorf("%w: text body is empty", ErrInvalidContent)
		}
		return nil
	}
	if c.Media.IsZero() {
		return fmt.Errorf("%w: %s requires media url", ErrInvalidContent, c.Kind)
	}
	return nil
}

// Message is the aggregate root of one dispatch operation.
type Message struct {
	ID           string        `json:"id"`
	Content      Content       `json:"content"`
	Destinations []string      `json:"destinations"`
	Total        int           `json:"total"`
	Delivered    int           `json:"delivered"`
	Failed       int           `json:"failed"`
	Status       MessageStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// DeliveryItem is one destination's tracked attempt record.
type DeliveryItem struct {
	ID                int64      `json:"id"`
	MessageID         string     `json:"message_id"`
	Position          int        `json:"position"`
	Destination       string     `json:"destination"`
	Status            ItemStatus `json:"status"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"last_error,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	DeliveredAt       time.Time  `json:"delivered_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Snapshot is a Message with its items.
type Snapshot struct {
	Message Message        `json:"message"`
	Items   []DeliveryItem `json:"items"`
}

// Selector picks destinations at execution time. Explicit ids and the filter
// are unioned.
type Selector struct {
	IDs    []string `json:"ids,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Groups []string `json:"groups,omitempty"`
	All    bool     `json:"all,omitempty"`
}

func (s Selector) IsZero() bool {
	return len(s.IDs) == 0 && len(s.Tags) == 0 && len(s.Groups) == 0 && !s.All
}

// ScheduledSend is a time-triggered send.
type ScheduledSend struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	TemplateRef string         `json:"template_ref,omitempty"`
	Content     *Content       `json:"content,omitempty"`
	Selector    Selector       `json:"selector"`
	FireAt      time.Time      `json:"fire_at"`
	Timezone    string         `json:"timezone,omitempty"`
	Status      ScheduleStatus `json:"status"`
	MessageID   string         `json:"message_id,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ProviderStatus is the live view of one adapter.
type ProviderStatus struct {
	Name      string    `json:"name"`
	Available bool      `json:"available"`
	Connected bool      `json:"connected"`
	Classes   []Class   `json:"classes"`
	CheckedAt time.Time `json:"checked_at"`
}

// Event is a persisted engine event.
type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Ref  string    `json:"ref,omitempty"`
	Data string    `json:"data,omitempty"`
}
