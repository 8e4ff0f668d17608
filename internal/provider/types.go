package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dispatchd/internal/model"
)

var (
	// ErrNoProvider means no adapter listed for the class is configured.
	ErrNoProvider = errors.New("no provider available")
	// ErrAllProvidersFailed means every candidate was attempted and failed.
	ErrAllProvidersFailed = errors.New("all providers attempted and failed")
)

// Result is the outcome of one send attempt.
type Result struct {
	Success   bool
	MessageID string
	Err       error
	// Permanent marks causes a retry will not fix (unknown destination,
	// rejected content). It is informational only.
	Permanent bool
}

func OK(messageID string) Result { return Result{Success: true, MessageID: messageID} }

func Failed(err error) Result { return Result{Err: err} }

func Rejected(err error) Result { return Result{Err: err, Permanent: true} }

// Provider is one outbound transport.
//
// Send reports ordinary failures (auth, invalid destination, transport down)
// through Result. A non-nil error is reserved for malformed calls.
type Provider interface {
	Name() string
	// Available is a pure configuration check.
	Available() bool
	// Connected is a live probe. It returns false on any error.
	Connected(ctx context.Context) bool
	Supports(class model.Class) bool
	Send(ctx context.Context, destination string, content model.Content) (Result, error)
}

// CheckCall validates the arguments every adapter requires.
func CheckCall(destination string, content model.Content) error {
	if strings.TrimSpace(destination) == "" {
		return errors.New("destination is empty")
	}
	if !content.Kind.Valid() {
		return fmt.Errorf("unknown content kind %q", content.Kind)
	}
	return nil
}

// SendError carries every adapter that was tried and the last failure.
type SendError struct {
	Class     model.Class
	Tried     []string
	Last      error
	Permanent bool
}

func (e *SendError) Error() string {
	msg := fmt.Sprintf("%s for %s (tried %s)", ErrAllProvidersFailed, e.Class, strings.Join(e.Tried, ","))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *SendError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAllProvidersFailed}
	}
	return []error{ErrAllProvidersFailed, e.Last}
}
