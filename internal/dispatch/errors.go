package dispatch

import (
	"errors"
	"fmt"

	"dispatchd/internal/model"
)

var (
	ErrNotFound = errors.New("message not found")
	// ErrInFlight refuses operations on a message that is being sent.
	ErrInFlight = errors.New("message is being sent")
)

// ConfigError is returned by Enqueue when a destination class has no
// statically configured provider at all.
type ConfigError struct {
	Class model.Class
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s destinations: %v", e.Class, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
