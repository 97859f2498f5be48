package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResponse is returned when the slave stayed silent for every attempt.
	ErrNoResponse = errors.New("no response")
	// ErrCorruptResponse is returned when every attempt produced an invalid
	// or unexpected reply. It wraps the last frame error.
	ErrCorruptResponse = errors.New("corrupt response")
	// ErrSelectionFailed is returned when a secondary address could not be
	// selected.
	ErrSelectionFailed = errors.New("secondary selection failed")
	// ErrCollision is returned when several slaves answered a selection.
	ErrCollision = &collisionError{}
	// ErrNotConnected is returned by operations on a closed session.
	ErrNotConnected = errors.New("session not connected")
	// ErrInvalidConfig is returned by Open for unusable channel settings.
	ErrInvalidConfig = errors.New("invalid channel config")
)

// collisionError is a selection failure, so errors.Is(ErrCollision,
// ErrSelectionFailed) holds.
type collisionError struct{}

func (*collisionError) Error() string { return "collision during secondary selection" }

func (*collisionError) Is(target error) bool { return target == ErrSelectionFailed }

// IOError wraps errors reported by the channel.
type IOError struct {
	// Err is the original error
	Err error
}

func (e *IOError) Error() string { return "I/O error (" + e.Err.Error() + ")" }

func (e *IOError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying error is a timeout.
func (e *IOError) Timeout() bool {
	type timeout interface {
		Timeout() bool
	}
	var t timeout
	return errors.As(e.Err, &t) && t.Timeout()
}

// wrapIO wraps e in IOError once.
func wrapIO(e error) error {
	var ioErr *IOError
	if errors.As(e, &ioErr) {
		return e
	}
	return &IOError{Err: e}
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %w", ErrCorruptResponse, err)
}
