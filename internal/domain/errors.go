package domain

import (
	"errors"
	"fmt"
)

// ErrNotConnected is wrapped by ConnectionError when a read is attempted while
// the session is not Connected.
var ErrNotConnected = errors.New("session not connected")

// ErrReadTimeout is wrapped by ReadError when a read exceeds its deadline.
var ErrReadTimeout = errors.New("read timed out")

// ConfigError reports a malformed or conflicting catalog/config entry.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// ConnectionError reports that the session could not be established or was lost.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReadError reports a failed read of a single node. It never implies the
// session itself is broken.
type ReadError struct {
	NodeID  string
	Timeout bool
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.NodeID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err carries a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsReadError reports whether err carries a ReadError.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}
