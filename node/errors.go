package node

import (
	"errors"
	"strings"
)

type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is and errors.As see every collected error.
func (m MultiError) Unwrap() []error {
	return m
}

// ErrOrNil returns nil for an empty collection.
func (m MultiError) ErrOrNil() error {
	if len(m) == 0 {
		return nil
	}
	return m
}

var (
	// ErrWouldBlock reports a non-blocking operation with nothing to do, such
	// as a lost accept race.
	ErrWouldBlock = errors.New("operation would block")
	// ErrMalformedHandoff reports a transfer message without exactly one
	// descriptor attached.
	ErrMalformedHandoff = errors.New("malformed descriptor handoff")
	ErrPoolExhausted    = errors.New("no live worker in pool")
	ErrChannelClosed    = errors.New("control channel closed")
)
