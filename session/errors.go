package session

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrRetriesExhausted   = errors.New("connect retries exhausted")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrNetworkLost        = errors.New("network lost")
	ErrClosed             = errors.New("session manager closed")
)

type PublishErrorKind uint8

const (
	PublishNotConnected PublishErrorKind = iota + 1
	PublishEncodeFailed
	PublishTransportFailed
)

func (k PublishErrorKind) String() string {
	switch k {
	case PublishNotConnected:
		return "not connected"
	case PublishEncodeFailed:
		return "encode failed"
	case PublishTransportFailed:
		return "transport failed"
	}
	return fmt.Sprintf("PublishErrorKind(%d)", k)
}

// PublishError is always returned to caller of Send/Publish/Ack.
type PublishError struct {
	Kind  PublishErrorKind
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("publish topic=%s: %s", e.Topic, e.Kind)
	}
	return fmt.Sprintf("publish topic=%s: %s: %v", e.Topic, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// PublishErrorKindOf returns 0 for other errors.
func PublishErrorKindOf(err error) PublishErrorKind {
	if e, ok := errors.Cause(err).(*PublishError); ok {
		return e.Kind
	}
	return 0
}

// IsNotConnected is true for ErrNotConnected and PublishNotConnected.
func IsNotConnected(err error) bool {
	return errors.Cause(err) == ErrNotConnected || PublishErrorKindOf(err) == PublishNotConnected
}
