package transport

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

type Kind uint8

const (
	IoFailed Kind = iota
	Timeout
	PeerClosed
	HandshakeFailed
)

func (k Kind) String() string {
	switch k {
	case IoFailed:
		return "io failed"
	case Timeout:
		return "timeout"
	case PeerClosed:
		return "closed by remote"
	case HandshakeFailed:
		return "handshake failed"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Error is the only error type returned by this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Timeout() bool { return e.Kind == Timeout }

// KindOf returns IoFailed for errors not produced by this package.
func KindOf(err error) Kind {
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Kind
	}
	return IoFailed
}

func IsTimeout(err error) bool    { return err != nil && KindOf(err) == Timeout }
func IsPeerClosed(err error) bool { return err != nil && KindOf(err) == PeerClosed }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// normalize maps net/tls/syscall errors into Error.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return newError(classify(err), op, err)
}

func classify(err error) Kind {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return PeerClosed
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return Timeout
	}
	if _, ok := err.(tls.RecordHeaderError); ok {
		return HandshakeFailed
	}
	if errno, ok := unwrapErrno(err); ok {
		switch errno {
		case unix.ECONNRESET, unix.EPIPE, unix.ECONNABORTED:
			return PeerClosed
		case unix.ETIMEDOUT:
			return Timeout
		}
	}
	// tls close_notify and friends surface only as text
	s := err.Error()
	if strings.HasSuffix(s, "i/o timeout") {
		return Timeout
	}
	if strings.HasSuffix(s, "connection reset by peer") || strings.Contains(s, "close notify") {
		return PeerClosed
	}
	return IoFailed
}

func unwrapErrno(err error) (syscall.Errno, bool) {
	for err != nil {
		switch e := err.(type) {
		case syscall.Errno:
			return e, true
		case *net.OpError:
			err = e.Err
		case *os.SyscallError:
			err = e.Err
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return 0, false
		}
	}
	return 0, false
}
