package transport

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mqttlink/helpers"
	"github.com/temoto/mqttlink/helpers/atomic_clock"
	"github.com/temoto/mqttlink/log2"
)

var ErrClosing = errors.New("closing")

// Conn is owned by single caller. Only Close is safe to call concurrently.
type Conn struct {
	net       net.Conn
	log       *log2.Log
	err       helpers.OnceError
	last      atomic_clock.Clock
	timeout   time.Duration
	untrusted bool
}

func newConn(nc net.Conn, opt *Options, untrusted bool) *Conn {
	c := &Conn{
		net:       nc,
		log:       opt.Log,
		timeout:   opt.ReadTimeout,
		untrusted: untrusted,
	}
	c.last.SetNow()
	return c
}

// NewConn wraps established connection, mostly useful in tests.
func NewConn(nc net.Conn, readTimeout time.Duration, log *log2.Log) *Conn {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return newConn(nc, &Options{ReadTimeout: readTimeout, Log: log}, false)
}

// Untrusted reports that peer certificate was not verified.
func (c *Conn) Untrusted() bool                  { return c.untrusted }
func (c *Conn) RemoteAddr() net.Addr             { return c.net.RemoteAddr() }
func (c *Conn) ReadTimeout() time.Duration       { return c.timeout }
func (c *Conn) SinceLastActivity() time.Duration { return atomic_clock.Since(&c.last) }

func (c *Conn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

func (c *Conn) Close() error {
	if _, found := c.err.StoreOnce(ErrClosing); found {
		return nil
	}
	return c.net.Close()
}

// Send writes all of b or fails. timeout<=0 means ReadTimeout.
func (c *Conn) Send(b []byte, timeout time.Duration) (int, error) {
	if err := c.check("send"); err != nil {
		return 0, err
	}
	if err := c.net.SetWriteDeadline(c.deadline(timeout)); err != nil {
		return 0, normalize("send", err)
	}
	n := 0
	for n < len(b) {
		m, err := c.net.Write(b[n:])
		n += m
		if err != nil {
			return n, c.fail("send", err)
		}
	}
	c.last.SetNow()
	return n, nil
}

// ReceiveExact returns exactly n bytes or error. On error, returned slice holds bytes read so far.
// Timeout, PeerClosed and IoFailed are distinct Kind values.
func (c *Conn) ReceiveExact(n int, timeout time.Duration) ([]byte, error) {
	if err := c.check("receive"); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if err := c.net.SetReadDeadline(c.deadline(timeout)); err != nil {
		return nil, normalize("receive", err)
	}
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := c.net.Read(buf[got:])
		got += m
		if m > 0 {
			c.last.SetNow()
		}
		if err != nil {
			if got == n {
				break
			}
			return buf[:got], c.fail(fmt.Sprintf("receive %d/%d", got, n), err)
		}
	}
	return buf, nil
}

// ReceiveUntil reads one byte at a time until read data ends with pattern
// or max bytes are read. Reaching max without match is not an error,
// caller checks bytes.HasSuffix(result, pattern).
// Each byte read is bounded by ReadTimeout.
func (c *Conn) ReceiveUntil(pattern []byte, max int) ([]byte, error) {
	if err := c.check("receive-until"); err != nil {
		return nil, err
	}
	if len(pattern) == 0 || max <= 0 {
		return nil, newError(IoFailed, "receive-until", errors.NotValidf("pattern=%q max=%d", pattern, max))
	}
	buf := make([]byte, 0, max)
	one := make([]byte, 1)
	for len(buf) < max {
		if err := c.net.SetReadDeadline(c.deadline(0)); err != nil {
			return buf, normalize("receive-until", err)
		}
		m, err := c.net.Read(one)
		if m == 1 {
			c.last.SetNow()
			buf = append(buf, one[0])
			if bytes.HasSuffix(buf, pattern) {
				return buf, nil
			}
		}
		if err != nil {
			return buf, c.fail("receive-until", err)
		}
	}
	return buf, nil
}

func (c *Conn) deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = c.timeout
	}
	return time.Now().Add(timeout)
}

func (c *Conn) check(op string) error {
	if err, closed := c.err.Load(); closed {
		if e, ok := err.(*Error); ok {
			return e
		}
		return newError(IoFailed, op, err)
	}
	return nil
}

// fail normalizes err. Timeout keeps connection usable, other kinds close it.
func (c *Conn) fail(op string, err error) error {
	if _, closed := c.err.Load(); closed {
		return newError(IoFailed, op, ErrClosing)
	}
	e := normalize(op, err).(*Error)
	if e.Kind != Timeout {
		if _, found := c.err.StoreOnce(e); !found {
			_ = c.net.Close()
		}
		c.log.Debugf("conn die remote=%s e=%s", addrString(c.net.RemoteAddr()), e.Kind)
	}
	return e
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
