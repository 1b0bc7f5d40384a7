// Package transport opens plain or TLS byte streams with bounded timeouts.
// All errors returned are *Error with one of Kind values.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mqttlink/log2"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 1500 * time.Millisecond
	MaxReadTimeout        = 10 * time.Second
)

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Options struct {
	Host   string
	Port   int
	Secure bool

	CAFile   string
	CADir    string
	CertFile string
	KeyFile  string
	// nil means DefaultCertSearchPaths, empty slice disables search
	CertSearchPaths []string
	Verify          VerifyPolicy

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	Dial DialFunc
	Log  *log2.Log
}

func (opt *Options) Address() string {
	return net.JoinHostPort(opt.Host, strconv.Itoa(opt.Port))
}

// Open connects to opt.Host:opt.Port. Connect (and TLS handshake) is bounded by ConnectTimeout.
func Open(ctx context.Context, opt Options) (*Conn, error) {
	if opt.Host == "" || opt.Port <= 0 || opt.Port > 65535 {
		return nil, newError(IoFailed, "open", errors.NotValidf("address host=%q port=%d", opt.Host, opt.Port))
	}
	if opt.ConnectTimeout <= 0 {
		opt.ConnectTimeout = DefaultConnectTimeout
	}
	if opt.ReadTimeout <= 0 {
		opt.ReadTimeout = DefaultReadTimeout
	}
	if opt.ReadTimeout > MaxReadTimeout {
		opt.ReadTimeout = MaxReadTimeout
	}
	dial := opt.Dial
	if dial == nil {
		d := net.Dialer{Timeout: opt.ConnectTimeout}
		dial = d.DialContext
	}

	addr := opt.Address()
	ctx, cancel := context.WithTimeout(ctx, opt.ConnectTimeout)
	defer cancel()
	raw, err := dial(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newError(Timeout, "connect "+addr, err)
		}
		return nil, normalize("connect "+addr, err)
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetLinger(0)
	}
	if !opt.Secure {
		opt.Log.Debugf("open plain remote=%s", addr)
		return newConn(raw, &opt, false), nil
	}

	cfg, untrusted, err := tlsConfig(&opt)
	if err != nil {
		_ = raw.Close()
		return nil, newError(HandshakeFailed, "tls config", err)
	}
	tc := tls.Client(raw, cfg)
	if err = tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newError(Timeout, "tls handshake "+addr, err)
		}
		return nil, newError(HandshakeFailed, "tls handshake "+addr, err)
	}
	state := tc.ConnectionState()
	opt.Log.Debugf("open tls remote=%s version=%x cipher=%s untrusted=%t",
		addr, state.Version, tls.CipherSuiteName(state.CipherSuite), *untrusted)
	return newConn(tc, &opt, *untrusted), nil
}
