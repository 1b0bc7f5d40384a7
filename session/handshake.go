package session

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mqttlink/helpers"
	"github.com/temoto/mqttlink/mqtt"
	"github.com/temoto/mqttlink/poll"
	"github.com/temoto/mqttlink/transport"
)

type handshake struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type handshakeResult struct {
	hs    *handshake
	conn  *transport.Conn
	codec *mqtt.Codec
	err   error
}

func (m *Manager) startHandshake() {
	ctx, cancel := context.WithCancel(context.Background())
	hs := &handshake{cancel: cancel, done: make(chan struct{})}
	m.hs = hs
	m.setState(Handshaking)
	go m.runHandshake(ctx, hs, m.cur, append([]string(nil), m.subs...))
}

// runHandshake works on own goroutine so that network loss or Disconnect
// may cancel it. Result is handed to loop via hsResult.
func (m *Manager) runHandshake(ctx context.Context, hs *handshake, cfg Config, subs []string) {
	defer close(hs.done)
	backoff := helpers.Backoff{Min: cfg.RetryDelay, Max: 8 * cfg.RetryDelay, K: 2}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if !backoff.Wait(ctx.Done()) {
			return
		}
		m.updateStatus(func(s *Status) { s.Attempt = attempt })
		conn, codec, err := m.attempt(ctx, &cfg, subs)
		if err == nil {
			r := &handshakeResult{hs: hs, conn: conn, codec: codec}
			select {
			case m.hsResult <- r:
			case <-ctx.Done():
				_ = conn.Close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		m.log.Errorf("handshake attempt=%d/%d err=%v", attempt, cfg.MaxAttempts, err)
		backoff.Failure()
	}
	err := errors.Wrapf(lastErr, ErrRetriesExhausted, "attempts=%d last: %v", cfg.MaxAttempts, lastErr)
	select {
	case m.hsResult <- &handshakeResult{hs: hs, err: err}:
	case <-ctx.Done():
	}
}

// attempt opens transport, connects and subscribes. Transport is closed on any error.
func (m *Manager) attempt(ctx context.Context, cfg *Config, subs []string) (*transport.Conn, *mqtt.Codec, error) {
	password, err := cfg.password(time.Now())
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	conn, err := transport.Open(ctx, cfg.transportOptions(m.log.WithPrefix("transport: ")))
	if err != nil {
		return nil, nil, errors.Annotate(err, "transport open")
	}
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()
	if conn.Untrusted() {
		m.log.Errorf("broker %s certificate not verified, continue untrusted", cfg.Host)
	}

	fail := func(err error, format string, args ...interface{}) (*transport.Conn, *mqtt.Codec, error) {
		_ = conn.Close()
		return nil, nil, errors.Annotatef(err, format, args...)
	}
	codec := mqtt.NewCodec(conn, cfg.codecOptions(password, m.log.WithPrefix("mqtt: "), m.codecMessage))
	if err = codec.Connect(ctx); err != nil {
		return fail(err, "broker %s", cfg.Host)
	}
	if err = m.subscribeRetry(ctx, codec, cfg.TasksTopic, cfg); err != nil {
		return fail(err, "subscribe")
	}
	for _, topic := range subs {
		if err = codec.Subscribe(topic, cfg.QOS); err != nil {
			return fail(err, "restore subscription")
		}
	}
	m.updateStatus(func(s *Status) { s.Untrusted = conn.Untrusted() })
	return conn, codec, nil
}

// subscribeRetry makes second try after SubscribeRetryDelay unless connection is lost.
func (m *Manager) subscribeRetry(ctx context.Context, codec *mqtt.Codec, topic string, cfg *Config) error {
	err := codec.Subscribe(topic, cfg.QOS)
	if err == nil || mqtt.IsConnectionLost(err) {
		return err
	}
	m.log.Errorf("subscribe topic=%s err=%v retry in %v", topic, err, cfg.SubscribeRetryDelay)
	if !helpers.SleepCtx(ctx.Done(), cfg.SubscribeRetryDelay) {
		return ctx.Err()
	}
	return codec.Subscribe(topic, cfg.QOS)
}

func (m *Manager) handshakeDone(r *handshakeResult) {
	if r.hs != m.hs {
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return
	}
	m.hs = nil
	if r.err != nil {
		m.releaseNetwork()
		m.setLastError(r.err)
		m.setState(Idle)
		m.emit(Event{Kind: EventConnectFailed, State: Idle, Err: r.err})
		return
	}
	m.conn, m.codec = r.conn, r.codec
	m.gen++
	topt := m.cur.transportOptions(nil)
	m.updateStatus(func(s *Status) {
		s.Broker = topt.Address()
		s.ClientID = m.cur.ClientID
		s.LastError = nil
		s.LastActivity = time.Now()
		s.Subscribed = append([]string{m.cur.TasksTopic}, m.subs...)
	})
	m.setState(Active)
	m.poller = poll.Start(m.cur.PollInterval, m.tick(m.gen))
	m.emit(Event{Kind: EventConnected, State: Active})
}
