// Package session keeps one broker session per device identity.
//
// Manager is a state machine driven by single goroutine:
//
//	Idle -> AwaitingNetwork -> Handshaking -> Active -> Draining -> Idle
//
// Public methods post operations to that goroutine and wait for result.
// Observers are called on the same goroutine with context which lets them
// call Manager methods directly, e.g. Disconnect from command callback.
package session

import (
	"context"
	"io/ioutil"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mqttlink/command"
	"github.com/temoto/mqttlink/helpers"
	"github.com/temoto/mqttlink/inbox"
	"github.com/temoto/mqttlink/log2"
	"github.com/temoto/mqttlink/mqtt"
	"github.com/temoto/mqttlink/netprov"
	"github.com/temoto/mqttlink/poll"
	"github.com/temoto/mqttlink/transport"
)

type Options struct {
	Config   Config
	Network  netprov.Provider
	Commands CommandObserver
	Installs InstallObserver
	Events   EventObserver
	Inbox    *inbox.Inbox // default inbox.New(inbox.DefaultCapacity)
	Log      *log2.Log
}

type loopKey struct{}

type op struct {
	f   func() error
	fut *helpers.Future[error]
}

type netEvent struct {
	iface string
	up    bool
}

type Manager struct {
	log      *log2.Log
	network  netprov.Provider
	commands CommandObserver
	installs InstallObserver
	events   EventObserver
	inbox    *inbox.Inbox

	alive    *alive.Alive
	loopCtx  context.Context
	ops      chan *op
	hsResult chan *handshakeResult
	netwake  chan struct{}
	netmu    sync.Mutex
	netq     []netEvent

	cfgmu sync.Mutex
	cfg   Config

	// owned by loop goroutine
	cur           Config
	state         State
	explicit      bool
	netRegistered bool
	handle        netprov.Handle
	hs            *handshake
	conn          *transport.Conn
	codec         *mqtt.Codec
	poller        *poll.Poller
	gen           uint64
	subs          []string

	statusMu sync.Mutex
	status   Status
}

func New(opt Options) (*Manager, error) {
	if opt.Network == nil {
		return nil, errors.NotValidf("session network provider nil")
	}
	if opt.Inbox == nil {
		opt.Inbox = inbox.New(inbox.DefaultCapacity)
	}
	m := &Manager{
		log:      opt.Log,
		network:  opt.Network,
		commands: opt.Commands,
		installs: opt.Installs,
		events:   opt.Events,
		inbox:    opt.Inbox,
		alive:    alive.NewAlive(),
		ops:      make(chan *op),
		hsResult: make(chan *handshakeResult),
		netwake:  make(chan struct{}, 1),
		cfg:      opt.Config,
	}
	m.loopCtx = log2.WithContext(context.WithValue(context.Background(), loopKey{}, m), m.log)
	m.status.State = Idle
	m.status.Since = time.Now()
	m.alive.Add(1)
	go m.loop()
	return m, nil
}

// Close disconnects and stops manager goroutine. Other methods return ErrClosed after Close.
func (m *Manager) Close() {
	m.alive.Stop()
	m.alive.Wait()
}

func (m *Manager) Inbox() *inbox.Inbox { return m.inbox }

func (m *Manager) Config() Config {
	m.cfgmu.Lock()
	defer m.cfgmu.Unlock()
	return m.cfg
}

// Configure replaces config for next session, current session is not affected.
func (m *Manager) Configure(ctx context.Context, c Config) error {
	if err := c.Validate(); err != nil {
		return errors.Trace(err)
	}
	m.cfgmu.Lock()
	m.cfg = c
	m.cfgmu.Unlock()
	return nil
}

func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	s := m.status
	s.Subscribed = append([]string(nil), m.status.Subscribed...)
	return s
}

func (m *Manager) IsActive() bool { return m.Status().State == Active }

// Connect starts session. Network request failure is returned as error
// wrapping ErrNetworkUnavailable. Handshake outcome is reported to EventObserver.
func (m *Manager) Connect(ctx context.Context) (ConnectStatus, error) {
	var status ConnectStatus
	err := m.do(ctx, func() (err error) {
		status, err = m.connect(ctx)
		return err
	})
	return status, err
}

// Disconnect is idempotent. Transport is closed and poller stopped before return.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.do(ctx, m.disconnect)
}

// Send publishes {"key":"value"} to messages topic.
func (m *Manager) Send(ctx context.Context, key, value string) error {
	return m.do(ctx, func() error {
		if key == "" {
			return &PublishError{Kind: PublishEncodeFailed, Topic: m.cur.MessagesTopic, Err: errors.NotValidf("empty key")}
		}
		return m.publish(m.cur.MessagesTopic, command.EncodeKeyValue(key, value))
	})
}

func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	return m.do(ctx, func() error { return m.publish(topic, payload) })
}

func (m *Manager) PublishFile(ctx context.Context, topic, path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return &PublishError{Kind: PublishEncodeFailed, Topic: topic, Err: errors.Annotatef(err, "read %s", path)}
	}
	return m.Publish(ctx, topic, b)
}

// Ack publishes deferred acknowledgment of install request, nil err means success.
func (m *Manager) Ack(ctx context.Context, uid string, result error) error {
	return m.do(ctx, func() error {
		return m.publish(m.cur.AcksTopic, command.EncodeAck(uid, result))
	})
}

// Subscribe adds extra topic, it is restored on reconnect until Unsubscribe.
func (m *Manager) Subscribe(ctx context.Context, topic string) error {
	return m.do(ctx, func() error {
		if m.state != Active {
			return ErrNotConnected
		}
		if err := m.codec.Subscribe(topic, m.cur.QOS); err != nil {
			m.checkLost(err)
			return errors.Annotatef(err, "subscribe topic=%s", topic)
		}
		for _, s := range m.subs {
			if s == topic {
				return nil
			}
		}
		m.subs = append(m.subs, topic)
		m.updateStatus(func(s *Status) { s.Subscribed = m.subscribed() })
		return nil
	})
}

func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	return m.do(ctx, func() error {
		if m.state != Active {
			return ErrNotConnected
		}
		if err := m.codec.Unsubscribe(topic); err != nil {
			m.checkLost(err)
			return errors.Annotatef(err, "unsubscribe topic=%s", topic)
		}
		for i, s := range m.subs {
			if s == topic {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.updateStatus(func(s *Status) { s.Subscribed = m.subscribed() })
		return nil
	})
}

// do runs f on loop goroutine. Called from observer (ctx from loop) f runs inline.
func (m *Manager) do(ctx context.Context, f func() error) error {
	if ctx.Value(loopKey{}) == m {
		return f()
	}
	o := &op{f: f, fut: helpers.NewFuture[error]()}
	select {
	case m.ops <- o:
	case <-m.alive.StopChan():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	result, err := o.fut.Wait(ctx)
	if err != nil {
		return err
	}
	return result
}

func (m *Manager) loop() {
	defer m.alive.Done()
	stopch := m.alive.StopChan()
	for {
		select {
		case o := <-m.ops:
			o.fut.Complete(o.f())

		case <-m.netwake:
			m.netmu.Lock()
			q := m.netq
			m.netq = nil
			m.netmu.Unlock()
			for _, e := range q {
				m.onNetwork(e)
			}

		case r := <-m.hsResult:
			m.handshakeDone(r)

		case <-stopch:
			if err := m.disconnect(); err != nil {
				m.log.Errorf("session close err=%v", err)
			}
			return
		}
	}
}

// netState is called by provider on its goroutine.
// Provider keeps the subscription after Close, events are dropped then.
func (m *Manager) netState(iface string, up bool) {
	if !m.alive.IsRunning() {
		return
	}
	m.netmu.Lock()
	m.netq = append(m.netq, netEvent{iface: iface, up: up})
	m.netmu.Unlock()
	select {
	case m.netwake <- struct{}{}:
	default:
	}
}

func (m *Manager) onNetwork(e netEvent) {
	m.log.Debugf("network iface=%s up=%t state=%s", e.iface, e.up, m.state)
	switch {
	case e.up && m.state == AwaitingNetwork:
		m.startHandshake()
	case !e.up && (m.state == Handshaking || m.state == Active):
		m.lost(errors.Annotatef(ErrNetworkLost, "iface=%s", e.iface))
	}
}

func (m *Manager) connect(ctx context.Context) (ConnectStatus, error) {
	switch m.state {
	case AwaitingNetwork, Handshaking, Draining:
		return ConnectInProgress, nil
	case Active:
		return ConnectAlreadyActive, nil
	}
	cfg := m.Config()
	if err := cfg.Validate(); err != nil {
		return 0, errors.Trace(err)
	}
	m.cur = cfg.withDefaults()
	m.explicit = false
	if !m.netRegistered {
		m.network.OnStateChange(m.netState)
		m.netRegistered = true
	}
	m.setState(AwaitingNetwork)
	h, err := m.network.Request(ctx)
	if err != nil {
		err = errors.Wrapf(err, ErrNetworkUnavailable, "%v", err)
		m.setState(Idle)
		m.setLastError(err)
		m.emit(Event{Kind: EventConnectFailed, State: Idle, Err: err})
		return 0, err
	}
	m.handle = h
	return ConnectStarted, nil
}

func (m *Manager) disconnect() error {
	m.explicit = true
	var err error
	switch m.state {
	case Idle:
		return nil
	case Handshaking, Active:
		m.setState(Draining)
		err = m.teardown()
	}
	m.releaseNetwork()
	m.setState(Idle)
	m.emit(Event{Kind: EventDisconnected, State: Idle})
	return errors.Annotate(err, "disconnect")
}

// lost tears down session after transport, broker or network failure
// and starts new connect cycle unless reconnect is disabled.
func (m *Manager) lost(cause error) {
	if m.state != Handshaking && m.state != Active {
		return
	}
	m.log.Errorf("session lost err=%v", cause)
	if err := m.teardown(); err != nil {
		m.log.Debugf("teardown err=%v", err)
	}
	m.releaseNetwork()
	m.setLastError(cause)
	m.setState(Idle)
	m.emit(Event{Kind: EventDisconnected, State: Idle, Err: cause})
	// observer may have reconnected or disconnected explicitly
	if m.cur.DisableReconnect || m.explicit || m.state != Idle {
		return
	}
	if _, err := m.connect(m.loopCtx); err != nil {
		m.log.Errorf("reconnect err=%v", err)
	}
}

func (m *Manager) checkLost(err error) {
	if mqtt.IsConnectionLost(err) {
		m.lost(err)
	}
}

// teardown stops everything of current session. Poller ticks of old
// session are ignored after generation change.
func (m *Manager) teardown() error {
	var errs []error
	if hs := m.hs; hs != nil {
		m.hs = nil
		hs.cancel()
		<-hs.done
	}
	m.poller.Stop()
	m.poller = nil
	if m.codec != nil {
		if err := m.codec.Disconnect(); err != nil {
			m.log.Debugf("codec disconnect err=%v", err)
		}
		m.codec = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			errs = append(errs, errors.Annotate(err, "transport close"))
		}
		m.conn = nil
	}
	m.gen++
	m.updateStatus(func(s *Status) {
		s.Untrusted = false
		s.Subscribed = nil
	})
	return helpers.FoldErrors(errs)
}

func (m *Manager) releaseNetwork() {
	if m.handle == "" {
		return
	}
	if err := m.network.Release(m.handle); err != nil {
		m.log.Debugf("network release err=%v", err)
	}
	m.handle = ""
}

func (m *Manager) publish(topic string, payload []byte) error {
	if m.state != Active {
		return &PublishError{Kind: PublishNotConnected, Topic: topic, Err: ErrNotConnected}
	}
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: m.cur.QOS}
	if err := m.codec.Publish(msg); err != nil {
		m.checkLost(err)
		return &PublishError{Kind: PublishTransportFailed, Topic: topic, Err: err}
	}
	m.touch()
	return nil
}

func (m *Manager) tick(gen uint64) poll.TickFunc {
	return func(stop <-chan struct{}) {
		o := &op{f: func() error { m.pollStep(gen); return nil }, fut: helpers.NewFuture[error]()}
		select {
		case m.ops <- o:
		case <-stop:
			return
		}
		select {
		case <-o.fut.Done():
		case <-stop:
		}
	}
}

func (m *Manager) pollStep(gen uint64) {
	if m.state != Active || m.gen != gen {
		return
	}
	codec := m.codec
	if err := codec.Yield(m.cur.YieldTimeout); err != nil {
		if m.gen != gen {
			return
		}
		m.lost(errors.Annotate(err, "poll"))
		return
	}
	if m.gen == gen && m.conn != nil {
		last := time.Now().Add(-m.conn.SinceLastActivity())
		m.updateStatus(func(s *Status) { s.LastActivity = last })
	}
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Debugf("state %s -> %s", m.state, s)
	m.state = s
	m.updateStatus(func(st *Status) {
		st.State = s
		st.Since = time.Now()
	})
	m.emit(Event{Kind: EventState, State: s})
}

func (m *Manager) setLastError(err error) {
	m.updateStatus(func(s *Status) { s.LastError = err })
}

func (m *Manager) touch() {
	m.updateStatus(func(s *Status) { s.LastActivity = time.Now() })
}

func (m *Manager) updateStatus(f func(*Status)) {
	m.statusMu.Lock()
	f(&m.status)
	m.statusMu.Unlock()
}

func (m *Manager) subscribed() []string {
	if m.state != Active {
		return nil
	}
	return append([]string{m.cur.TasksTopic}, m.subs...)
}

func (m *Manager) emit(e Event) {
	if e.Kind != EventState {
		m.log.Infof("session %s", e.String())
	}
	if m.events != nil {
		m.events.OnSessionEvent(m.loopCtx, e)
	}
}
