package session

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	mqtransport "github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mqttlink/command"
	"github.com/temoto/mqttlink/log2"
	"github.com/temoto/mqttlink/mqtt"
	"github.com/temoto/mqttlink/netprov"
)

const testTimeout = 5 * time.Second

type broker struct {
	ln    net.Listener
	port  int
	conns chan *mqtransport.NetConn
}

func newBroker(t testing.TB) *broker {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	b := &broker{
		ln:    ln,
		port:  ln.Addr().(*net.TCPAddr).Port,
		conns: make(chan *mqtransport.NetConn, 8),
	}
	go func() {
		defer close(b.conns)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.SetDeadline(time.Now().Add(testTimeout))
			b.conns <- mqtransport.NewNetConn(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return b
}

func (b *broker) accept(t testing.TB) *mqtransport.NetConn {
	select {
	case c, ok := <-b.conns:
		require.True(t, ok, "broker closed")
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(testTimeout):
		t.Fatal("broker accept timeout")
		return nil
	}
}

func expect(t testing.TB, c *mqtransport.NetConn, typ packet.Type) packet.Generic {
	pkt, err := c.Receive()
	require.NoError(t, err)
	require.Equal(t, typ, pkt.Type(), "pkt=%s", mqtt.PacketString(pkt))
	return pkt
}

// expectClosed skips DISCONNECT and waits for client to close connection.
func expectClosed(t testing.TB, c *mqtransport.NetConn) {
	for {
		pkt, err := c.Receive()
		if err != nil {
			return
		}
		require.Equal(t, packet.DISCONNECT, pkt.Type(), "pkt=%s", mqtt.PacketString(pkt))
	}
}

func serveHandshake(t testing.TB, c *mqtransport.NetConn, topics ...string) {
	con := expect(t, c, packet.CONNECT).(*packet.Connect)
	assert.Equal(t, "dev1", con.ClientID)
	connack := packet.NewConnack()
	connack.ReturnCode = packet.ConnectionAccepted
	require.NoError(t, c.Send(connack, false))
	for _, topic := range topics {
		serveSubscribe(t, c, topic, packet.QOSAtMostOnce)
	}
}

func serveSubscribe(t testing.TB, c *mqtransport.NetConn, topic string, code packet.QOS) {
	sub := expect(t, c, packet.SUBSCRIBE).(*packet.Subscribe)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, topic, sub.Subscriptions[0].Topic)
	suback := packet.NewSuback()
	suback.ID = sub.ID
	suback.ReturnCodes = []packet.QOS{code}
	require.NoError(t, c.Send(suback, false))
}

func sendPublish(t testing.TB, c *mqtransport.NetConn, topic, payload string) {
	pub := packet.NewPublish()
	pub.Message = packet.Message{Topic: topic, Payload: []byte(payload)}
	require.NoError(t, c.Send(pub, false))
}

func expectPublish(t testing.TB, c *mqtransport.NetConn, topic, payload string) {
	pub := expect(t, c, packet.PUBLISH).(*packet.Publish)
	assert.Equal(t, topic, pub.Message.Topic)
	assert.Equal(t, payload, string(pub.Message.Payload))
}

type recorder struct {
	mu       sync.Mutex
	commands []Command
	installs []command.InstallRequest
	events   chan Event
}

func newRecorder() *recorder { return &recorder{events: make(chan Event, 256)} }

func (r *recorder) OnCommand(ctx context.Context, c Command) error {
	r.mu.Lock()
	r.commands = append(r.commands, c)
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnInstallRequest(ctx context.Context, req command.InstallRequest) {
	r.mu.Lock()
	r.installs = append(r.installs, req)
	r.mu.Unlock()
}

func (r *recorder) OnSessionEvent(ctx context.Context, e Event) { r.events <- e }

func (r *recorder) getCommands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// wait skips events until kind.
func (r *recorder) wait(t testing.TB, kind EventKind) Event {
	deadline := time.After(testTimeout)
	for {
		select {
		case e := <-r.events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting event=%s", kind)
			return Event{}
		}
	}
}

type tenv struct {
	m   *Manager
	rec *recorder
	net *netprov.Manual
	b   *broker
	ctx context.Context
}

func newTestEnv(t testing.TB, netUp bool, setup func(*Options)) *tenv {
	env := &tenv{
		rec: newRecorder(),
		net: netprov.NewManual("test0", netUp),
		b:   newBroker(t),
		ctx: context.Background(),
	}
	opt := Options{
		Config: Config{
			DeviceID:            "dev1",
			Host:                "127.0.0.1",
			Port:                env.b.port,
			Secret:              "sierra",
			CommandTimeout:      2 * time.Second,
			RetryDelay:          time.Millisecond,
			SubscribeRetryDelay: 10 * time.Millisecond,
			PollInterval:        10 * time.Millisecond,
			YieldTimeout:        10 * time.Millisecond,
		},
		Network:  env.net,
		Commands: env.rec,
		Installs: env.rec,
		Events:   env.rec,
		Log:      log2.NewTest(t, log2.LDebug),
	}
	if setup != nil {
		setup(&opt)
	}
	m, err := New(opt)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	env.m = m
	return env
}

// activate connects through network notification and serves handshake.
func (env *tenv) activate(t testing.TB) *mqtransport.NetConn {
	status, err := env.m.Connect(env.ctx)
	require.NoError(t, err)
	require.Equal(t, ConnectStarted, status)
	if !env.net.State() {
		assert.Equal(t, AwaitingNetwork, env.m.Status().State)
		env.net.SetState(true)
	}
	c := env.b.accept(t)
	serveHandshake(t, c, "dev1/tasks/json")
	env.rec.wait(t, EventConnected)
	return c
}

func TestConnectActive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false, nil)
	c := env.activate(t)

	st := env.m.Status()
	assert.Equal(t, Active, st.State)
	assert.True(t, env.m.IsActive())
	assert.Equal(t, []string{"dev1/tasks/json"}, st.Subscribed)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, "dev1", st.ClientID)

	status, err := env.m.Connect(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, ConnectAlreadyActive, status)
	assert.Equal(t, ErrAlreadyConnected, status.Err())

	require.NoError(t, env.m.Send(env.ctx, "temp", "21.5"))
	expectPublish(t, c, "dev1/messages/json", `{"temp":"21.5"}`)
	require.NoError(t, env.m.Publish(env.ctx, "dev1/raw", []byte("x")))
	expectPublish(t, c, "dev1/raw", "x")
	err = env.m.Send(env.ctx, "", "v")
	assert.Equal(t, PublishEncodeFailed, PublishErrorKindOf(err))

	require.NoError(t, env.m.Disconnect(env.ctx))
	expectClosed(t, c)
	assert.Equal(t, Idle, env.m.Status().State)
	assert.Equal(t, 0, env.net.Active())
	require.NoError(t, env.m.Disconnect(env.ctx))
	assert.Equal(t, Idle, env.m.Status().State)
}

func TestNotConnected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false, nil)

	err := env.m.Send(env.ctx, "k", "v")
	require.Error(t, err)
	assert.Equal(t, PublishNotConnected, PublishErrorKindOf(err))
	assert.True(t, IsNotConnected(err))
	assert.True(t, IsNotConnected(env.m.Ack(env.ctx, "u1", nil)))
	assert.Equal(t, ErrNotConnected, env.m.Subscribe(env.ctx, "x"))
	assert.Equal(t, ErrNotConnected, env.m.Unsubscribe(env.ctx, "x"))

	// awaiting network is not active either
	status, err := env.m.Connect(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, ConnectStarted, status)
	status, err = env.m.Connect(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, ConnectInProgress, status)
	assert.True(t, IsNotConnected(env.m.Send(env.ctx, "k", "v")))
	require.NoError(t, env.m.Disconnect(env.ctx))
	assert.Equal(t, 0, env.net.Active())

	env.m.Close()
	assert.Equal(t, ErrClosed, env.m.Disconnect(env.ctx))
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, nil)

	status, err := env.m.Connect(env.ctx)
	require.NoError(t, err)
	require.Equal(t, ConnectStarted, status)
	for i := 1; i <= DefaultMaxAttempts; i++ {
		c := env.b.accept(t)
		expect(t, c, packet.CONNECT)
		connack := packet.NewConnack()
		connack.ReturnCode = packet.NotAuthorized
		require.NoError(t, c.Send(connack, false))
		_, err := c.Receive()
		require.Error(t, err, "attempt=%d transport must be closed", i)
	}
	e := env.rec.wait(t, EventConnectFailed)
	assert.Equal(t, ErrRetriesExhausted, errors.Cause(e.Err))
	st := env.m.Status()
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, DefaultMaxAttempts, st.Attempt)
	assert.Equal(t, ErrRetriesExhausted, errors.Cause(st.LastError))
	assert.Equal(t, 0, env.net.Active())
}

func TestNetworkRequestFailed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, nil)
	env.net.FailRequests(errors.New("modem off"))

	_, err := env.m.Connect(env.ctx)
	require.Error(t, err)
	assert.Equal(t, ErrNetworkUnavailable, errors.Cause(err))
	assert.Contains(t, err.Error(), "modem off")
	e := env.rec.wait(t, EventConnectFailed)
	assert.Equal(t, ErrNetworkUnavailable, errors.Cause(e.Err))
	assert.Equal(t, Idle, env.m.Status().State)
}

func TestNetworkLostReconnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false, nil)
	c := env.activate(t)

	env.net.SetState(false)
	e := env.rec.wait(t, EventDisconnected)
	assert.Equal(t, ErrNetworkLost, errors.Cause(e.Err))
	expectClosed(t, c)
	assert.Eventually(t, func() bool {
		return env.m.Status().State == AwaitingNetwork && env.net.Active() == 1
	}, testTimeout, 5*time.Millisecond)

	env.net.SetState(true)
	c = env.b.accept(t)
	serveHandshake(t, c, "dev1/tasks/json")
	env.rec.wait(t, EventConnected)
	assert.True(t, env.m.IsActive())
}

func TestNetworkLostDuringHandshake(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, func(opt *Options) { opt.Config.DisableReconnect = true })

	_, err := env.m.Connect(env.ctx)
	require.NoError(t, err)
	c := env.b.accept(t)
	expect(t, c, packet.CONNECT)
	// no CONNACK, handshake is stuck
	env.net.SetState(false)
	e := env.rec.wait(t, EventDisconnected)
	assert.Equal(t, ErrNetworkLost, errors.Cause(e.Err))
	_, err = c.Receive()
	assert.Error(t, err)
	assert.Equal(t, Idle, env.m.Status().State)
	assert.Equal(t, 0, env.net.Active())
}

func TestPollFailureReconnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, nil)
	c := env.activate(t)

	subErr := make(chan error, 1)
	go func() { subErr <- env.m.Subscribe(env.ctx, "dev1/extra") }()
	serveSubscribe(t, c, "dev1/extra", packet.QOSAtMostOnce)
	require.NoError(t, <-subErr)
	assert.Equal(t, []string{"dev1/tasks/json", "dev1/extra"}, env.m.Status().Subscribed)

	sendPublish(t, c, "dev1/extra", "hello")
	assert.Eventually(t, func() bool { return len(env.rec.getCommands()) == 1 }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, Command{Topic: "dev1/extra", Value: "hello"}, env.rec.getCommands()[0])

	require.NoError(t, c.Close())
	e := env.rec.wait(t, EventDisconnected)
	require.Error(t, e.Err)

	c = env.b.accept(t)
	serveHandshake(t, c, "dev1/tasks/json", "dev1/extra")
	env.rec.wait(t, EventConnected)
	assert.True(t, env.m.IsActive())
}

func TestCommandBatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, nil)
	c := env.activate(t)

	sendPublish(t, c, "dev1/tasks/json", `{"command":{"id":"led","params":{"state":"on"}},"uid":"u1","timestamp":"1000"}`)
	expectPublish(t, c, "dev1/acks/json", `[{"uid":"u1","status":"OK"}]`)
	assert.Equal(t, []Command{{Topic: "dev1/tasks/json", UID: "u1", Key: "led.state", Value: "on", Timestamp: "1000"}}, env.rec.getCommands())
	assert.Equal(t, []string{"led.state = on @ 1000"}, env.m.Inbox().Drain())

	sendPublish(t, c, "dev1/tasks/json", `{"uid":"u2","command":{"id":"cfg","params":{"a":"1","b":"2","c":"3"}}}`)
	expectPublish(t, c, "dev1/acks/json", `[{"uid":"u2","status":"OK"}]`)
	assert.Len(t, env.rec.getCommands(), 4)

	sendPublish(t, c, "dev1/tasks/json", `{"uid":"u3","command":{"id":"ping","params":{}}}`)
	expectPublish(t, c, "dev1/acks/json", `[{"uid":"u3","status":"OK"}]`)
	assert.Len(t, env.rec.getCommands(), 4)
}

func TestCommandError(t *testing.T) {
	t.Parallel()
	var calls int32
	env := newTestEnv(t, true, func(opt *Options) {
		opt.Commands = CommandFunc(func(ctx context.Context, c Command) error {
			atomic.AddInt32(&calls, 1)
			if c.Key == "motor.speed" {
				return errors.New("speed out of range")
			}
			return nil
		})
	})
	c := env.activate(t)

	sendPublish(t, c, "dev1/tasks/json", `{"uid":"u1","command":{"id":"motor","params":{"dir":"cw","speed":"900","mode":"x"}}}`)
	expectPublish(t, c, "dev1/acks/json", `[{"uid":"u1","status":"KO","message":"speed out of range"}]`)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestMalformedPayload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, nil)
	c := env.activate(t)

	sendPublish(t, c, "dev1/tasks/json", `{"command":{"id":"led","params":{"state":"on"}},"uid":"u1"`)
	sendPublish(t, c, "dev1/tasks/json", `{"uid":"u9","command":{"id":"x","params":{"k":"v"}}}`)
	// first publish from client is ack of valid command
	expectPublish(t, c, "dev1/acks/json", `[{"uid":"u9","status":"OK"}]`)
	assert.Equal(t, []Command{{Topic: "dev1/tasks/json", UID: "u9", Key: "x.k", Value: "v"}}, env.rec.getCommands())
	queued := env.m.Inbox().Drain()
	require.Len(t, queued, 2)
	assert.True(t, strings.HasPrefix(queued[0], "unrecognized payload topic=dev1/tasks/json"), queued[0])
	assert.True(t, env.m.IsActive())
}

func TestInstallDeferredAck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, nil)
	c := env.activate(t)

	sendPublish(t, c, "dev1/tasks/json", `{"uid":"i1","timestamp":"77","swinstall":{"type":"firmware","revision":"2.1","url":"http://example.com/fw.bin"}}`)
	sendPublish(t, c, "dev1/tasks/json", `{"uid":"u2","command":{"id":"ping"}}`)
	// no automatic ack for install request
	expectPublish(t, c, "dev1/acks/json", `[{"uid":"u2","status":"OK"}]`)
	env.rec.mu.Lock()
	installs := append([]command.InstallRequest(nil), env.rec.installs...)
	env.rec.mu.Unlock()
	assert.Equal(t, []command.InstallRequest{{UID: "i1", Timestamp: "77", Type: "firmware", Revision: "2.1", URL: "http://example.com/fw.bin"}}, installs)

	require.NoError(t, env.m.Ack(env.ctx, "i1", errors.New("bad checksum")))
	expectPublish(t, c, "dev1/acks/json", `[{"uid":"i1","status":"KO","message":"bad checksum"}]`)
}

func TestDisconnectFromCallback(t *testing.T) {
	t.Parallel()
	var m *Manager
	var callbackErr error
	env := newTestEnv(t, true, func(opt *Options) {
		opt.Commands = CommandFunc(func(ctx context.Context, c Command) error {
			callbackErr = m.Disconnect(ctx)
			return nil
		})
	})
	m = env.m
	c := env.activate(t)

	sendPublish(t, c, "dev1/tasks/json", `{"uid":"u1","command":{"id":"stop","params":{"now":"1"}}}`)
	e := env.rec.wait(t, EventDisconnected)
	assert.NoError(t, e.Err)
	e = env.rec.wait(t, EventAckFailed)
	assert.True(t, IsNotConnected(e.Err), "err=%v", e.Err)
	expectClosed(t, c)
	assert.NoError(t, callbackErr)
	assert.Equal(t, Idle, env.m.Status().State)
	assert.Equal(t, 0, env.net.Active())
}

func TestSubscribeRetry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, nil)

	_, err := env.m.Connect(env.ctx)
	require.NoError(t, err)
	c := env.b.accept(t)
	serveHandshake(t, c)
	serveSubscribe(t, c, "dev1/tasks/json", packet.QOSFailure)
	serveSubscribe(t, c, "dev1/tasks/json", packet.QOSAtMostOnce)
	env.rec.wait(t, EventConnected)
	assert.Equal(t, 1, env.m.Status().Attempt)
}

func TestConfigure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true, nil)

	bad := env.m.Config()
	bad.DeviceID = ""
	assert.True(t, errors.IsNotValid(env.m.Configure(env.ctx, bad)))

	cfg := env.m.Config()
	cfg.DeviceID = "dev1"
	cfg.TasksTopic = "custom/in"
	require.NoError(t, env.m.Configure(env.ctx, cfg))
	_, err := env.m.Connect(env.ctx)
	require.NoError(t, err)
	c := env.b.accept(t)
	serveHandshake(t, c, "custom/in")
	env.rec.wait(t, EventConnected)
	assert.Equal(t, []string{"custom/in"}, env.m.Status().Subscribed)
}

func TestNetworkEventsAfterClose(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false, nil)
	status, err := env.m.Connect(env.ctx)
	require.NoError(t, err)
	require.Equal(t, ConnectStarted, status)
	require.Equal(t, AwaitingNetwork, env.m.Status().State)

	env.m.Close()
	for i := 0; i < 100; i++ {
		env.net.SetState(i%2 == 0)
	}
	env.m.netmu.Lock()
	queued := len(env.m.netq)
	env.m.netmu.Unlock()
	assert.Equal(t, 0, queued)
}
