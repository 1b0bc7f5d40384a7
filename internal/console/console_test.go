package console

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mqttlink/log2"
	"github.com/temoto/mqttlink/netprov"
	"github.com/temoto/mqttlink/session"
)

func newTestConsole(t *testing.T) (*Console, *session.Manager, *netprov.Manual, *bytes.Buffer) {
	log := log2.NewTest(t, log2.LDebug)
	net := netprov.NewManual("test0", false)
	m, err := session.New(session.Options{
		Config:  session.Config{DeviceID: "dev1", Host: "127.0.0.1", Port: 1883, Secret: "sierra"},
		Network: net,
		Log:     log,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	out := &bytes.Buffer{}
	c := New(m, net, out, false, log)
	c.Timeout = 5 * time.Second
	return c, m, net, out
}

func TestConfigGetSet(t *testing.T) {
	t.Parallel()
	c, m, _, out := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "config get broker"))
	assert.Equal(t, "broker = 127.0.0.1\n", out.String())
	out.Reset()

	require.NoError(t, c.Execute(ctx, "config set broker example.org"))
	require.NoError(t, c.Execute(ctx, "config set port 8883"))
	require.NoError(t, c.Execute(ctx, "config set useTLS 1"))
	require.NoError(t, c.Execute(ctx, "config set kalive 45"))
	require.NoError(t, c.Execute(ctx, "config set qos 1"))
	require.NoError(t, c.Execute(ctx, "config set verify required"))
	cfg := m.Config()
	assert.Equal(t, "example.org", cfg.Host)
	assert.Equal(t, 8883, cfg.Port)
	assert.True(t, cfg.Secure)
	assert.Equal(t, 45*time.Second, cfg.Keepalive)
	assert.Equal(t, 1, int(cfg.QOS))

	assert.True(t, errors.IsNotValid(errors.Cause(c.Execute(ctx, "config set qos 3"))))
	assert.True(t, errors.IsNotValid(errors.Cause(c.Execute(ctx, "config set port 0"))))
	assert.True(t, errors.IsNotFound(c.Execute(ctx, "config set nosuch 1")))
	assert.Equal(t, 8883, m.Config().Port)

	out.Reset()
	require.NoError(t, c.Execute(ctx, "config get"))
	assert.Contains(t, out.String(), "broker = example.org\n")
	assert.Contains(t, out.String(), "password = ******\n")
	assert.NotContains(t, out.String(), "passwordfile")
}

func TestConfigPasswordFile(t *testing.T) {
	t.Parallel()
	c, m, _, _ := newTestConsole(t)
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, ioutil.WriteFile(path, []byte("hunter2\n"), 0600))
	require.NoError(t, c.Execute(context.Background(), "config set passwordFile "+path))
	assert.Equal(t, "hunter2", m.Config().Secret)
	assert.Error(t, c.Execute(context.Background(), "config set passwordFile "+path+".missing"))
}

func TestNotConnected(t *testing.T) {
	t.Parallel()
	c, _, _, _ := newTestConsole(t)
	ctx := context.Background()
	for _, line := range []string{
		"send temperature 21",
		"pub some/topic hello world",
		"ack u1 ok",
		"ack u1 error broken",
	} {
		err := c.Execute(ctx, line)
		assert.True(t, session.IsNotConnected(err), "line=%s err=%v", line, err)
	}
	assert.Equal(t, session.ErrNotConnected, errors.Cause(c.Execute(ctx, "sub extra/topic")))
}

func TestUsage(t *testing.T) {
	t.Parallel()
	c, _, _, out := newTestConsole(t)
	ctx := context.Background()
	cases := []struct {
		line  string
		check func(error) bool
	}{
		{"send onlykey", errors.IsNotValid},
		{"pub topic", errors.IsNotValid},
		{"pubfile topic", errors.IsNotValid},
		{"sub", errors.IsNotValid},
		{"unsub a b", errors.IsNotValid},
		{"ack u1", errors.IsNotValid},
		{"ack u1 maybe", errors.IsNotValid},
		{"session", errors.IsNotValid},
		{"session restart", errors.IsNotValid},
		{"net sideways", errors.IsNotValid},
		{"bogus", errors.IsNotSupported},
	}
	for _, c_ := range cases {
		err := c.Execute(ctx, c_.line)
		assert.True(t, c_.check(err), "line=%s err=%v", c_.line, err)
	}
	assert.NoError(t, c.Execute(ctx, "   "))
	assert.Equal(t, ErrQuit, c.Execute(ctx, "quit"))
	assert.Equal(t, ErrQuit, c.Execute(ctx, "EXIT"))
	require.NoError(t, c.Execute(ctx, "help"))
	assert.Contains(t, out.String(), "session start|stop|status")
}

func TestQueued(t *testing.T) {
	t.Parallel()
	c, m, _, out := newTestConsole(t)
	require.NoError(t, c.Execute(context.Background(), "queued"))
	assert.Equal(t, "no incoming messages\n", out.String())
	out.Reset()

	m.Inbox().Push("a: 1")
	m.Inbox().Push("b: 2")
	require.NoError(t, c.Execute(context.Background(), "queued"))
	assert.Equal(t, "a: 1\nb: 2\nincoming messages queued: 2\n", out.String())
	assert.Equal(t, 0, m.Inbox().Len())
}

func TestSessionNetwork(t *testing.T) {
	t.Parallel()
	c, m, net, out := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "session start"))
	assert.Equal(t, "connect started\n", out.String())
	assert.Equal(t, session.AwaitingNetwork, m.Status().State)
	out.Reset()
	require.NoError(t, c.Execute(ctx, "session start"))
	assert.Equal(t, "connect already in progress\n", out.String())

	out.Reset()
	require.NoError(t, c.Execute(ctx, "session status"))
	assert.Contains(t, out.String(), "state awaiting-network since ")
	assert.Contains(t, out.String(), "incoming queued=0 dropped=0\n")

	require.NoError(t, c.Execute(ctx, "net up"))
	assert.True(t, net.State())
	require.NoError(t, c.Execute(ctx, "session stop"))
	assert.Equal(t, session.Idle, m.Status().State)
	assert.Equal(t, 0, net.Active())
	require.NoError(t, c.Execute(ctx, "net down"))
	assert.False(t, net.State())
}

func TestNetStatic(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	net := netprov.NewStatic("eth0")
	m, err := session.New(session.Options{
		Config:  session.Config{DeviceID: "dev1", Host: "127.0.0.1", Port: 1883},
		Network: net,
		Log:     log,
	})
	require.NoError(t, err)
	defer m.Close()
	c := New(m, net, &bytes.Buffer{}, false, log)
	assert.True(t, errors.IsNotSupported(c.Execute(context.Background(), "net up")))
}

func TestExecutor(t *testing.T) {
	t.Parallel()
	c, _, _, out := newTestConsole(t)
	quit := false
	exec := c.Executor(func() { quit = true })
	exec("bogus")
	assert.Contains(t, out.String(), "error: ")
	assert.False(t, quit)
	exec("quit")
	assert.True(t, quit)
}
