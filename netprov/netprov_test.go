package netprov

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mqttlink/helpers"
	"github.com/temoto/mqttlink/log2"
)

type recorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *recorder) on(iface string, connected bool) {
	r.mu.Lock()
	r.events = append(r.events, connected)
	r.mu.Unlock()
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func TestStatic(t *testing.T) {
	t.Parallel()

	var r recorder
	p := NewStatic("")
	p.OnStateChange(r.on)
	h, err := p.Request(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, h)
	assert.Equal(t, []bool{true}, r.get())
	require.NoError(t, p.Release(h))
	assert.True(t, errors.IsNotFound(p.Release(h)))
}

func TestManual(t *testing.T) {
	t.Parallel()

	var r recorder
	p := NewManual("wwan0", false)
	p.OnStateChange(r.on)
	h1, err := p.Request(context.Background())
	require.NoError(t, err)
	assert.Len(t, r.get(), 0)
	p.SetState(true)
	p.SetState(false)
	assert.Equal(t, []bool{true, false}, r.get())

	p.FailRequests(errors.New("modem off"))
	_, err = p.Request(context.Background())
	assert.EqualError(t, err, "modem off")
	p.FailRequests(nil)

	h2, err := p.Request(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, p.Active())
	require.NoError(t, p.Release(h1))
	require.NoError(t, p.Release(h2))
	assert.Equal(t, 0, p.Active())
}

func TestLink(t *testing.T) {
	t.Parallel()

	root, err := ioutil.TempDir("", "netprov-link")
	require.NoError(t, err)
	defer os.RemoveAll(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wwan0"), 0o755))
	state := filepath.Join(root, "wwan0", "operstate")
	require.NoError(t, ioutil.WriteFile(state, []byte("down\n"), 0o644))

	var r recorder
	p := NewLink("wwan0", log2.NewTest(t, log2.LDebug))
	p.SysRoot = root
	p.Interval = 5 * time.Millisecond
	p.OnStateChange(r.on)

	h, err := p.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, r.get())

	require.NoError(t, ioutil.WriteFile(state, []byte("up\n"), 0o644))
	assert.True(t, helpers.Eventually(time.Second, 5*time.Millisecond, func() bool { return len(r.get()) == 2 }))
	assert.Equal(t, []bool{false, true}, r.get())

	require.NoError(t, p.Release(h))
	require.NoError(t, ioutil.WriteFile(state, []byte("down\n"), 0o644))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, r.get(), 2, "no events after last release")

	_, err = NewLink("nosuch0", nil).Request(context.Background())
	assert.Error(t, err)
}
