// Package console is line oriented operator interface to session manager.
package console

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/c-bata/go-prompt"
	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/temoto/mqttlink/log2"
	"github.com/temoto/mqttlink/netprov"
	"github.com/temoto/mqttlink/session"
	"github.com/temoto/mqttlink/transport"
)

const usage = `commands:
- session start|stop|status
- config get [key]
- config set key value      keys: %s
- send key value            publish {"key":"value"} to messages topic
- pub topic payload
- pubfile topic path
- sub topic
- unsub topic
- ack uid ok|error [message]
- queued                    print and clear incoming message queue
- net up|down               only with manual network provider
- help
- quit
`

var ErrQuit = errors.New("quit")

type Console struct {
	m       *session.Manager
	network netprov.Provider
	out     io.Writer
	log     *log2.Log
	Timeout time.Duration

	green  *color.Color
	yellow *color.Color
	red    *color.Color
	bold   *color.Color
}

func New(m *session.Manager, network netprov.Provider, out io.Writer, colored bool, log *log2.Log) *Console {
	c := &Console{
		m:       m,
		network: network,
		out:     out,
		log:     log,
		Timeout: 30 * time.Second,
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
		bold:    color.New(color.Bold),
	}
	for _, col := range []*color.Color{c.green, c.yellow, c.red, c.bold} {
		if colored {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

// Executor adapts Execute for prompt, quit calls onQuit.
func (c *Console) Executor(onQuit func()) func(string) {
	return func(line string) {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()
		err := c.Execute(ctx, line)
		switch {
		case err == ErrQuit:
			onQuit()
		case err != nil:
			fmt.Fprintf(c.out, "%s %v\n", c.red.Sprint("error:"), err)
		}
	}
}

func (c *Console) Completer() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "session", Description: "start|stop|status"},
		{Text: "config", Description: "get [key] | set key value"},
		{Text: "send", Description: "key value"},
		{Text: "pub", Description: "topic payload"},
		{Text: "pubfile", Description: "topic path"},
		{Text: "sub", Description: "topic"},
		{Text: "unsub", Description: "topic"},
		{Text: "ack", Description: "uid ok|error [message]"},
		{Text: "queued", Description: "show incoming messages"},
		{Text: "net", Description: "up|down"},
		{Text: "help"},
		{Text: "quit"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func (c *Console) Execute(ctx context.Context, line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	c.log.Debugf("console: %s", line)
	cmd, args := strings.ToLower(words[0]), words[1:]
	switch cmd {
	case "help", "?":
		fmt.Fprintf(c.out, usage, strings.Join(configKeys(), ","))
		return nil
	case "quit", "exit":
		return ErrQuit
	case "session":
		return c.session(ctx, args)
	case "config":
		return c.config(ctx, args)
	case "send":
		if len(args) < 2 {
			return errors.NotValidf("usage: send key value")
		}
		return c.m.Send(ctx, args[0], strings.Join(args[1:], " "))
	case "pub":
		if len(args) < 2 {
			return errors.NotValidf("usage: pub topic payload")
		}
		return c.m.Publish(ctx, args[0], []byte(strings.Join(args[1:], " ")))
	case "pubfile":
		if len(args) != 2 {
			return errors.NotValidf("usage: pubfile topic path")
		}
		return c.m.PublishFile(ctx, args[0], args[1])
	case "sub":
		if len(args) != 1 {
			return errors.NotValidf("usage: sub topic")
		}
		return c.m.Subscribe(ctx, args[0])
	case "unsub":
		if len(args) != 1 {
			return errors.NotValidf("usage: unsub topic")
		}
		return c.m.Unsubscribe(ctx, args[0])
	case "ack":
		return c.ack(ctx, args)
	case "queued":
		c.queued()
		return nil
	case "net":
		return c.net(args)
	}
	return errors.NotSupportedf("command=%s, try help", words[0])
}

func (c *Console) session(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.NotValidf("usage: session start|stop|status")
	}
	switch args[0] {
	case "start":
		status, err := c.m.Connect(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "connect %s\n", status)
		return nil
	case "stop":
		return c.m.Disconnect(ctx)
	case "status":
		c.status()
		return nil
	}
	return errors.NotValidf("session %s", args[0])
}

func (c *Console) status() {
	st := c.m.Status()
	state := st.State.String()
	switch st.State {
	case session.Active:
		state = c.green.Sprint(state)
	case session.Idle:
		if st.LastError != nil {
			state = c.red.Sprint(state)
		}
	default:
		state = c.yellow.Sprint(state)
	}
	fmt.Fprintf(c.out, "%s %s since %s\n", c.bold.Sprint("state"), state, st.Since.Format(time.RFC3339))
	if st.Broker != "" {
		fmt.Fprintf(c.out, "broker %s client=%s attempt=%d\n", st.Broker, st.ClientID, st.Attempt)
	}
	if st.Untrusted {
		fmt.Fprintln(c.out, c.red.Sprint("certificate not verified"))
	}
	if len(st.Subscribed) != 0 {
		fmt.Fprintf(c.out, "subscribed %s\n", strings.Join(st.Subscribed, " "))
	}
	if !st.LastActivity.IsZero() {
		fmt.Fprintf(c.out, "last activity %s ago\n", time.Since(st.LastActivity).Truncate(time.Millisecond))
	}
	if st.LastError != nil {
		fmt.Fprintf(c.out, "last error %s\n", c.red.Sprint(st.LastError))
	}
	q := c.m.Inbox()
	fmt.Fprintf(c.out, "incoming queued=%d dropped=%d\n", q.Len(), q.Dropped())
}

func (c *Console) queued() {
	msgs := c.m.Inbox().Drain()
	if len(msgs) == 0 {
		fmt.Fprintln(c.out, "no incoming messages")
		return
	}
	for _, s := range msgs {
		fmt.Fprintln(c.out, s)
	}
	fmt.Fprintf(c.out, "incoming messages queued: %d\n", len(msgs))
}

func (c *Console) ack(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.NotValidf("usage: ack uid ok|error [message]")
	}
	var result error
	switch strings.ToLower(args[1]) {
	case "ok":
	case "error", "err", "ko":
		msg := strings.Join(args[2:], " ")
		if msg == "" {
			msg = "failed"
		}
		result = errors.New(msg)
	default:
		return errors.NotValidf("ack status=%s", args[1])
	}
	return c.m.Ack(ctx, args[0], result)
}

func (c *Console) net(args []string) error {
	manual, ok := c.network.(*netprov.Manual)
	if !ok {
		return errors.NotSupportedf("net command with provider %T", c.network)
	}
	if len(args) != 1 {
		return errors.NotValidf("usage: net up|down")
	}
	switch args[0] {
	case "up":
		manual.SetState(true)
	case "down":
		manual.SetState(false)
	default:
		return errors.NotValidf("net %s", args[0])
	}
	return nil
}

type configKey struct {
	get func(*session.Config) string
	set func(*session.Config, string) error
}

var configKeyMap = map[string]configKey{
	"broker": {
		func(c *session.Config) string { return c.Host },
		func(c *session.Config, v string) error { c.Host = v; return nil }},
	"port": {
		func(c *session.Config) string { return strconv.Itoa(c.Port) },
		func(c *session.Config, v string) (err error) { c.Port, err = strconv.Atoi(v); return }},
	"usetls": {
		func(c *session.Config) string { return b2s(c.Secure) },
		func(c *session.Config, v string) (err error) { c.Secure, err = parseBool(v); return }},
	"verify": {
		func(c *session.Config) string { return c.Verify.String() },
		func(c *session.Config, v string) (err error) { c.Verify, err = transport.ParseVerifyPolicy(v); return }},
	"kalive": {
		func(c *session.Config) string { return strconv.Itoa(int(c.Keepalive / time.Second)) },
		func(c *session.Config, v string) error {
			n, err := strconv.Atoi(v)
			c.Keepalive = time.Duration(n) * time.Second
			return err
		}},
	"qos": {
		func(c *session.Config) string { return strconv.Itoa(int(c.QOS)) },
		func(c *session.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err == nil && (n < 0 || n > 2) {
				err = errors.NotValidf("qos=%d", n)
			}
			c.QOS = packet.QOS(n)
			return err
		}},
	"deviceid": {
		func(c *session.Config) string { return c.DeviceID },
		func(c *session.Config, v string) error { c.DeviceID = v; return nil }},
	"clientid": {
		func(c *session.Config) string { return c.ClientID },
		func(c *session.Config, v string) error { c.ClientID = v; return nil }},
	"username": {
		func(c *session.Config) string { return c.Username },
		func(c *session.Config, v string) error { c.Username = v; return nil }},
	"password": {
		func(c *session.Config) string {
			if c.Password != nil {
				return "(signed token)"
			}
			return strings.Repeat("*", len(c.Secret))
		},
		func(c *session.Config, v string) error { c.Secret, c.Password = v, nil; return nil }},
	"passwordfile": {
		func(c *session.Config) string { return "" },
		func(c *session.Config, v string) error {
			b, err := ioutil.ReadFile(v)
			if err != nil {
				return errors.Annotate(err, "password file")
			}
			c.Secret, c.Password = strings.TrimSpace(string(b)), nil
			return nil
		}},
}

func configKeys() []string {
	keys := make([]string, 0, len(configKeyMap))
	for k := range configKeyMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Console) config(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "get" {
		cfg := c.m.Config()
		var keys []string
		if len(args) > 1 {
			keys = []string{strings.ToLower(args[1])}
		} else {
			keys = configKeys()
		}
		for _, k := range keys {
			ck, ok := configKeyMap[k]
			if !ok {
				return errors.NotFoundf("config key=%s", k)
			}
			if k == "passwordfile" && len(args) < 2 {
				continue
			}
			fmt.Fprintf(c.out, "%s = %s\n", k, ck.get(&cfg))
		}
		return nil
	}
	if args[0] != "set" || len(args) < 3 {
		return errors.NotValidf("usage: config get [key] | config set key value")
	}
	k := strings.ToLower(args[1])
	ck, ok := configKeyMap[k]
	if !ok {
		return errors.NotFoundf("config key=%s", args[1])
	}
	cfg := c.m.Config()
	if err := ck.set(&cfg, strings.Join(args[2:], " ")); err != nil {
		return errors.Annotatef(err, "config set %s", k)
	}
	if err := c.m.Configure(ctx, cfg); err != nil {
		return err
	}
	if c.m.Status().State != session.Idle {
		fmt.Fprintln(c.out, "applies to next session")
	}
	return nil
}

func b2s(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errors.NotValidf("bool=%s", s)
}
