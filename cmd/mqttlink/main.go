package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/mqttlink/command"
	"github.com/temoto/mqttlink/config"
	"github.com/temoto/mqttlink/helpers/cli"
	"github.com/temoto/mqttlink/inbox"
	"github.com/temoto/mqttlink/internal/console"
	"github.com/temoto/mqttlink/log2"
	"github.com/temoto/mqttlink/session"
	ucli "github.com/urfave/cli/v2"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	app := ucli.NewApp()
	app.Name = "mqttlink"
	app.Version = version
	app.Usage = "device management session with MQTT broker"
	app.Flags = []ucli.Flag{
		&ucli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   "mqttlink.hcl",
			Usage:   "read configuration from `FILE`",
			EnvVars: []string{"MQTTLINK_CONFIG"},
		},
		&ucli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "verbose logging",
		},
	}
	app.Commands = []*ucli.Command{
		{
			Name:  "run",
			Usage: "connect and keep session until signal",
			Flags: []ucli.Flag{
				&ucli.BoolFlag{
					Name:  "console",
					Usage: "interactive command line on stdin",
				},
				&ucli.BoolFlag{
					Name:  "watch",
					Value: true,
					Usage: "apply config file changes to next session",
				},
			},
			Action: runMain,
		},
		{
			Name:      "decode",
			Usage:     "decode command payload from argument or stdin",
			ArgsUsage: "[PAYLOAD]",
			Action:    decodeMain,
		},
		{
			Name:  "version",
			Usage: "print version",
			Action: func(c *ucli.Context) error {
				fmt.Println(version)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLog(c *ucli.Context, service bool) *log2.Log {
	level := log2.LInfo
	if c.Bool("debug") {
		level = log2.LDebug
	}
	l := log2.NewStderr(level)
	if service {
		// systemd journal adds timestamp
		l.SetFlags(log2.LServiceFlags)
	} else {
		l.SetFlags(log2.LInteractiveFlags)
	}
	return l
}

func runMain(c *ucli.Context) error {
	configPath := c.String("config")
	service := sdnotify("start")
	log := newLog(c, service)

	cfg, err := config.ReadFile(log, configPath)
	if err != nil {
		return ucli.Exit(errors.ErrorStack(err), 1)
	}
	if cfg.Log.Debug {
		log.SetLevel(log2.LDebug)
	}
	sc, err := cfg.Session()
	if err != nil {
		return ucli.Exit(errors.ErrorStack(err), 1)
	}
	network, err := cfg.NetworkProvider(log)
	if err != nil {
		return ucli.Exit(errors.ErrorStack(err), 1)
	}

	interactive := c.Bool("console")
	var m *session.Manager
	m, err = session.New(session.Options{
		Config:  sc,
		Network: network,
		Commands: session.CommandFunc(func(ctx context.Context, cmd session.Command) error {
			log.Infof("command %s", cmd.String())
			return nil
		}),
		Installs: session.InstallFunc(func(ctx context.Context, r command.InstallRequest) {
			if interactive {
				log.Infof("%s use `ack %s ok|error` when done", r.String(), r.UID)
				return
			}
			if err := m.Ack(ctx, r.UID, errors.NotSupportedf("swinstall type=%s", r.Type)); err != nil {
				log.Errorf("swinstall ack err=%v", err)
			}
		}),
		Events: session.EventFunc(func(ctx context.Context, e session.Event) {
			if e.Kind == session.EventConnected {
				sdnotify(daemon.SdNotifyReady)
			}
		}),
		Inbox: inbox.New(cfg.Inbox.Capacity),
		Log:   log,
	})
	if err != nil {
		return ucli.Exit(errors.ErrorStack(err), 1)
	}

	if c.Bool("watch") {
		w, err := config.Watch(log, configPath, func(fresh *config.Config, err error) {
			var next session.Config
			if err == nil {
				next, err = fresh.Session()
			}
			if err == nil {
				err = m.Configure(context.Background(), next)
			}
			if err != nil {
				log.Errorf("config reload: %v", err)
				return
			}
			log.Infof("config reloaded, applies to next session")
		})
		if err != nil {
			log.Errorf("config watch: %v", err)
		} else {
			defer w.Stop()
		}
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			sdnotify(daemon.SdNotifyStopping)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.Disconnect(ctx); err != nil {
				log.Errorf("disconnect: %v", err)
			}
			m.Close()
		})
	}

	ctx := context.Background()
	if _, err = m.Connect(ctx); err != nil {
		log.Errorf("connect: %v", err)
	}

	if interactive {
		con := console.New(m, network, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()), log)
		cli.MainLoop("mqttlink", con.Executor(func() { stop(); os.Exit(0) }), con.Completer(), stop)
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("signal=%v, stopping", sig)
	stop()
	return nil
}

func decodeMain(c *ucli.Context) error {
	var payload []byte
	if c.NArg() > 0 {
		payload = []byte(c.Args().First())
	} else {
		b, err := ioutil.ReadAll(os.Stdin)
		if err != nil {
			return ucli.Exit(err, 1)
		}
		payload = b
	}
	switch env := command.Decode(payload).(type) {
	case *command.Batch:
		fmt.Println(env.String())
		for i, p := range env.Params {
			fmt.Printf("  %s = %s\n", env.Key(i), p.Value)
		}
		if env.Truncated {
			fmt.Printf("  (params over %d ignored)\n", command.MaxParams)
		}
	case *command.InstallRequest:
		fmt.Println(env.String())
	case *command.Unrecognized:
		return ucli.Exit(env.String(), 2)
	}
	return nil
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
