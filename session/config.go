package session

import (
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/mqttlink/log2"
	"github.com/temoto/mqttlink/mqtt"
	"github.com/temoto/mqttlink/transport"
)

const (
	DefaultMaxAttempts         = 3
	DefaultRetryDelay          = time.Second
	DefaultPollInterval        = time.Second
	DefaultYieldTimeout        = 100 * time.Millisecond
	DefaultSubscribeRetryDelay = 2 * time.Second
)

// PasswordSource produces broker password per handshake attempt, e.g. signed token.
type PasswordSource interface {
	Password(now time.Time) (string, error)
}

// Config is copied on connect, changes apply to next session.
type Config struct {
	DeviceID string
	ClientID string // default DeviceID
	Username string
	Secret   string
	Password PasswordSource // overrides Secret when set

	Host   string
	Port   int
	Secure bool
	CAFile string
	CADir  string
	// nil means transport.DefaultCertSearchPaths
	CertSearchPaths []string
	CertFile        string
	KeyFile         string
	Verify          transport.VerifyPolicy

	Keepalive      time.Duration
	QOS            packet.QOS
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	MaxAttempts         int
	RetryDelay          time.Duration
	SubscribeRetryDelay time.Duration
	DisableReconnect    bool

	PollInterval time.Duration
	YieldTimeout time.Duration

	// Topic overrides, default <DeviceID>/tasks/json, /messages/json, /acks/json
	TasksTopic    string
	MessagesTopic string
	AcksTopic     string

	Dial transport.DialFunc
}

// withDefaults returns copy with zero values filled.
func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = c.DeviceID
	}
	if c.Keepalive == 0 {
		c.Keepalive = mqtt.DefaultKeepalive
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = mqtt.DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.SubscribeRetryDelay <= 0 {
		c.SubscribeRetryDelay = DefaultSubscribeRetryDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.YieldTimeout <= 0 {
		c.YieldTimeout = DefaultYieldTimeout
	}
	if c.TasksTopic == "" {
		c.TasksTopic = c.DeviceID + "/tasks/json"
	}
	if c.MessagesTopic == "" {
		c.MessagesTopic = c.DeviceID + "/messages/json"
	}
	if c.AcksTopic == "" {
		c.AcksTopic = c.DeviceID + "/acks/json"
	}
	return c
}

func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.NotValidf("config device_id empty")
	}
	if c.Host == "" {
		return errors.NotValidf("config broker host empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.NotValidf("config broker port=%d", c.Port)
	}
	if c.QOS > packet.QOSExactlyOnce {
		return errors.NotValidf("config qos=%d", c.QOS)
	}
	return nil
}

func (c *Config) password(now time.Time) (string, error) {
	if c.Password != nil {
		p, err := c.Password.Password(now)
		return p, errors.Annotate(err, "password source")
	}
	return c.Secret, nil
}

func (c *Config) transportOptions(log *log2.Log) transport.Options {
	return transport.Options{
		Host:            c.Host,
		Port:            c.Port,
		Secure:          c.Secure,
		CAFile:          c.CAFile,
		CADir:           c.CADir,
		CertFile:        c.CertFile,
		KeyFile:         c.KeyFile,
		CertSearchPaths: c.CertSearchPaths,
		Verify:          c.Verify,
		ConnectTimeout:  c.ConnectTimeout,
		Dial:            c.Dial,
		Log:             log,
	}
}

func (c *Config) codecOptions(password string, log *log2.Log, onMessage func(*packet.Message) error) mqtt.Options {
	return mqtt.Options{
		ClientID:     c.ClientID,
		Username:     c.Username,
		Password:     password,
		Keepalive:    c.Keepalive,
		Timeout:      c.CommandTimeout,
		CleanSession: true,
		OnMessage:    onMessage,
		Log:          log,
	}
}
