// Package config reads HCL session configuration.
//
//	include "local.hcl" { optional = true }
//	profile = "airvantage"
//	device_id = "359377060000000"
//	broker { host = "eu.airvantage.net" tls = true }
//	tls { verify = "optional" }
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/mqttlink/credential"
	"github.com/temoto/mqttlink/helpers"
	"github.com/temoto/mqttlink/log2"
	"github.com/temoto/mqttlink/netprov"
	"github.com/temoto/mqttlink/session"
	"github.com/temoto/mqttlink/transport"
)

const (
	ProfileAirVantage = "airvantage"
	ProfileGeneric    = "generic"
	ProfileGCloud     = "gcloud"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Profile  string `hcl:"profile"`
	DeviceID string `hcl:"device_id"`

	Broker struct {
		Host             string `hcl:"host"`
		Port             int    `hcl:"port"`
		TLS              *bool  `hcl:"tls"`
		ClientID         string `hcl:"client_id"`
		Username         string `hcl:"username"`
		Secret           string `hcl:"secret"`
		KeepaliveSec     int    `hcl:"keepalive_sec"`
		QOS              int    `hcl:"qos"`
		TimeoutMs        int    `hcl:"timeout_ms"`
		ConnectTimeoutMs int    `hcl:"connect_timeout_ms"`
	} `hcl:"broker"`

	TLS struct {
		CAFile   string `hcl:"ca_file"`
		CADir    string `hcl:"ca_dir"`
		CertFile string `hcl:"cert_file"`
		KeyFile  string `hcl:"key_file"`
		Verify   string `hcl:"verify"`
	} `hcl:"tls"`

	Topics struct {
		Tasks    string `hcl:"tasks"`
		Messages string `hcl:"messages"`
		Acks     string `hcl:"acks"`
	} `hcl:"topics"`

	Retry struct {
		Attempts         int   `hcl:"attempts"`
		DelayMs          int   `hcl:"delay_ms"`
		SubscribeDelayMs int   `hcl:"subscribe_delay_ms"`
		Reconnect        *bool `hcl:"reconnect"`
	} `hcl:"retry"`

	Poll struct {
		IntervalMs int `hcl:"interval_ms"`
		YieldMs    int `hcl:"yield_ms"`
	} `hcl:"poll"`

	Network struct {
		Provider  string `hcl:"provider"`
		Interface string `hcl:"interface"`
		SysRoot   string `hcl:"sys_root"`
	} `hcl:"network"`

	GCloud struct {
		Project        string `hcl:"project"`
		Location       string `hcl:"location"`
		Registry       string `hcl:"registry"`
		PrivateKeyFile string `hcl:"private_key_file"`
		Algorithm      string `hcl:"algorithm"`
		TokenTTLSec    int    `hcl:"token_ttl_sec"`
	} `hcl:"gcloud"`

	Log struct {
		Debug bool `hcl:"debug"`
	} `hcl:"log"`

	Inbox struct {
		Capacity int `hcl:"capacity"`
	} `hcl:"inbox"`
}

// Source name starting with "?" is same as optional=true.
type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	if strings.HasPrefix(source.Name, "?") {
		source.Name = source.Name[1:]
		source.Optional = true
	}
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		name := strings.TrimPrefix(include.Name, "?")
		// relative to including file
		if !filepath.IsAbs(name) {
			name = filepath.Join(filepath.Dir(source.Name), name)
		}
		if strings.HasPrefix(include.Name, "?") {
			include.Optional = true
		}
		include.Name = name
		if _, ok := c.includeSeen[fs.Normalize(name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if dir != "" {
			osfs.SetBase(dir)
			names[0] = name
		}
	}
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadFile reads config file from OS, includes are relative to its directory.
func ReadFile(log *log2.Log, path string) (*Config, error) {
	fs, err := NewOsFullReader(".")
	if err != nil {
		return nil, err
	}
	return ReadConfig(log, fs, path)
}

func (c *Config) profile() string {
	if c.Profile == "" {
		return ProfileAirVantage
	}
	return strings.ToLower(c.Profile)
}

func boolDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func stringDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Session applies profile defaults and returns session configuration.
func (c *Config) Session() (session.Config, error) {
	var sc session.Config
	sc.DeviceID = c.DeviceID
	sc.ClientID = c.Broker.ClientID
	sc.Username = c.Broker.Username
	sc.Secret = c.Broker.Secret
	sc.Host = c.Broker.Host
	sc.Port = c.Broker.Port

	switch c.profile() {
	case ProfileAirVantage:
		sc.Secure = boolDefault(c.Broker.TLS, true)
		sc.Host = stringDefault(sc.Host, "eu.airvantage.net")
		sc.Username = stringDefault(sc.Username, sc.DeviceID)
		sc.Secret = stringDefault(sc.Secret, "sierra")

	case ProfileGeneric:
		sc.Secure = boolDefault(c.Broker.TLS, false)
		sc.DeviceID = stringDefault(sc.DeviceID, "mqttGeneric")
		sc.Host = stringDefault(sc.Host, "iot.eclipse.org")
		sc.Username = stringDefault(sc.Username, "username")
		sc.Secret = stringDefault(sc.Secret, "noSecret")

	case ProfileGCloud:
		g := &c.GCloud
		sc.Secure = boolDefault(c.Broker.TLS, true)
		sc.Host = stringDefault(sc.Host, "mqtt.googleapis.com")
		sc.Username = stringDefault(sc.Username, "unused")
		if g.Project == "" || g.Location == "" || g.Registry == "" {
			return sc, errors.NotValidf("config gcloud project, location, registry required")
		}
		sc.ClientID = stringDefault(sc.ClientID, credential.GCloudClientID(g.Project, g.Location, g.Registry, c.DeviceID))
		if g.PrivateKeyFile == "" {
			return sc, errors.NotValidf("config gcloud private_key_file empty")
		}
		jwt, err := credential.NewJWTFile(g.Project, g.Algorithm, g.PrivateKeyFile, time.Duration(g.TokenTTLSec)*time.Second)
		if err != nil {
			return sc, errors.Annotate(err, "config gcloud")
		}
		sc.Password = jwt
		sc.TasksTopic = "/devices/" + c.DeviceID + "/config"
		sc.MessagesTopic = "/devices/" + c.DeviceID + "/state"
		sc.AcksTopic = sc.MessagesTopic

	default:
		return sc, errors.NotValidf("config profile=%s", c.Profile)
	}
	if sc.Port == 0 {
		sc.Port = 1883
		if sc.Secure {
			sc.Port = 8883
		}
	}

	var err error
	sc.CAFile = c.TLS.CAFile
	sc.CADir = c.TLS.CADir
	sc.CertFile = c.TLS.CertFile
	sc.KeyFile = c.TLS.KeyFile
	if sc.Verify, err = transport.ParseVerifyPolicy(c.TLS.Verify); err != nil {
		return sc, errors.Annotate(err, "config tls.verify")
	}

	sc.Keepalive = helpers.IntSecondDefault(c.Broker.KeepaliveSec, 0)
	if c.Broker.QOS < 0 || c.Broker.QOS > 2 {
		return sc, errors.NotValidf("config broker.qos=%d", c.Broker.QOS)
	}
	sc.QOS = packet.QOS(c.Broker.QOS)
	sc.CommandTimeout = helpers.IntMillisecondDefault(c.Broker.TimeoutMs, 0)
	sc.ConnectTimeout = helpers.IntMillisecondDefault(c.Broker.ConnectTimeoutMs, 0)

	sc.MaxAttempts = c.Retry.Attempts
	sc.RetryDelay = helpers.IntMillisecondDefault(c.Retry.DelayMs, session.DefaultRetryDelay)
	sc.SubscribeRetryDelay = helpers.IntMillisecondDefault(c.Retry.SubscribeDelayMs, 0)
	sc.DisableReconnect = !boolDefault(c.Retry.Reconnect, true)
	sc.PollInterval = helpers.IntMillisecondDefault(c.Poll.IntervalMs, 0)
	sc.YieldTimeout = helpers.IntMillisecondDefault(c.Poll.YieldMs, 0)

	if c.Topics.Tasks != "" {
		sc.TasksTopic = c.Topics.Tasks
	}
	if c.Topics.Messages != "" {
		sc.MessagesTopic = c.Topics.Messages
	}
	if c.Topics.Acks != "" {
		sc.AcksTopic = c.Topics.Acks
	}
	return sc, errors.Trace(sc.Validate())
}

// NetworkProvider: "static" (default), "link" or "manual".
func (c *Config) NetworkProvider(log *log2.Log) (netprov.Provider, error) {
	iface := c.Network.Interface
	switch strings.ToLower(c.Network.Provider) {
	case "", "static":
		return netprov.NewStatic(iface), nil
	case "link":
		if iface == "" {
			return nil, errors.NotValidf("config network.interface empty")
		}
		l := netprov.NewLink(iface, log)
		l.SysRoot = c.Network.SysRoot
		return l, nil
	case "manual":
		return netprov.NewManual(stringDefault(iface, "manual"), false), nil
	}
	return nil, errors.NotValidf("config network.provider=%s", c.Network.Provider)
}
