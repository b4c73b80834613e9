// Package state holds the bridge configuration and the shared
// Global wiring built from it.
package state

import (
	"encoding/hex"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/ascentic/ropelink/estop"
	"github.com/ascentic/ropelink/helpers"
	"github.com/ascentic/ropelink/link"
	"github.com/ascentic/ropelink/log2"
)

type Config struct {
	g Global

	// Role selects which collaborators run: "robot" drives the
	// watchdog, sensors and actuators, "operator" the console side.
	Role string `hcl:"role"`

	// PSK is the shared key, 64 hex characters. Both ends must be
	// provisioned with the same value out of band.
	PSK string `hcl:"psk"`

	Net struct {
		ConnectTimeoutMs int `hcl:"connect_timeout_ms"`
		ReadTimeoutMs    int `hcl:"read_timeout_ms"` // 0 = bounded by connection death
		WriteTimeoutMs   int `hcl:"write_timeout_ms"`
		ReconnectDelayMs int `hcl:"reconnect_delay_ms"`
		MaxFrame         int `hcl:"max_frame"`
	}
	Control struct {
		Mode string `hcl:"mode"` // dial|listen
		URL  string `hcl:"url"`  // tcp://host:port
	}
	Telemetry struct {
		Mode       string `hcl:"mode"`
		URL        string `hcl:"url"`
		IntervalMs int    `hcl:"interval_ms"`
	}
	Video struct {
		Enable   bool   `hcl:"enable"`
		Mode     string `hcl:"mode"`
		URL      string `hcl:"url"`
		FPS      int    `hcl:"fps"`
		Width    int    `hcl:"width"`
		Height   int    `hcl:"height"`
		MaxFrame int    `hcl:"max_frame"`
	}
	Estop struct {
		ClearConfirmToken string `hcl:"clear_confirm_token"`
		ClearFreshnessMs  int    `hcl:"clear_freshness_ms"`
	}
	Watchdog struct {
		TimeoutMs int `hcl:"timeout_ms"`
		GraceMs   int `hcl:"grace_ms"`
		TickMs    int `hcl:"tick_ms"`
	}
	Status struct {
		IntervalMs int `hcl:"interval_ms"`
		Mqtt       struct {
			Enable      bool   `hcl:"enable"`
			Broker      string `hcl:"broker"`
			ClientID    string `hcl:"client_id"`
			Password    string `hcl:"password"`
			TopicPrefix string `hcl:"topic_prefix"`
		}
	}
}

// Global is runtime state derived from Config, shared by the daemon
// components.
type Global struct {
	Log      *log2.Log
	Secret   []byte
	PskValid bool
}

func (c *Config) Global() *Global { return &c.g }

func (c *Config) Init(log *log2.Log) error {
	c.g.Log = log
	switch c.Role {
	case "robot", "operator":
	default:
		return errors.Errorf("config: role=%q valid: robot, operator", c.Role)
	}
	if c.PSK == "" {
		// surfaced through psk_valid, channels refuse to start
		log.Errorf("config: psk is not set")
		return nil
	}
	secret, err := hex.DecodeString(c.PSK)
	if err != nil {
		return errors.Annotate(err, "config: psk must be hex")
	}
	if len(secret) != link.SecretSize {
		return errors.Errorf("config: psk must be %d bytes, got %d", link.SecretSize, len(secret))
	}
	c.g.Secret = secret
	c.g.PskValid = link.SelfTest(secret)
	if !c.g.PskValid {
		log.Errorf("config: psk self-test failed")
	}
	return nil
}

func (c *Config) linkOptions(name, mode, u string) (link.Options, error) {
	m, err := link.ParseMode(mode)
	if err != nil {
		return link.Options{}, errors.Annotatef(err, "config: %s", name)
	}
	return link.Options{
		Name:           name,
		Mode:           m,
		URL:            u,
		Secret:         c.g.Secret,
		ConnectTimeout: helpers.IntMillisecondDefault(c.Net.ConnectTimeoutMs, link.DefaultConnectTimeout),
		ReadTimeout:    helpers.IntMillisecondDefault(c.Net.ReadTimeoutMs, 0),
		WriteTimeout:   helpers.IntMillisecondDefault(c.Net.WriteTimeoutMs, link.DefaultWriteTimeout),
		ReconnectDelay: helpers.IntMillisecondDefault(c.Net.ReconnectDelayMs, link.DefaultReconnectDelay),
		MaxFrame:       uint32(c.Net.MaxFrame),
	}, nil
}

func (c *Config) ControlLinkOptions() (link.Options, error) {
	return c.linkOptions("control", c.Control.Mode, c.Control.URL)
}

func (c *Config) TelemetryLinkOptions() (link.Options, error) {
	return c.linkOptions("telemetry", c.Telemetry.Mode, c.Telemetry.URL)
}

func (c *Config) TelemetryInterval() time.Duration {
	return helpers.IntMillisecondDefault(c.Telemetry.IntervalMs, 100*time.Millisecond)
}

func (c *Config) StatusInterval() time.Duration {
	return helpers.IntMillisecondDefault(c.Status.IntervalMs, time.Second)
}

func (c *Config) ClearPolicy() estop.ClearPolicy {
	return estop.ClearPolicy{
		ConfirmToken: c.Estop.ClearConfirmToken,
		Freshness:    helpers.IntMillisecondDefault(c.Estop.ClearFreshnessMs, estop.DefaultClearFreshness),
	}
}

func (c *Config) WatchdogTimings() (timeout, grace, tick time.Duration) {
	timeout = helpers.IntMillisecondDefault(c.Watchdog.TimeoutMs, estop.DefaultWatchdogTimeout)
	grace = helpers.IntMillisecondDefault(c.Watchdog.GraceMs, estop.DefaultGracePeriod)
	tick = helpers.IntMillisecondDefault(c.Watchdog.TickMs, estop.DefaultTick)
	return
}

func ReadConfig(r io.Reader, log *log2.Log) (*Config, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	c := new(Config)
	if err = hcl.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err = c.Init(log); err != nil {
		return nil, err
	}
	return c, nil
}

func ReadConfigFile(path string, log *log2.Log) (*Config, error) {
	if pathAbs, err := filepath.Abs(path); err != nil {
		log.Errorf("filepath.Abs(%s) error=%v", path, err)
	} else {
		path = pathAbs
	}
	log.Debugf("reading config file %s", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadConfig(f, log)
}

func MustReadConfig(r io.Reader, log *log2.Log) *Config {
	c, err := ReadConfig(r, log)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func MustReadConfigFile(path string, log *log2.Log) *Config {
	c, err := ReadConfigFile(path, log)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func NewTestConfig(t testing.TB, text string) *Config {
	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	return MustReadConfig(strings.NewReader(text), log)
}
