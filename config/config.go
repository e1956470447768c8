// Package config loads rexd settings from an optional rexd.toml file and then
// applies REX_* environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"rex/host/snesemu"
	"rex/protocol"
	"rex/rex"
	"rex/util"
)

type Config struct {
	Listen  Listen  `toml:"listen"`
	Server  Server  `toml:"server"`
	Host    Host    `toml:"host"`
	Bridge  Bridge  `toml:"bridge"`
	Health  Health  `toml:"health"`
	Capture Capture `toml:"capture"`
	LogFile bool    `toml:"log-file"`

	// Path is the file the config was read from, if any.
	Path string `toml:"-"`
}

type Listen struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Backlog int    `toml:"backlog"`
}

type Server struct {
	Quota         int `toml:"quota"`
	Width         int `toml:"width"`
	Height        int `toml:"height"`
	MaxMessage    int `toml:"max-message"`
	MaxOutbound   int `toml:"max-outbound"`
	MaxPollRounds int `toml:"max-poll-rounds"`
}

type Host struct {
	ROM                  string   `toml:"rom"`
	InstructionsPerFrame int      `toml:"instructions-per-frame"`
	FrameInterval        Duration `toml:"frame-interval"`
}

type Bridge struct {
	WebSocketAddr string `toml:"websocket-addr"`
	WebSocketPath string `toml:"websocket-path"`
	SerialPort    string `toml:"serial-port"`
	SerialBaud    int    `toml:"serial-baud"`
}

type Health struct {
	Addr string `toml:"addr"`
}

type Capture struct {
	Path string `toml:"path"`
}

// Duration is a time.Duration written as a string ("16ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() *Config {
	rc := rex.DefaultConfig()
	return &Config{
		Listen: Listen{
			Host:    "127.0.0.1",
			Port:    protocol.DefaultPort,
			Backlog: rc.Backlog,
		},
		Server: Server{
			Quota:         rc.Quota,
			Width:         rc.Width,
			Height:        rc.Height,
			MaxMessage:    rc.MaxMessage,
			MaxOutbound:   rc.MaxOutbound,
			MaxPollRounds: rc.MaxPollRounds,
		},
		Host: Host{
			InstructionsPerFrame: snesemu.DefaultInstructionsPerFrame,
			FrameInterval:        Duration{time.Second / 60},
		},
		Bridge: Bridge{
			WebSocketPath: "/rex",
			SerialBaud:    115200,
		},
		LogFile: true,
	}
}

// Load reads path over the defaults. An empty path skips the file. The
// environment is applied afterwards either way.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
		}
		if err = toml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse error in %s: %w", path, err)
		}
		c.Path = path
	}

	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides settings from REX_* environment variables. A truthy
// REX_<X>_DISABLE clears the corresponding optional service.
func (c *Config) ApplyEnv() {
	c.Listen.Host = util.EnvString("REX_LISTEN_HOST", c.Listen.Host)
	c.Listen.Port = util.EnvInt("REX_LISTEN_PORT", c.Listen.Port)
	c.Bridge.WebSocketAddr = util.EnvString("REX_WS_ADDR", c.Bridge.WebSocketAddr)
	c.Bridge.SerialPort = util.EnvString("REX_SERIAL_PORT", c.Bridge.SerialPort)
	c.Health.Addr = util.EnvString("REX_HEALTH_ADDR", c.Health.Addr)
	c.Capture.Path = util.EnvString("REX_CAPTURE", c.Capture.Path)
	c.Host.ROM = util.EnvString("REX_ROM", c.Host.ROM)

	if util.EnvBool("REX_WS_DISABLE") {
		c.Bridge.WebSocketAddr = ""
	}
	if util.EnvBool("REX_SERIAL_DISABLE") {
		c.Bridge.SerialPort = ""
	}
	if util.EnvBool("REX_HEALTH_DISABLE") {
		c.Health.Addr = ""
	}
	if util.EnvBool("REX_CAPTURE_DISABLE") {
		c.Capture.Path = ""
	}
	if util.EnvBool("REX_LOGFILE_DISABLE") {
		c.LogFile = false
	}
}

func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 0xFFFF {
		return fmt.Errorf("config: listen port %d out of range", c.Listen.Port)
	}
	ip := net.ParseIP(c.Listen.Host)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("config: listen host %q is not an IPv4 address", c.Listen.Host)
	}
	if !ip.IsLoopback() {
		return fmt.Errorf("config: listen host %q is not a loopback address", c.Listen.Host)
	}
	if c.Server.Quota < 0 {
		return fmt.Errorf("config: quota %d is negative", c.Server.Quota)
	}
	if c.Host.FrameInterval.Duration < 0 {
		return fmt.Errorf("config: frame interval %s is negative", c.Host.FrameInterval)
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Listen.Host, strconv.Itoa(c.Listen.Port))
}

// Rex returns the server settings; zero values take the server's defaults.
func (c *Config) Rex() rex.Config {
	return rex.Config{
		Addr:          c.ListenAddr(),
		Backlog:       c.Listen.Backlog,
		Quota:         c.Server.Quota,
		Width:         c.Server.Width,
		Height:        c.Server.Height,
		MaxMessage:    c.Server.MaxMessage,
		MaxOutbound:   c.Server.MaxOutbound,
		MaxPollRounds: c.Server.MaxPollRounds,
	}
}
