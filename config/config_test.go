package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rexd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:11264", c.ListenAddr())
	assert.Equal(t, 4, c.Server.Quota)
	assert.Equal(t, 256, c.Server.Width)
	assert.Equal(t, 240, c.Server.Height)
	assert.Equal(t, 1<<20, c.Server.MaxMessage)
	assert.Equal(t, time.Second/60, c.Host.FrameInterval.Duration)
	assert.Empty(t, c.Path)

	rc := c.Rex()
	assert.Equal(t, "127.0.0.1:11264", rc.Addr)
	assert.Equal(t, 4, rc.Quota)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
log-file = false

[listen]
port = 12000

[server]
quota = 16

[host]
rom = "game.sfc"
frame-interval = "20ms"

[bridge]
websocket-addr = "127.0.0.1:8080"

[capture]
path = "/tmp/rex.cbor"
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, c.Path)
	assert.Equal(t, "127.0.0.1:12000", c.ListenAddr())
	assert.Equal(t, 16, c.Server.Quota)
	assert.Equal(t, 240, c.Server.Height, "unset keys keep defaults")
	assert.Equal(t, "game.sfc", c.Host.ROM)
	assert.Equal(t, 20*time.Millisecond, c.Host.FrameInterval.Duration)
	assert.Equal(t, "127.0.0.1:8080", c.Bridge.WebSocketAddr)
	assert.Equal(t, "/rex", c.Bridge.WebSocketPath)
	assert.Equal(t, "/tmp/rex.cbor", c.Capture.Path)
	assert.False(t, c.LogFile)
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, `
[bridge]
websocket-addr = "127.0.0.1:8080"
serial-port = "/dev/ttyACM0"

[health]
addr = "127.0.0.1:9000"
`)
	t.Setenv("REX_LISTEN_PORT", "12001")
	t.Setenv("REX_ROM", "other.sfc")
	t.Setenv("REX_CAPTURE", "cap.cbor")
	t.Setenv("REX_WS_DISABLE", "true")
	t.Setenv("REX_SERIAL_DISABLE", "0")
	t.Setenv("REX_HEALTH_ADDR", "127.0.0.1:9001")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12001, c.Listen.Port)
	assert.Equal(t, "other.sfc", c.Host.ROM)
	assert.Equal(t, "cap.cbor", c.Capture.Path)
	assert.Empty(t, c.Bridge.WebSocketAddr)
	assert.Equal(t, "/dev/ttyACM0", c.Bridge.SerialPort)
	assert.Equal(t, "127.0.0.1:9001", c.Health.Addr)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[listen\nport = 1"},
		{"port", "[listen]\nport = 70000"},
		{"host", "[listen]\nhost = \"localhost\""},
		{"wildcard", "[listen]\nhost = \"0.0.0.0\""},
		{"lan", "[listen]\nhost = \"192.168.1.20\""},
		{"interval", "[host]\nframe-interval = \"soon\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestListenHostLoopbackOnly(t *testing.T) {
	t.Setenv("REX_LISTEN_HOST", "0.0.0.0")
	_, err := Load("")
	assert.ErrorContains(t, err, "loopback")

	t.Setenv("REX_LISTEN_HOST", "127.0.0.2")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.2:11264", c.ListenAddr())
}
