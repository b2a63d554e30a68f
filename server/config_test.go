package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/legamerdc/evloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
address = "127.0.0.1:9000"
num_loops = 4
reuse_port = true
socket_recv_buffer = 65536
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	want := DefaultConfig()
	want.Address = "127.0.0.1:9000"
	want.NumLoops = 4
	want.ReusePort = true
	want.SocketRecvBuffer = 64 << 10
	assert.Equal(t, want, cfg)
}

func TestLoadConfig_RejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `adress = ":1"`))
	assert.ErrorIs(t, err, evloop.ErrInvalidArgument)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(*Config){
		"network":     func(c *Config) { c.Network = "udp" },
		"num loops":   func(c *Config) { c.NumLoops = -1 },
		"read buffer": func(c *Config) { c.ReadBufferSize = 0 },
		"so_rcvbuf":   func(c *Config) { c.SocketRecvBuffer = -1 },
		"so_sndbuf":   func(c *Config) { c.SocketSendBuffer = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), evloop.ErrInvalidArgument)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}
