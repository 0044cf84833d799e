package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, KindTCP, c.Transport)
	assert.Equal(t, uint32(0x100000), c.MaxPayloadSize)
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ADBLINK_TRANSPORT", "WS")
	t.Setenv("ADBLINK_ADDR", "ws://relay:8080/adb")
	t.Setenv("ADBLINK_KEYS", "/tmp/keys")
	t.Setenv("ADBLINK_DEBUG", "true")
	t.Setenv("ADBLINK_MAX_PAYLOAD", "0x4000")
	t.Setenv("ADBLINK_MAX_STRAY_CLOSES", "0")
	t.Setenv("ADBLINK_STUN", "stun:a:1, stun:b:2")
	t.Setenv("ADBLINK_METRICS_ADDR", "")

	c, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, KindWebSocket, c.Transport)
	assert.Equal(t, "ws://relay:8080/adb", c.Addr)
	assert.Equal(t, "/tmp/keys", c.KeyDir)
	assert.True(t, c.Debug)
	assert.Equal(t, uint32(0x4000), c.MaxPayloadSize)
	assert.Zero(t, c.MaxStrayCloses)
	assert.Equal(t, []string{"stun:a:1", "stun:b:2"}, c.STUNServers)
	assert.Empty(t, c.MetricsAddr, "empty variables are ignored")
	assert.NoError(t, c.Validate())
}

func newFlags(t *testing.T) (*pflag.FlagSet, *viper.Viper) {
	t.Helper()
	d := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Uint32(KeyMaxPayload, d.MaxPayloadSize, "")
	fs.String(KeyLogLevel, d.LogLevel, "")
	fs.StringSlice(KeySTUN, d.STUNServers, "")
	v := NewViper()
	require.NoError(t, BindFlags(v, fs))
	return fs, v
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("ADBLINK_MAX_PAYLOAD", "8192")
	t.Setenv("ADBLINK_LOG_LEVEL", "warn")

	fs, v := newFlags(t)
	require.NoError(t, fs.Parse([]string{"--max-payload", "65536", "--stun", "stun:x:1,stun:y:2"}))

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, uint32(65536), c.MaxPayloadSize, "flag wins over env")
	assert.Equal(t, "warn", c.LogLevel, "env wins over an unset flag's default")
	assert.Equal(t, []string{"stun:x:1", "stun:y:2"}, c.STUNServers)
}

func TestLoadErrors(t *testing.T) {
	for name, value := range map[string]string{
		"ADBLINK_DEBUG":            "maybe",
		"ADBLINK_MAX_PAYLOAD":      "big",
		"ADBLINK_MAX_STRAY_CLOSES": "x",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := Load(NewViper())
			assert.ErrorContains(t, err, name)
		})
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"tcp without port", func(c *Config) { c.Addr = "localhost" }, false},
		{"tcp bad port", func(c *Config) { c.Addr = "localhost:70000" }, false},
		{"ws url", func(c *Config) { c.Transport, c.Addr = KindWebSocket, "wss://x/ws" }, true},
		{"ws wrong scheme", func(c *Config) { c.Transport, c.Addr = KindWebSocket, "http://x/ws" }, false},
		{"unknown transport", func(c *Config) { c.Transport = "usb" }, false},
		{"payload too small", func(c *Config) { c.MaxPayloadSize = 100 }, false},
		{"negative strays", func(c *Config) { c.MaxStrayCloses = -1 }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			if tc.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestNormalizeSignalingURL(t *testing.T) {
	testCases := map[string]string{
		"example.devtunnels.ms":             "wss://example.devtunnels.ms/ws",
		"ws://127.0.0.1:9000":               "ws://127.0.0.1:9000/ws",
		"https://host/ws?pin=1234":          "wss://host/ws?pin=1234",
		"  wss://host/custom?pin=9  ":       "wss://host/custom?pin=9",
		"http://localhost:8080/?pin=000111": "ws://localhost:8080/ws?pin=000111",
	}
	for in, want := range testCases {
		got, err := NormalizeSignalingURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeSignalingURL("://")
	assert.Error(t, err)
}
