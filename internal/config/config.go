// Package config holds the CLI configuration. Values come from flags,
// ADBLINK_* environment variables and built-in defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/1ureka/adblink/internal/transport"
)

// Kind selects how the device is reached.
type Kind string

const (
	KindTCP       Kind = "tcp"    // adbd listening on TCP, e.g. after "adb tcpip"
	KindWebSocket Kind = "ws"     // a WebSocket relay speaking raw ADB frames
	KindWebRTC    Kind = "webrtc" // an "adblink bridge" host, reached through signaling
)

// EnvPrefix prefixes every environment variable, e.g. ADBLINK_MAX_PAYLOAD
// for the max-payload key.
const EnvPrefix = "ADBLINK"

// Keys shared by flags, environment variables and defaults.
const (
	KeyTransport      = "transport"
	KeyAddr           = "addr"
	KeyKeys           = "keys"
	KeyDebug          = "debug"
	KeyLogLevel       = "log-level"
	KeyMetricsAddr    = "metrics-addr"
	KeyMaxPayload     = "max-payload"
	KeyMaxStrayCloses = "max-stray-closes"
	KeySTUN           = "stun"
)

// Config stores every parameter the CLI needs to reach and talk to a device.
type Config struct {
	Transport Kind
	Addr      string // host:port for tcp, URL for ws and webrtc
	KeyDir    string // empty means ~/.android

	Debug       bool
	LogLevel    string
	MetricsAddr string // empty disables the metrics endpoint

	MaxPayloadSize uint32
	MaxStrayCloses int
	STUNServers    []string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transport:      KindTCP,
		Addr:           "127.0.0.1:5555",
		LogLevel:       "info",
		MaxPayloadSize: 0x100000,
		MaxStrayCloses: 16,
		STUNServers:    append([]string(nil), transport.DefaultSTUNServers...),
	}
}

// NewViper returns a viper instance seeded with Default and reading
// ADBLINK_* variables. Flags bound later with BindFlags win over both.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault(KeyTransport, string(d.Transport))
	v.SetDefault(KeyAddr, d.Addr)
	v.SetDefault(KeyKeys, d.KeyDir)
	v.SetDefault(KeyDebug, d.Debug)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeyMaxPayload, d.MaxPayloadSize)
	v.SetDefault(KeyMaxStrayCloses, d.MaxStrayCloses)
	v.SetDefault(KeySTUN, d.STUNServers)
	return v
}

// BindFlags makes every flag in fs a source for the key of the same name.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	return v.BindPFlags(fs)
}

// Load reads a Config from v. Values that do not convert are errors rather
// than silently zero.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Transport:   Kind(strings.ToLower(strings.TrimSpace(v.GetString(KeyTransport)))),
		Addr:        strings.TrimSpace(v.GetString(KeyAddr)),
		KeyDir:      v.GetString(KeyKeys),
		LogLevel:    v.GetString(KeyLogLevel),
		MetricsAddr: strings.TrimSpace(v.GetString(KeyMetricsAddr)),
	}

	var err error
	if c.Debug, err = cast.ToBoolE(v.Get(KeyDebug)); err != nil {
		return c, keyError(KeyDebug, err)
	}
	if c.MaxPayloadSize, err = cast.ToUint32E(v.Get(KeyMaxPayload)); err != nil {
		return c, keyError(KeyMaxPayload, err)
	}
	if c.MaxStrayCloses, err = cast.ToIntE(v.Get(KeyMaxStrayCloses)); err != nil {
		return c, keyError(KeyMaxStrayCloses, err)
	}
	if c.STUNServers, err = stringList(v.Get(KeySTUN)); err != nil {
		return c, keyError(KeySTUN, err)
	}
	return c, nil
}

func keyError(key string, err error) error {
	env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	return fmt.Errorf("%s (--%s, %s): %w", key, key, env, err)
}

// stringList accepts a slice from flags and defaults, or a comma list from
// the environment.
func stringList(raw any) ([]string, error) {
	if s, ok := raw.(string); ok {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	return cast.ToStringSliceE(raw)
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch c.Transport {
	case KindTCP:
		if _, _, err := splitHostPort(c.Addr); err != nil {
			return fmt.Errorf("invalid tcp address %q: %w", c.Addr, err)
		}
	case KindWebSocket, KindWebRTC:
		u, err := url.Parse(c.Addr)
		if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("invalid %s URL: %q", c.Transport, c.Addr)
		}
	default:
		return fmt.Errorf("unknown transport %q: must be tcp, ws or webrtc", c.Transport)
	}

	if c.MaxPayloadSize < 0x1000 || c.MaxPayloadSize > 0x100000 {
		return fmt.Errorf("max payload size %d out of range [4096, 1048576]", c.MaxPayloadSize)
	}
	if c.MaxStrayCloses < 0 {
		return errors.New("max stray closes must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, errors.New("missing port")
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, errors.New("port must be 1~65535")
	}
	return addr[:i], port, nil
}

// NormalizeSignalingURL validates a signaling URL and fills in what users
// usually leave out: the wss scheme and the /ws path. The query, which
// carries the PIN, is kept.
func NormalizeSignalingURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
