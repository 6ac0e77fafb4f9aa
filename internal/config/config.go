// Package config loads the process configuration from flags, GUESTLINK_*
// environment variables, .env files and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/1ureka/guestlink/internal/protocol"
	"github.com/1ureka/guestlink/internal/resolver"
	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/transport"
	"github.com/1ureka/guestlink/internal/vsock"
)

// Keys understood by Load.
const (
	KeySide              = "side"
	KeyGuestCID          = "guest-cid"
	KeyTransportMode     = "transport.mode"
	KeyRelaySocket       = "transport.relay-socket"
	KeyKeepalive         = "transport.keepalive"
	KeyRetryInterval     = "resolver.retry-interval"
	KeyWarnInterval      = "resolver.warn-interval"
	KeyCompression       = "codec.compression"
	KeyCompressThreshold = "codec.threshold"
	KeyMaxBuffer         = "codec.max-buffer"
	KeyMetricsAddr       = "metrics.addr"
	KeyDebug             = "debug"
)

const envPrefix = "guestlink"

// DefaultRelaySocket is the helper socket used when none is configured.
const DefaultRelaySocket = "/run/guestlink/relay.sock"

// Config is the resolved configuration of one process.
type Config struct {
	Side     service.Side
	GuestCID uint32 // host side: the CID to dial

	Transport struct {
		Mode        transport.Mode
		RelaySocket string
		Keepalive   time.Duration
	}

	Resolver struct {
		RetryInterval time.Duration
		WarnInterval  time.Duration
	}

	Codec struct {
		Compression protocol.Compression
		Threshold   int
		MaxBuffer   int
	}

	MetricsAddr string // empty disables the metrics server
	Debug       bool
}

// Init prepares v: defaults, .env files, environment binding and, when
// configFile is set, the config file.
func Init(v *viper.Viper, configFile string) error {
	// Missing .env files are fine.
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetDefault(KeyTransportMode, string(transport.ModeDirect))
	v.SetDefault(KeyRelaySocket, DefaultRelaySocket)
	v.SetDefault(KeyKeepalive, transport.DefaultKeepalive)
	v.SetDefault(KeyRetryInterval, resolver.DefaultRetryInterval)
	v.SetDefault(KeyWarnInterval, resolver.DefaultWarnInterval)
	v.SetDefault(KeyCompression, string(protocol.CompressionZstd))
	v.SetDefault(KeyCompressThreshold, protocol.DefaultCompressionThreshold)
	v.SetDefault(KeyMaxBuffer, protocol.DefaultMaxBufferSize)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", configFile, err)
	}
	return nil
}

// BindFlags binds the flags present in fs to their configuration keys.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

var flagKeys = map[string]string{
	"side":           KeySide,
	"guest-cid":      KeyGuestCID,
	"transport":      KeyTransportMode,
	"relay-socket":   KeyRelaySocket,
	"keepalive":      KeyKeepalive,
	"retry-interval": KeyRetryInterval,
	"warn-interval":  KeyWarnInterval,
	"compression":    KeyCompression,
	"threshold":      KeyCompressThreshold,
	"max-buffer":     KeyMaxBuffer,
	"metrics-addr":   KeyMetricsAddr,
	"debug":          KeyDebug,
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	c, err := Parse(v)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse reads the configuration held by v without validating it.
func Parse(v *viper.Viper) (*Config, error) {
	c := &Config{
		Side:        service.Side(strings.ToLower(v.GetString(KeySide))),
		GuestCID:    v.GetUint32(KeyGuestCID),
		MetricsAddr: v.GetString(KeyMetricsAddr),
		Debug:       v.GetBool(KeyDebug),
	}

	mode, err := transport.ParseMode(v.GetString(KeyTransportMode))
	if err != nil {
		return nil, err
	}
	c.Transport.Mode = mode
	c.Transport.RelaySocket = v.GetString(KeyRelaySocket)
	c.Transport.Keepalive = v.GetDuration(KeyKeepalive)

	c.Resolver.RetryInterval = v.GetDuration(KeyRetryInterval)
	c.Resolver.WarnInterval = v.GetDuration(KeyWarnInterval)

	compression, err := protocol.ParseCompression(v.GetString(KeyCompression))
	if err != nil {
		return nil, err
	}
	c.Codec.Compression = compression
	c.Codec.Threshold = v.GetInt(KeyCompressThreshold)
	c.Codec.MaxBuffer = v.GetInt(KeyMaxBuffer)
	return c, nil
}

// Validate rejects values the rest of the process cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Side {
	case service.SideHost:
		if c.GuestCID <= vsock.CIDHost || c.GuestCID == vsock.CIDAny {
			errs = append(errs, fmt.Errorf("%s: %d is not a guest CID", KeyGuestCID, c.GuestCID))
		}
	case service.SideGuest:
	case "":
		errs = append(errs, fmt.Errorf("%s is required (host or guest)", KeySide))
	default:
		errs = append(errs, fmt.Errorf("%s: unknown side %q", KeySide, c.Side))
	}

	if c.Transport.Mode == transport.ModeRelayed && c.Transport.RelaySocket == "" {
		errs = append(errs, fmt.Errorf("%s is required in relayed mode", KeyRelaySocket))
	}
	if c.Transport.Keepalive <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyKeepalive))
	}
	if c.Resolver.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyRetryInterval))
	}
	if c.Resolver.WarnInterval < c.Resolver.RetryInterval {
		errs = append(errs, fmt.Errorf("%s must not be shorter than %s", KeyWarnInterval, KeyRetryInterval))
	}
	if c.Codec.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyCompressThreshold))
	}
	if c.Codec.MaxBuffer < protocol.MinPacketSize {
		errs = append(errs, fmt.Errorf("%s must be at least %d", KeyMaxBuffer, protocol.MinPacketSize))
	}

	return errors.Join(errs...)
}

// Factory returns the transport factory described by c.
func (c *Config) Factory() transport.Factory {
	return transport.Factory{
		Mode:        c.Transport.Mode,
		RelaySocket: c.Transport.RelaySocket,
		Options:     c.TransportOptions(),
	}
}

// TransportOptions returns the session options described by c.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Codec: &protocol.Codec{
			Compression: c.Codec.Compression,
			Threshold:   c.Codec.Threshold,
		},
		Keepalive:     c.Transport.Keepalive,
		MaxBufferSize: c.Codec.MaxBuffer,
	}
}

// ResolverOptions returns the resolver timing described by c.
func (c *Config) ResolverOptions() []resolver.Option {
	return []resolver.Option{
		resolver.WithRetryInterval(c.Resolver.RetryInterval),
		resolver.WithWarnInterval(c.Resolver.WarnInterval),
	}
}
