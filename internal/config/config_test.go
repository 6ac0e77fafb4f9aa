package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/1ureka/guestlink/internal/protocol"
	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/transport"
)

func newViper(t *testing.T, configFile string) *viper.Viper {
	t.Helper()
	v := viper.New()
	if err := Init(v, configFile); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return v
}

func TestLoadDefaults(t *testing.T) {
	v := newViper(t, "")
	v.Set(KeySide, "guest")

	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Side != service.SideGuest {
		t.Errorf("Side = %q", c.Side)
	}
	if c.Transport.Mode != transport.ModeDirect {
		t.Errorf("Mode = %q, want direct", c.Transport.Mode)
	}
	if c.Transport.Keepalive != transport.DefaultKeepalive {
		t.Errorf("Keepalive = %v", c.Transport.Keepalive)
	}
	if c.Codec.Compression != protocol.CompressionZstd || c.Codec.Threshold != protocol.DefaultCompressionThreshold {
		t.Errorf("Codec = %+v", c.Codec)
	}
	if c.Codec.MaxBuffer != protocol.DefaultMaxBufferSize {
		t.Errorf("MaxBuffer = %d", c.Codec.MaxBuffer)
	}
	if c.MetricsAddr != "" || c.Debug {
		t.Errorf("MetricsAddr = %q, Debug = %t", c.MetricsAddr, c.Debug)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("GUESTLINK_SIDE", "HOST")
	t.Setenv("GUESTLINK_GUEST_CID", "42")
	t.Setenv("GUESTLINK_TRANSPORT_MODE", "relayed")
	t.Setenv("GUESTLINK_TRANSPORT_RELAY_SOCKET", "/tmp/relay.sock")
	t.Setenv("GUESTLINK_RESOLVER_RETRY_INTERVAL", "250ms")
	t.Setenv("GUESTLINK_CODEC_COMPRESSION", "lz4")

	c, err := Load(newViper(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Side != service.SideHost || c.GuestCID != 42 {
		t.Errorf("Side = %q, GuestCID = %d", c.Side, c.GuestCID)
	}
	if c.Transport.Mode != transport.ModeRelayed || c.Transport.RelaySocket != "/tmp/relay.sock" {
		t.Errorf("Transport = %+v", c.Transport)
	}
	if c.Resolver.RetryInterval != 250*time.Millisecond {
		t.Errorf("RetryInterval = %v", c.Resolver.RetryInterval)
	}
	if c.Codec.Compression != protocol.CompressionLZ4 {
		t.Errorf("Compression = %q", c.Codec.Compression)
	}

	f := c.Factory()
	if f.Mode != transport.ModeRelayed || f.RelaySocket != "/tmp/relay.sock" {
		t.Errorf("Factory = %+v", f)
	}
	if f.Options.Codec.Compression != protocol.CompressionLZ4 {
		t.Errorf("factory codec = %q", f.Options.Codec.Compression)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guestlink.yaml")
	content := strings.Join([]string{
		"side: host",
		"guest-cid: 7",
		"transport:",
		"  keepalive: 30s",
		"codec:",
		"  threshold: 4096",
		"metrics:",
		"  addr: 127.0.0.1:9464",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	c, err := Load(newViper(t, path))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.GuestCID != 7 || c.Transport.Keepalive != 30*time.Second {
		t.Errorf("GuestCID = %d, Keepalive = %v", c.GuestCID, c.Transport.Keepalive)
	}
	if c.Codec.Threshold != 4096 || c.MetricsAddr != "127.0.0.1:9464" {
		t.Errorf("Threshold = %d, MetricsAddr = %q", c.Codec.Threshold, c.MetricsAddr)
	}
}

func TestInitMissingConfigFile(t *testing.T) {
	if err := Init(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestBindFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("side", "", "")
	fs.Uint32("guest-cid", 0, "")
	fs.String("compression", "", "")
	fs.Bool("debug", false, "")
	if err := fs.Parse([]string{"--side=host", "--guest-cid=9", "--compression=lz4", "--debug"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	v := newViper(t, "")
	if err := BindFlags(v, fs); err != nil {
		t.Fatalf("BindFlags failed: %v", err)
	}

	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Side != service.SideHost || c.GuestCID != 9 || c.Codec.Compression != protocol.CompressionLZ4 || !c.Debug {
		t.Fatalf("unexpected config %+v", c)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := newViper(t, "")
		v.Set(KeySide, "host")
		v.Set(KeyGuestCID, 3)
		c, err := Load(v)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return c
	}

	testCases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing side", func(c *Config) { c.Side = "" }, "side is required"},
		{"unknown side", func(c *Config) { c.Side = "hypervisor" }, "unknown side"},
		{"reserved guest cid", func(c *Config) { c.GuestCID = 2 }, "not a guest CID"},
		{"relayed without socket", func(c *Config) {
			c.Transport.Mode = transport.ModeRelayed
			c.Transport.RelaySocket = ""
		}, "relay-socket"},
		{"zero keepalive", func(c *Config) { c.Transport.Keepalive = 0 }, "keepalive"},
		{"warn before retry", func(c *Config) { c.Resolver.WarnInterval = time.Millisecond }, "warn-interval"},
		{"zero threshold", func(c *Config) { c.Codec.Threshold = 0 }, "threshold"},
		{"tiny buffer", func(c *Config) { c.Codec.MaxBuffer = 4 }, "max-buffer"},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsUnknownNames(t *testing.T) {
	for key, value := range map[string]string{
		KeyTransportMode: "carrier-pigeon",
		KeyCompression:   "lzma",
	} {
		v := newViper(t, "")
		v.Set(KeySide, "guest")
		v.Set(key, value)
		if _, err := Load(v); err == nil {
			t.Errorf("Load accepted %s=%s", key, value)
		}
	}
}
