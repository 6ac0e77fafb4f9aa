// Guestlink — CLI entry point.
//
// Host and guest processes exchange typed messages over vsock, one port per
// feature service. The host dials the guest; the guest listens and serves one
// host at a time. In relayed mode sessions are driven by a helper process
// started with the relay-helper command.
//
// It can be launched interactively (no command) or non-interactively with
// the host, guest, relay-helper and ping commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/1ureka/guestlink/internal/app"
	"github.com/1ureka/guestlink/internal/config"
	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

var version = "dev"

var configFile string

func main() {
	// Root context — cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "guestlink",
		Short:         "Typed host/guest messaging over vsock",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInteractive(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (yaml, toml or json)")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("transport", "direct", "Transport mode: direct or relayed")
	flags.String("relay-socket", config.DefaultRelaySocket, "Relay helper socket (relayed mode)")
	flags.Duration("keepalive", 0, "WebSocket keepalive interval")
	flags.Duration("retry-interval", 0, "Pause between vsock connect attempts")
	flags.Duration("warn-interval", 0, "Interval between repeated connect warnings")
	flags.String("compression", "zstd", "Compression for large payloads: zstd or lz4")
	flags.Int("threshold", 0, "Compress payloads of at least this many bytes")
	flags.Int("max-buffer", 0, "Stream decoder buffer cap in bytes")
	flags.String("metrics-addr", "", "Serve /metrics and /healthz on this address")

	// Filled in by the interactive prompt.
	root.Flags().Uint32("guest-cid", 0, "CID of the guest to connect to (interactive host)")

	root.AddCommand(newHostCmd(), newGuestCmd(), newRelayHelperCmd(), newPingCmd(), newVersionCmd())
	return root
}

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the host side and connect to a guest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, service.SideHost)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Uint32("guest-cid", 0, "CID of the guest to connect to")
	return cmd
}

func newGuestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guest",
		Short: "Run the guest side and accept the host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, service.SideGuest)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), cfg)
		},
	}
}

func newRelayHelperCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay-helper",
		Short: "Drive relayed sessions handed over on the relay socket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := initViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Parse(v)
			if err != nil {
				return err
			}
			if cfg.Transport.RelaySocket == "" {
				return errors.New("--relay-socket is required")
			}
			applyLogging(cfg)
			err = app.RunRelayHelper(cmd.Context(), cfg)
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newPingCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure round trips to a guest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, service.SideHost)
			if err != nil {
				return err
			}
			return app.RunPing(cmd.Context(), cfg, count, interval)
		},
	}
	cmd.Flags().Uint32("guest-cid", 0, "CID of the guest to ping")
	cmd.Flags().IntVarP(&count, "count", "c", 4, "Number of pings; 0 pings until interrupted")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Pause between pings")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("guestlink %s\n", version)
		},
	}
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

func initViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := config.Init(v, configFile); err != nil {
		return nil, err
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}

// loadConfig resolves the configuration of cmd for side.
func loadConfig(cmd *cobra.Command, side service.Side) (*config.Config, error) {
	v, err := initViper(cmd)
	if err != nil {
		return nil, err
	}
	v.Set(config.KeySide, string(side))

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	applyLogging(cfg)
	printBanner(cfg)
	return cfg, nil
}

func applyLogging(cfg *config.Config) {
	if cfg.Debug {
		util.EnableDebug()
	}
}

func printBanner(cfg *config.Config) {
	pterm.Info.Println(fmt.Sprintf("Guestlink — v%s (%s)", version, cfg.Side))
	pterm.Println()
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// runInteractive asks for the side (and the guest CID on the host) when no
// command is given.
func runInteractive(cmd *cobra.Command) error {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Connect to a guest VM", "Guest — Accept the host"}).
		WithDefaultText("Select your side").
		Show()

	pterm.Println()

	side := service.SideGuest
	if strings.HasPrefix(choice, "Host") {
		side = service.SideHost
		cid := askCID()
		if err := cmd.Flags().Set("guest-cid", strconv.FormatUint(uint64(cid), 10)); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(cmd, side)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context(), cfg)
}

// askCID prompts for a guest CID until a valid one is entered.
func askCID() uint32 {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Guest CID (3 ~ 4294967294)").
			Show()

		cid, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err == nil && cid > vsock.CIDHost && cid < vsock.CIDAny {
			pterm.Println()
			return uint32(cid)
		}

		util.LogWarning("invalid CID: must be 3 ~ 4294967294")
		pterm.Println()
	}
}
