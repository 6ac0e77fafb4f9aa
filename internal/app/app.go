// Package app contains the top-level orchestration for the host, guest and
// relay-helper processes.
package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/1ureka/guestlink/internal/config"
	"github.com/1ureka/guestlink/internal/coordinator"
	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/services"
	"github.com/1ureka/guestlink/internal/transport"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

// Runtime is an activated coordinator with every feature service.
type Runtime struct {
	Side     service.Side
	Coord    *coordinator.Coordinator
	Services *services.Set
}

// Start registers and activates the services for cfg.Side on device. On the
// host the configured guest is connected right away.
func Start(ctx context.Context, cfg *config.Config, device vsock.Device) (*Runtime, error) {
	rt := &Runtime{
		Side:     cfg.Side,
		Services: services.NewSet(cfg.Side),
		Coord: coordinator.New(cfg.Side,
			coordinator.WithFactory(cfg.Factory()),
			coordinator.WithResolverOptions(cfg.ResolverOptions()...)),
	}

	for _, svc := range rt.Services.All() {
		if err := rt.Coord.Register(svc); err != nil {
			rt.Coord.Shutdown()
			return nil, err
		}
	}
	if err := rt.Coord.Activate(ctx, device); err != nil {
		rt.Coord.Shutdown()
		return nil, err
	}

	if cfg.Side == service.SideHost {
		if err := rt.Coord.PeerConnected(ctx, GuestPeer(cfg), device); err != nil {
			rt.Coord.Shutdown()
			return nil, err
		}
	}
	return rt, nil
}

// Close shuts the coordinator down.
func (rt *Runtime) Close() { rt.Coord.Shutdown() }

// GuestPeer is the peer a host process dials.
func GuestPeer(cfg *config.Config) service.Peer {
	return service.Peer{ID: vsock.CIDPeerID(cfg.GuestCID), Side: service.SideGuest}
}

// Run starts the process for cfg.Side on the kernel device and blocks until
// ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	cid := uint32(vsock.CIDHost)
	if cfg.Side == service.SideHost {
		cid = cfg.GuestCID
	}
	device, err := vsock.NewDevice(cid)
	if err != nil {
		return fmt.Errorf("open vsock device: %w", err)
	}

	rt, err := Start(ctx, cfg, device)
	if err != nil {
		return err
	}
	defer rt.Close()

	printServices(rt, cfg)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := ServeMetrics(ctx, cfg.MetricsAddr, rt); err != nil {
				util.LogError("metrics server: %v", err)
			}
		}()
	}
	util.StartStatsReporter(ctx)

	<-ctx.Done()
	util.LogInfo("shutting down %s", cfg.Side)
	return nil
}

// RunRelayHelper serves relayed sessions on the configured socket until ctx
// is cancelled.
func RunRelayHelper(ctx context.Context, cfg *config.Config) error {
	util.StartStatsReporter(ctx)
	return transport.ListenAndServeRelay(ctx, cfg.Transport.RelaySocket, cfg.TransportOptions())
}

func printServices(rt *Runtime, cfg *config.Config) {
	rows := pterm.TableData{{"Service", "Port", "Role"}}
	for _, svc := range rt.Services.All() {
		d := svc.Descriptor()
		rows = append(rows, []string{d.ID, strconv.FormatUint(uint64(d.Port), 10), d.Role.String()})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		util.LogDebug("render service table: %v", err)
	}

	mode := string(cfg.Transport.Mode)
	if cfg.Transport.Mode == transport.ModeRelayed {
		mode += " via " + cfg.Transport.RelaySocket
	}
	util.LogSuccess("%s ready (%s transport)", cfg.Side, mode)
}
