package app

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/guestlink/internal/config"
	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

// PingResult is one round trip.
type PingResult struct {
	Seq int
	RTT time.Duration
	Err error
}

// Ping waits for the ping session with the configured guest and sends count
// requests, interval apart. Results are delivered on the returned channel,
// which is closed when done or when ctx ends.
func (rt *Runtime) Ping(ctx context.Context, peerID string, count int, interval time.Duration) <-chan PingResult {
	out := make(chan PingResult)
	go func() {
		defer close(out)

		ep := rt.Coord.Endpoint(rt.Services.Ping.Descriptor().ID)
		for ep.State(peerID) != service.StateConnected {
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}

		for seq := 1; count <= 0 || seq <= count; seq++ {
			rtt, err := rt.Services.Ping.Ping(ctx, peerID)
			select {
			case out <- PingResult{Seq: seq, RTT: rtt, Err: err}:
			case <-ctx.Done():
				return
			}
			if count > 0 && seq == count {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
	return out
}

// RunPing connects to the configured guest and reports count round trips.
func RunPing(ctx context.Context, cfg *config.Config, count int, interval time.Duration) error {
	device, err := vsock.NewDevice(cfg.GuestCID)
	if err != nil {
		return fmt.Errorf("open vsock device: %w", err)
	}
	rt, err := Start(ctx, cfg, device)
	if err != nil {
		return err
	}
	defer rt.Close()

	peer := GuestPeer(cfg)
	util.LogInfo("pinging %s", peer.ID)

	var failed int
	for res := range rt.Ping(ctx, peer.ID, count, interval) {
		if res.Err != nil {
			failed++
			util.LogWarning("seq=%d %v", res.Seq, res.Err)
			continue
		}
		util.LogSuccess("seq=%d rtt=%v", res.Seq, res.RTT.Round(time.Microsecond))
	}
	if err := ctx.Err(); err != nil {
		return nil
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pings failed", failed, count)
	}
	return nil
}
