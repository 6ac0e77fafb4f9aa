package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns      atomic.Int64 // sessions established since process start
	ClosedConns     atomic.Int64 // sessions invalidated since process start
	PacketsSent     atomic.Int64
	PacketsRecv     atomic.Int64
	BytesSent       atomic.Int64 // encoded bytes written to sessions
	BytesRecv       atomic.Int64 // encoded bytes decoded from sessions
	DecodeFailures  atomic.Int64 // payloads dropped because they did not decode
	ResolveAttempts atomic.Int64 // device connect attempts made by resolvers
}

func (s *stats) AddConn()       { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()    { s.ClosedConns.Add(1) }
func (s *stats) AddDecodeFail() { s.DecodeFailures.Add(1) }
func (s *stats) AddAttempt()    { s.ResolveAttempts.Add(1) }

func (s *stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ActiveConns is the number of sessions currently attached.
func (s *stats) ActiveConns() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// RegisterMetrics exposes the counters on reg. The collectors read the
// atomics at scrape time so nothing is double-counted.
func RegisterMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)

	counter := func(name, help string, v *atomic.Int64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "guestlink",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	counter("sessions_opened_total", "Sessions established.", &Stats.TotalConns)
	counter("sessions_closed_total", "Sessions invalidated.", &Stats.ClosedConns)
	counter("packets_sent_total", "Packets written to sessions.", &Stats.PacketsSent)
	counter("packets_received_total", "Packets decoded from sessions.", &Stats.PacketsRecv)
	counter("bytes_sent_total", "Encoded bytes written to sessions.", &Stats.BytesSent)
	counter("bytes_received_total", "Encoded bytes decoded from sessions.", &Stats.BytesRecv)
	counter("decode_failures_total", "Payloads dropped because they could not be decoded.", &Stats.DecodeFailures)
	counter("resolve_attempts_total", "Device connect attempts made by resolvers.", &Stats.ResolveAttempts)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "guestlink",
		Name:      "sessions_active",
		Help:      "Sessions currently attached.",
	}, func() float64 { return float64(Stats.ActiveConns()) })
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / reportInterval.Seconds()
				inS := float64(recv-prevRecv) / reportInterval.Seconds()
				opened := total - prevTotal
				dropped := closed - prevClosed

				if opened > 0 || dropped > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, opened, dropped))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB" or "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keep three integer digits at most
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, opened, closed int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sessions: %2d↑ %2d↓ (%d active)",
		formatBytes(inS),
		formatBytes(outS),
		opened,
		closed,
		Stats.ActiveConns(),
	)
}
