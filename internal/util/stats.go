package util

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/stream counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative count of streams opened since process start
	ClosedConns atomic.Int64 // cumulative count of streams closed since process start
	BytesSent   atomic.Int64 // cumulative bytes written to the transport
	BytesRecv   atomic.Int64 // cumulative bytes read from the transport
}

func (s *stats) AddConn() {
	s.TotalConns.Add(1)
	collectors().streamsOpen.Inc()
}

func (s *stats) RemoveConn() {
	s.ClosedConns.Add(1)
	collectors().streamsOpen.Dec()
}

func (s *stats) AddSent(n int) {
	s.BytesSent.Add(int64(n))
	collectors().bytesSent.Add(float64(n))
}

func (s *stats) AddRecv(n int) {
	s.BytesRecv.Add(int64(n))
	collectors().bytesRecv.Add(float64(n))
}

// AddSentPacket records one frame of n bytes written for command.
func (s *stats) AddSentPacket(command string, n int) {
	s.AddSent(n)
	collectors().packetsSent.WithLabelValues(command).Inc()
}

// AddRecvPacket records one frame of n bytes read for command.
func (s *stats) AddRecvPacket(command string, n int) {
	s.AddRecv(n)
	collectors().packetsRecv.WithLabelValues(command).Inc()
}

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus
// ──────────────────────────────────────────────────────────────────────────────

// registry holds only adblink's own collectors.
var registry = prometheus.NewRegistry()

type metrics struct {
	packetsSent *prometheus.CounterVec
	packetsRecv *prometheus.CounterVec
	bytesSent   prometheus.Counter
	bytesRecv   prometheus.Counter
	streamsOpen prometheus.Gauge
}

var (
	globalMetrics     *metrics
	globalMetricsOnce sync.Once
)

func collectors() *metrics {
	globalMetricsOnce.Do(func() {
		factory := promauto.With(registry)
		globalMetrics = &metrics{
			packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "adblink",
				Name:      "packets_sent_total",
				Help:      "ADB packets written, by command.",
			}, []string{"command"}),
			packetsRecv: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "adblink",
				Name:      "packets_received_total",
				Help:      "ADB packets read, by command.",
			}, []string{"command"}),
			bytesSent: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "adblink",
				Name:      "bytes_sent_total",
				Help:      "Bytes written to the transport, headers included.",
			}),
			bytesRecv: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "adblink",
				Name:      "bytes_received_total",
				Help:      "Bytes read from the transport, headers included.",
			}),
			streamsOpen: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: "adblink",
				Name:      "streams_open",
				Help:      "Streams currently registered with a dispatcher.",
			}),
		}
	})
	return globalMetrics
}

// MetricsRegistry exposes the collectors, mainly for tests.
func MetricsRegistry() *prometheus.Registry {
	collectors()
	return registry
}

// MetricsHandler serves the collectors in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(MetricsRegistry(), promhttp.HandlerOpts{})
}

// ServeMetrics serves MetricsHandler on addr under /metrics until ctx ends.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	LogInfo("metrics available at http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
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
// for example "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keeps "100.0 KiB" (9 chars) from appearing
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// FormatBytes is formatBytes for callers outside the package, e.g. transfer
// summaries in the CLI.
func FormatBytes(n int64) string { return formatBytes(float64(n)) }

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Streams: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
	)
}
