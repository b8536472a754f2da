// Package metrics implements the tftp.Recorder seam with Prometheus
// collectors, following the same shape as runZeroInc-sockstats's
// pkg/exporter: a small struct of pre-registered collectors plumbed
// through a narrow interface so the protocol code never imports
// Prometheus directly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lbhzy/tftpd/internal/tftp"
)

// Recorder implements tftp.Recorder on top of a registered set of
// Prometheus collectors.
type Recorder struct {
	started     prometheus.Counter
	completed   prometheus.Counter
	failed      *prometheus.CounterVec
	retransmits prometheus.Counter
	bytesSent   prometheus.Counter
	duration    prometheus.Histogram
}

// New registers the TFTP collectors against reg and returns a Recorder
// ready to hand to tftp.Config.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		started: factory.NewCounter(prometheus.CounterOpts{
			Name: "tftp_transfers_started_total",
			Help: "Total RRQ transfers accepted.",
		}),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tftp_transfers_completed_total",
			Help: "Total transfers that finished successfully.",
		}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tftp_transfers_failed_total",
			Help: "Total transfers that terminated with an error, by reason.",
		}, []string{"reason"}),
		retransmits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tftp_retransmits_total",
			Help: "Total DATA/OACK retransmissions caused by ACK timeouts.",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "tftp_bytes_sent_total",
			Help: "Total file payload bytes sent across all transfers.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tftp_transfer_duration_seconds",
			Help:    "Wall-clock duration of completed transfers.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}
}

func (r *Recorder) TransferStarted() { r.started.Inc() }

func (r *Recorder) TransferDone(bytesSent int64, elapsed time.Duration) {
	r.completed.Inc()
	r.bytesSent.Add(float64(bytesSent))
	r.duration.Observe(elapsed.Seconds())
}

func (r *Recorder) TransferFailed(reason string) {
	r.failed.WithLabelValues(reason).Inc()
}

func (r *Recorder) Retransmit() { r.retransmits.Inc() }

var _ tftp.Recorder = (*Recorder)(nil)

// Serve exposes reg's metrics over HTTP at addr's "/metrics" path. It
// blocks, like net/http.ListenAndServe, so callers run it in its own
// goroutine.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
