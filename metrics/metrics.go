// Package metrics provides a Prometheus implementation of
// ftpengine.MetricsCollector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gonzalop/ftpengine"
)

// Collector records engine metrics with the ftpengine_ prefix.
type Collector struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	transferTime    *prometheus.HistogramVec
}

var _ ftpengine.MetricsCollector = (*Collector)(nil)

// New registers the metrics with reg. It panics if they are already
// registered there.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpengine_commands_total",
			Help: "Finished commands by kind and result",
		}, []string{"command", "result"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftpengine_command_duration_seconds",
			Help:    "Time from dispatch to completion",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpengine_notifications_total",
			Help: "Notifications queued for the consumer by kind",
		}, []string{"kind"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpengine_cache_lookups_total",
			Help: "Directory cache lookups by outcome",
		}, []string{"outcome"}),
		transfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpengine_transfers_total",
			Help: "Completed file transfers by direction",
		}, []string{"direction"}),
		transferBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpengine_transfer_bytes_total",
			Help: "Bytes moved by completed transfers",
		}, []string{"direction"}),
		transferTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftpengine_transfer_duration_seconds",
			Help:    "Duration of completed transfers",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"direction"}),
	}
}

func (c *Collector) RecordCommand(kind ftpengine.CommandKind, reply ftpengine.Reply, duration time.Duration) {
	c.commands.WithLabelValues(kind.String(), result(reply)).Inc()
	c.commandDuration.WithLabelValues(kind.String()).Observe(duration.Seconds())
}

func (c *Collector) RecordNotification(kind string) {
	c.notifications.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordCacheLookup(usable bool) {
	outcome := "miss"
	if usable {
		outcome = "hit"
	}
	c.cacheLookups.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordTransfer(download bool, bytes int64, duration time.Duration) {
	dir := "upload"
	if download {
		dir = "download"
	}
	c.transfers.WithLabelValues(dir).Inc()
	c.transferBytes.WithLabelValues(dir).Add(float64(bytes))
	c.transferTime.WithLabelValues(dir).Observe(duration.Seconds())
}

// result collapses a reply into a low-cardinality label.
func result(r ftpengine.Reply) string {
	switch {
	case !r.Failed():
		return "ok"
	case r.Has(ftpengine.ReplyCanceled):
		return "canceled"
	case r.Has(ftpengine.ReplyTimeout):
		return "timeout"
	case r.Has(ftpengine.ReplyBusy):
		return "busy"
	default:
		return "error"
	}
}
