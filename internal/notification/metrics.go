package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics は通知サービスのPrometheusメトリクス。
type Metrics struct {
	created       *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	reads         prometheus.Counter
	readAll       prometheus.Counter
	deletes       prometheus.Counter
	eventFailures prometheus.Counter
	cacheLookups  *prometheus.CounterVec
	sendDuration  *prometheus.HistogramVec
}

// NewMetrics はメトリクスを生成してregに登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		created: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Total number of stored notifications",
		}, []string{"receiver_role", "type"}),
		sendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_send_failures_total",
			Help: "Total number of failed sends by error code",
		}, []string{"intent", "code"}),
		reads: f.NewCounter(prometheus.CounterOpts{
			Name: "notifications_marked_read_total",
			Help: "Total number of notifications marked as read one by one",
		}),
		readAll: f.NewCounter(prometheus.CounterOpts{
			Name: "notifications_marked_read_bulk_total",
			Help: "Total number of notifications marked as read in bulk",
		}),
		deletes: f.NewCounter(prometheus.CounterOpts{
			Name: "notifications_deleted_total",
			Help: "Total number of deleted notifications",
		}),
		eventFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "notification_event_publish_failures_total",
			Help: "Total number of lifecycle events that could not be published",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_unread_cache_lookups_total",
			Help: "Unread count cache lookups by result",
		}, []string{"result"}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_send_duration_seconds",
			Help:    "Duration of resolving and storing one send",
			Buckets: prometheus.DefBuckets,
		}, []string{"intent"}),
	}
}
