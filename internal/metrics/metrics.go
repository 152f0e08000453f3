// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_http_requests_total",
		Help: "HTTP requests by method and status code.",
	}, []string{"method", "code"})

	httpDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	})

	fanoutWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_inbox_fanout_writes_total",
		Help: "Inbox writes issued by announcement fan-out, by result.",
	}, []string{"result"})

	subscriptionToggles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_subscription_toggles_total",
		Help: "Subscribe/unsubscribe toggles by direction.",
	}, []string{"direction"})

	inboxStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_inbox_status_changes_total",
		Help: "Inbox status transitions by target status.",
	}, []string{"to"})

	sweepHealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_sweep_healed_entries_total",
		Help: "Inbox entries written by the reconciliation sweep.",
	})

	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_sweep_runs_total",
		Help: "Reconciliation sweep runs by result.",
	}, []string{"result"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveHTTP(method string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpDuration.Observe(elapsed.Seconds())
}

// FanoutWrite records one inbox insert; result is "inserted", "existing" or "error".
func FanoutWrite(result string) {
	fanoutWrites.WithLabelValues(result).Inc()
}

func SubscriptionToggle(subscribed bool) {
	direction := "unsubscribe"
	if subscribed {
		direction = "subscribe"
	}
	subscriptionToggles.WithLabelValues(direction).Inc()
}

func InboxStatusChange(to string, n int) {
	if n <= 0 {
		return
	}
	inboxStatusChanges.WithLabelValues(to).Add(float64(n))
}

func SweepRun(healed int, err error) {
	if err != nil {
		sweepRuns.WithLabelValues("error").Inc()
	} else {
		sweepRuns.WithLabelValues("ok").Inc()
	}
	if healed > 0 {
		sweepHealed.Add(float64(healed))
	}
}
