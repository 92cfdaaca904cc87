// Package metrics contains the Prometheus collectors of the engine.
package metrics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var DonationTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "donation_transitions_total",
		Help: "Donation status transitions, partitioned by previous status, event and new status.",
	},
	[]string{"from", "event", "to"},
)

var RoundUpTransactions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roundup_transactions_total",
		Help: "Ingested bank transactions, partitioned by outcome.",
	},
	[]string{"outcome"},
)

var ProcessorEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "processor_events_total",
		Help: "Received processor webhook events, partitioned by type and outcome.",
	},
	[]string{"type", "outcome"},
)

var Payouts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payouts_total",
		Help: "Payout status changes, partitioned by new status.",
	},
	[]string{"status"},
)

var PayoutConflicts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "payout_conflicts_total",
		Help: "Payout creations rejected because a donation was already claimed.",
	},
)

var requestCount = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "requests_total",
		Help: "How many HTTP requests processed, partitioned by status code and HTTP method.",
	},
	[]string{"code", "method", "url"},
)

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "request_duration_seconds",
		Help: "The HTTP request latencies in seconds.",
	},
	[]string{"code", "method", "url"},
)

var collectors = []prometheus.Collector{
	DonationTransitions,
	RoundUpTransactions,
	ProcessorEvents,
	Payouts,
	PayoutConflicts,
	requestCount,
	requestDuration,
}

// Register registers all collectors with the registerer.
func Register(r prometheus.Registerer) error {
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			return fmt.Errorf("could not register %s with Prometheus: %w", c, err)
		}
	}

	return nil
}

// Middleware updates the HTTP request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		elapsed := float64(time.Since(start)) / float64(time.Second)

		// Replace all URL parameters with their name to reduce cardinality
		// https://prometheus.io/docs/practices/naming/#labels
		url := c.Request.URL.Path
		for _, p := range c.Params {
			url = strings.Replace(url, p.Value, fmt.Sprintf(":%s", p.Key), 1)
		}

		requestDuration.WithLabelValues(status, c.Request.Method, url).Observe(elapsed)
		requestCount.WithLabelValues(status, c.Request.Method, url).Inc()
	}
}
