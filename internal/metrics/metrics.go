package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	settleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settle_duration_seconds",
			Help:    "End-to-end settlement duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Total number of order status transitions",
		},
		[]string{"status"},
	)

	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls_total",
			Help: "Total number of payment gateway charge calls",
		},
		[]string{"result"},
	)

	atRiskOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "at_risk_orders",
			Help: "Orders stuck in an intermediate status beyond the abandonment threshold",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(settleDuration)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(gatewayCallsTotal)
	prometheus.MustRegister(atRiskOrders)
}

func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func ObserveSettleDuration(d time.Duration) {
	settleDuration.Observe(d.Seconds())
}

func RecordTransition(status string) {
	transitionsTotal.WithLabelValues(status).Inc()
}

func RecordGatewayCall(result string) {
	gatewayCallsTotal.WithLabelValues(result).Inc()
}

func SetAtRiskOrders(n int) {
	atRiskOrders.Set(float64(n))
}
