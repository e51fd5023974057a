package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "netwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "amqp",
			Name:      "frames_total",
			Help:      "AMQP frames by direction and frame type.",
		},
		[]string{"direction", "type"},
	)
	heartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "amqp",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed because the peer went silent.",
		},
	)
	channelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "amqp",
			Name:      "channel_errors_total",
			Help:      "Channel-fatal errors by reply code.",
		},
		[]string{"code"},
	)
	confirms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "amqp",
			Name:      "confirms_total",
			Help:      "Publisher confirms resolved, by outcome.",
		},
		[]string{"outcome"},
	)
	netronDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netwire",
			Subsystem: "netron",
			Name:      "dispatches_total",
			Help:      "Netron stub dispatches by action and outcome.",
		},
		[]string{"node", "action", "success"},
	)
	netronDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "netwire",
			Subsystem: "netron",
			Name:      "dispatch_duration_seconds",
			Help:      "Netron stub dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "action"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			frames, heartbeatTimeouts, channelErrors, confirms,
			netronDispatches, netronDispatchDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame. direction is "in" or "out".
func RecordFrame(direction string, frameType uint8) {
	RegisterMetrics()
	frames.WithLabelValues(direction, frameTypeLabel(frameType)).Inc()
}

func RecordHeartbeatTimeout() {
	RegisterMetrics()
	heartbeatTimeouts.Inc()
}

func RecordChannelError(code uint16) {
	RegisterMetrics()
	channelErrors.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func RecordConfirm(ack bool) {
	RegisterMetrics()
	outcome := "nack"
	if ack {
		outcome = "ack"
	}
	confirms.WithLabelValues(outcome).Inc()
}

func RecordNetronDispatch(node, action string, duration time.Duration, success bool) {
	RegisterMetrics()
	netronDispatches.WithLabelValues(node, action, strconv.FormatBool(success)).Inc()
	netronDispatchDuration.WithLabelValues(node, action).Observe(duration.Seconds())
}

func frameTypeLabel(t uint8) string {
	switch t {
	case 1:
		return "method"
	case 2:
		return "header"
	case 3:
		return "body"
	case 8:
		return "heartbeat"
	}
	return "unknown"
}
