package ddp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsNamespace = "ddp_client"

// ClientMetrics counts protocol traffic for one client.
// Create with a nil registerer to collect without registering, e.g. in tests.
type ClientMetrics struct {
	framesSent      *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	malformedFrames prometheus.Counter
	protocolErrors  prometheus.Counter
	pendingMethods  prometheus.Gauge
	pendingSubs     prometheus.Gauge
	requestDuration *prometheus.HistogramVec
}

func NewClientMetrics(registerer prometheus.Registerer) *ClientMetrics {
	factory := promauto.With(registerer)

	return &ClientMetrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames sent to the server by msg type",
		}, []string{"msg"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "frames_received_total",
			Help:      "Decoded frames received from the server by msg type",
		}, []string{"msg"}),

		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because they could not be decoded",
		}),

		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "protocol_errors_total",
			Help:      "Server error messages received",
		}),

		pendingMethods: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "pending_methods",
			Help:      "Method calls waiting for both result and data acks",
		}),

		pendingSubs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "pending_subs",
			Help:      "Subscriptions waiting for ready or nosub",
		}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from sending a method or sub until it completes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
	}
}

func (self *ClientMetrics) sent(msg string) {
	if self == nil {
		return
	}
	self.framesSent.WithLabelValues(msg).Inc()
}

func (self *ClientMetrics) received(msg string) {
	if self == nil {
		return
	}
	self.framesReceived.WithLabelValues(msg).Inc()
}

func (self *ClientMetrics) malformed() {
	if self == nil {
		return
	}
	self.malformedFrames.Inc()
}

func (self *ClientMetrics) protocolError() {
	if self == nil {
		return
	}
	self.protocolErrors.Inc()
}

func (self *ClientMetrics) pending(methodCount int, subCount int) {
	if self == nil {
		return
	}
	self.pendingMethods.Set(float64(methodCount))
	self.pendingSubs.Set(float64(subCount))
}

// kind is "method" or "sub"
func (self *ClientMetrics) requestDone(kind string, outcome string, start time.Time) {
	if self == nil {
		return
	}
	self.requestDuration.WithLabelValues(kind, outcome).Observe(time.Since(start).Seconds())
}
