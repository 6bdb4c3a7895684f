package virtiofs

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "virtiofs"

// Metrics are the driver's Prometheus collectors.
type Metrics struct {
	Submitted     *prometheus.CounterVec
	Completed     *prometheus.CounterVec
	Faults        prometheus.Counter
	Timeouts      prometheus.Counter
	QueueFull     prometheus.Counter
	Trailing      prometheus.Counter
	Notifications *prometheus.CounterVec
	InFlight      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_submitted_total",
			Help:      "FUSE requests placed on a virtqueue.",
		}, []string{"op"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_completed_total",
			Help:      "FUSE requests that reached a terminal state.",
		}, []string{"op", "result"}),
		Faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_faults_total",
			Help:      "Completions rejected as structurally invalid.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_timed_out_total",
			Help:      "Requests abandoned by the caller or their deadline.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_full_total",
			Help:      "Submissions refused because no slot or descriptor was free.",
		}),
		Trailing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "trailing_completions_total",
			Help:      "Completions that arrived after their request timed out.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Device notifications received.",
		}, []string{"code"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_in_flight",
			Help:      "Requests holding a slot, per queue.",
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Completed, m.Faults, m.Timeouts, m.QueueFull, m.Trailing, m.Notifications, m.InFlight)
	}
	return m
}

func (m *Metrics) inFlight(q int) prometheus.Gauge {
	return m.InFlight.WithLabelValues(strconv.Itoa(q))
}
