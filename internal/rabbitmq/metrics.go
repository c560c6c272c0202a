package rabbitmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus metrics of one lifecycle manager.
// A nil *Collector is valid and records nothing.
type Collector struct {
	State         prometheus.Gauge
	Reconnects    prometheus.Counter
	Published     prometheus.Counter
	Failed        prometheus.Counter
	Acked         prometheus.Counter
	Nacked        prometheus.Counter
	Indeterminate prometheus.Counter
	Pending       prometheus.Gauge
	Deliveries    prometheus.Counter
}

// NewCollector registers the lifecycle metrics with reg under namespace.
// role distinguishes caller and worker managers in one process.
func NewCollector(reg prometheus.Registerer, namespace string, role Role) *Collector {
	if namespace == "" {
		namespace = "avista"
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"role": role.String()}

	return &Collector{
		State: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "amqp",
			Name:        "lifecycle_state",
			Help:        "Current lifecycle state (0=idle .. 7=closed)",
			ConstLabels: labels,
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "amqp",
			Name:        "reconnects_total",
			Help:        "Number of times the manager entered reconnect_wait",
			ConstLabels: labels,
		}),
		Published: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "amqp",
			Name:        "published_total",
			Help:        "Messages published with confirmation tracking",
			ConstLabels: labels,
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "amqp",
			Name:        "publish_failures_total",
			Help:        "Tracked publishes the client failed to send",
			ConstLabels: labels,
		}),
		Acked: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "amqp",
			Name:        "confirms_acked_total",
			Help:        "Publishes acknowledged by the broker",
			ConstLabels: labels,
		}),
		Nacked: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "amqp",
			Name:        "confirms_nacked_total",
			Help:        "Publishes negatively acknowledged by the broker",
			ConstLabels: labels,
		}),
		Indeterminate: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "amqp",
			Name:        "confirms_indeterminate_total",
			Help:        "Publishes whose confirmation was lost with the connection",
			ConstLabels: labels,
		}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "amqp",
			Name:        "confirms_pending",
			Help:        "Publishes awaiting broker confirmation",
			ConstLabels: labels,
		}),
		Deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "amqp",
			Name:        "deliveries_total",
			Help:        "Messages received from the consumed queue",
			ConstLabels: labels,
		}),
	}
}

func (c *Collector) state(s State) {
	if c == nil {
		return
	}
	c.State.Set(float64(s))
}

func (c *Collector) reconnect() {
	if c == nil {
		return
	}
	c.Reconnects.Inc()
}

func (c *Collector) published() {
	if c == nil {
		return
	}
	c.Published.Inc()
}

func (c *Collector) publishFailed() {
	if c == nil {
		return
	}
	c.Failed.Inc()
}

func (c *Collector) confirmed(ack bool, n int) {
	if c == nil || n == 0 {
		return
	}
	if ack {
		c.Acked.Add(float64(n))
	} else {
		c.Nacked.Add(float64(n))
	}
}

func (c *Collector) indeterminate(n int) {
	if c == nil || n == 0 {
		return
	}
	c.Indeterminate.Add(float64(n))
}

func (c *Collector) pending(n int) {
	if c == nil {
		return
	}
	c.Pending.Set(float64(n))
}

func (c *Collector) delivery() {
	if c == nil {
		return
	}
	c.Deliveries.Inc()
}
