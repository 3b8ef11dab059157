package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	AcquireTotal  *prometheus.CounterVec // result=success|held|busy|error
	ReleaseTotal  *prometheus.CounterVec // result=success|invalid|busy|error
	TransferTotal *prometheus.CounterVec // result=success|not_holder|target_busy|busy|error
	RenewTotal    *prometheus.CounterVec // result=success|invalid|busy|error

	OpLatencyMS *prometheus.HistogramVec // op=acquire|release|transfer|renew

	StoreBusyTotal *prometheus.CounterVec // op=acquire|release|transfer|renew|expire
	VolumeHeld     *prometheus.GaugeVec   // volume, role; 1 while role holds volume

	ExpiredTotal      prometheus.Counter
	InvalidGrantTotal prometheus.Counter
	EventsDropped     prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_acquire_total",
				Help: "Total acquire attempts by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_release_total",
				Help: "Total release attempts by result",
			},
			[]string{"result"},
		),
		TransferTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_transfer_total",
				Help: "Total transfer attempts by result",
			},
			[]string{"result"},
		),
		RenewTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_renew_total",
				Help: "Total renew attempts by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbiter_op_latency_ms",
				Help:    "Latency of arbiter operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		StoreBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_store_busy_total",
				Help: "Total busy/locked errors from the state store",
			},
			[]string{"op"},
		),
		VolumeHeld: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbiter_volume_held",
				Help: "1 while the role holds the volume, 0 otherwise",
			},
			[]string{"volume", "role"},
		),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_expired_total",
			Help: "Total grants reclaimed after their lease expired",
		}),
		InvalidGrantTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_invalid_grant_total",
			Help: "Total stale or forged grants presented to release/renew",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_events_dropped_total",
			Help: "Total notifications dropped because a subscriber was too slow",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AcquireTotal,
			m.ReleaseTotal,
			m.TransferTotal,
			m.RenewTotal,
			m.OpLatencyMS,
			m.StoreBusyTotal,
			m.VolumeHeld,
			m.ExpiredTotal,
			m.InvalidGrantTotal,
			m.EventsDropped,
		)
	}

	return m
}
