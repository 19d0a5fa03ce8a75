package ipc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Session close reasons, used as metric labels and in logs
const (
	closeReasonPeer       = "peer"
	closeReasonDispatch   = "dispatch_failed"
	closeReasonReceive    = "receive_failed"
	closeReasonReply      = "reply_failed"
	closeReasonExplicit   = "explicit"
	closeReasonDestroyed  = "server_destroyed"
	rejectReasonLimit     = "session_limit"
	rejectReasonFactory   = "factory_failed"
	rejectReasonBind      = "bind_failed"
	dispatchOutcomeOK     = "ok"
	dispatchOutcomeFailed = "failed"
)

// metrics holds the server's Prometheus collectors
type metrics struct {
	registerer prometheus.Registerer
	collectors []prometheus.Collector

	sessionsAccepted prometheus.Counter
	sessionsRejected *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	activeSessions   prometheus.Gauge
	activePorts      prometheus.Gauge
	factories        prometheus.Gauge
}

// newMetrics registers the server collectors with reg, labelled with the
// server id so several servers can share a registry. A nil reg gets a
// private registry.
func newMetrics(reg prometheus.Registerer, serverID string) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"server": serverID}, reg)

	m := &metrics{
		registerer: reg,
		sessionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipcserver_sessions_accepted_total",
			Help: "Sessions accepted and bound to an object",
		}),
		sessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipcserver_sessions_rejected_total",
			Help: "Connection attempts rejected before binding",
		}, []string{"reason"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipcserver_sessions_closed_total",
			Help: "Sessions closed, by reason",
		}, []string{"reason"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipcserver_dispatch_total",
			Help: "Requests dispatched to objects, by outcome",
		}, []string{"outcome"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ipcserver_dispatch_duration_seconds",
			Help:    "Time spent inside Object.Dispatch",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipcserver_active_sessions",
			Help: "Sessions currently bound",
		}),
		activePorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipcserver_active_ports",
			Help: "Ports currently bound",
		}),
		factories: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipcserver_factories",
			Help: "Factories currently tracked",
		}),
	}

	m.collectors = []prometheus.Collector{
		m.sessionsAccepted, m.sessionsRejected, m.sessionsClosed,
		m.dispatches, m.dispatchDuration,
		m.activeSessions, m.activePorts, m.factories,
	}
	for i, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range m.collectors[:i] {
				reg.Unregister(done)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observeDispatch(start time.Time, ok bool) {
	m.dispatchDuration.Observe(time.Since(start).Seconds())
	if ok {
		m.dispatches.WithLabelValues(dispatchOutcomeOK).Inc()
	} else {
		m.dispatches.WithLabelValues(dispatchOutcomeFailed).Inc()
	}
}

func (m *metrics) unregister() {
	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
}
