// Package metrics exposes the Prometheus gauges this core updates on every
// accepted feature update, grounded on the r3e-network service layer's use
// of client_golang for per-subsystem operational gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the gauges tracked per (environment, projects) pair.
type Metrics struct {
	RevisionID *prometheus.GaugeVec
	LastUpdate *prometheus.GaugeVec
}

// New registers and returns a fresh Metrics bundle against reg. Pass
// prometheus.DefaultRegisterer for process-global metrics, or a dedicated
// *prometheus.Registry in tests to avoid collisions across test cases.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RevisionID: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polling_revision_id",
			Help: "Revision id of the most recently accepted feature payload, per environment and project scope.",
		}, []string{"environment", "projects"}),
		LastUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polling_last_update",
			Help: "Unix timestamp of the most recently accepted feature payload, per environment and project scope.",
		}, []string{"environment", "projects"}),
	}
	if reg != nil {
		reg.MustRegister(m.RevisionID, m.LastUpdate)
	}
	return m
}

// Observe records a successful update for (environment, projects) at unix
// time now, with the payload's revision id.
func (m *Metrics) Observe(environment, projects string, revision int, now int64) {
	if m == nil {
		return
	}
	m.RevisionID.WithLabelValues(environment, projects).Set(float64(revision))
	m.LastUpdate.WithLabelValues(environment, projects).Set(float64(now))
}
