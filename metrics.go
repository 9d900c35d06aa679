package vrrpd

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors SPEC_FULL.md §4.7 names: one
// counter per drop kind from the §7 taxonomy (named individually, not a
// single vector keyed by reason), plus a gauge tracking each VR's current
// FSM state. The Dispatcher and every VirtualRouter are constructed with a
// *Metrics (see NewMetrics): the Dispatcher updates it on every drop, each
// VirtualRouter on every transition. Nothing requires a metrics server to
// be running, the registry just accumulates.
type Metrics struct {
	malformed     *prometheus.CounterVec
	authMismatch  *prometheus.CounterVec
	unknownVR     *prometheus.CounterVec
	paramMismatch *prometheus.CounterVec
	state         *prometheus.GaugeVec
}

// dropLabels are the "vrid"/"interface" labels SPEC_FULL.md §4.7 requires
// "where applicable" — a malformed packet or one for an unregistered VR may
// not have a resolvable VRID/interface yet, in which case callers pass "".
var dropLabels = []string{"vrid", "interface"}

// NewMetrics creates a fresh Metrics and registers its collectors with reg.
// Pass prometheus.NewRegistry() for an isolated registry (tests), or
// prometheus.DefaultRegisterer to expose via promhttp.Handler().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_malformed_packets_total",
			Help: "VRRP frames dropped for failing length/version/checksum/TTL validation.",
		}, dropLabels),
		authMismatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_auth_mismatch_total",
			Help: "VRRP frames dropped for failing authentication verification.",
		}, dropLabels),
		unknownVR: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_unknown_vr_total",
			Help: "VRRP frames dropped for naming a (interface, vrid) with no registered virtual router.",
		}, dropLabels),
		paramMismatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_param_mismatch_total",
			Help: "VRRP frames dropped for mismatched auth type, advert interval, or a destination address the virtual router owns.",
		}, dropLabels),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vrrp_vr_state",
			Help: "Current FSM state of a virtual router: 0=Init, 1=Backup, 2=Master.",
		}, []string{"vrid", "interface"}),
	}
	reg.MustRegister(m.malformed, m.authMismatch, m.unknownVR, m.paramMismatch, m.state)
	return m
}

// countDrop increments the counter for kind, labeled by vrid/iface where the
// caller has resolved them (pass 0/"" when it hasn't — e.g. a packet that
// failed parsing before a VRID could be read).
func (m *Metrics) countDrop(kind dropKind, vrid byte, iface string) {
	if m == nil {
		return
	}
	vridLabel := ""
	if vrid != 0 {
		vridLabel = strconv.Itoa(int(vrid))
	}
	switch kind {
	case dropMalformed:
		m.malformed.WithLabelValues(vridLabel, iface).Inc()
	case dropAuthMismatch:
		m.authMismatch.WithLabelValues(vridLabel, iface).Inc()
	case dropUnknownVR:
		m.unknownVR.WithLabelValues(vridLabel, iface).Inc()
	case dropParamMismatch:
		m.paramMismatch.WithLabelValues(vridLabel, iface).Inc()
	}
}

func (m *Metrics) setState(vrid byte, iface string, state State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(strconv.Itoa(int(vrid)), iface).Set(float64(state))
}
