// Package metrics exposes the prometheus gauges/counters the validation
// engine maintains, grounded on the label-vec-per-concern style of
// internal/metrics/metrics.go in the teacher (dns_provider_write_counter,
// dns_health_probe_counter, etc.) but relabeled for this engine's domain.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	labelNetID   = "net_id"
	labelOutcome = "outcome"
)

var (
	// ActiveDrivers counts live validation-driver goroutines per network,
	// grounded on the teacher's ProbeCounter gauge-vec.
	ActiveDrivers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dnsvalidation_active_drivers",
			Help: "Number of validation driver goroutines currently running, by network id.",
		},
		[]string{labelNetID},
	)

	// ProbeAttemptsTotal counts every probe attempt committed by a driver,
	// labeled by its classification outcome (success, fail, inProcess).
	ProbeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsvalidation_probe_attempts_total",
			Help: "Count of probe attempts committed by validation drivers, by outcome.",
		},
		[]string{labelNetID, labelOutcome},
	)

	// AuditDroppedTotal counts audit-log entries evicted by ring overflow.
	AuditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dnsvalidation_audit_dropped_total",
			Help: "Count of audit log entries dropped due to ring buffer overflow.",
		},
	)
)

func init() {
	crmetrics.Registry.MustRegister(ActiveDrivers, ProbeAttemptsTotal, AuditDroppedTotal)
}

// DriverStarted increments the active-driver gauge for netID.
func DriverStarted(netID int32) {
	ActiveDrivers.WithLabelValues(formatNetID(netID)).Inc()
}

// DriverStopped decrements the active-driver gauge for netID.
func DriverStopped(netID int32) {
	ActiveDrivers.WithLabelValues(formatNetID(netID)).Dec()
}

// ProbeAttempt records one committed probe outcome for netID.
func ProbeAttempt(netID int32, outcome string) {
	ProbeAttemptsTotal.WithLabelValues(formatNetID(netID), outcome).Inc()
}

func formatNetID(netID int32) string {
	return strconv.FormatInt(int64(netID), 10)
}
