package api

import "context"

// ProbeTransport is the external collaborator that performs the actual
// TLS handshake + canary query (spec §1, §6). The engine never constructs
// sockets itself; it only calls Probe under a caller-supplied mark.
type ProbeTransport interface {
	// Probe attempts a DoT handshake and canary query against the given
	// endpoint under the given socket mark. It returns true iff a valid DNS
	// response over TLS was received. Probe may block for up to minutes
	// (spec §5) and must respect ctx cancellation where feasible.
	Probe(ctx context.Context, record EndpointRecord, mark Mark) bool
}

// Do53LatencyOracle supplies the moving-average Do53 (plaintext UDP)
// response time for a network, consumed only to gate the opportunistic
// latency threshold (spec §4.4 Step A).
type Do53LatencyOracle interface {
	// Average returns the current moving average, or ok=false if no
	// sample is available yet for netID.
	Average(netID NetID) (avg Microseconds, ok bool)
}

// Microseconds is a plain duration measured in microseconds, matching the
// unit the spec's latency-threshold formula is defined in.
type Microseconds int64

// FlagStore supplies the tunable integer flags the driver consults (spec
// §6). The engine ships defaults (see internal/validation) so a FlagStore
// is optional; a nil FlagStore behaves as if every flag were absent and the
// supplied default is used.
type FlagStore interface {
	GetInt(name string, def int64) int64
}

// Flag names recognized by the engine's FlagStore collaborator (spec §6).
const (
	FlagAvoidBadPrivateDNS           = "avoid_bad_private_dns"
	FlagMinPrivateDNSLatencyMs       = "min_private_dns_latency_threshold_ms"
	FlagMaxPrivateDNSLatencyMs       = "max_private_dns_latency_threshold_ms"
	DefaultMinPrivateDNSLatencyMs    = int64(200)
	DefaultMaxPrivateDNSLatencyMs    = int64(2000)
	DefaultAvoidBadPrivateDNSEnabled = int64(0)
)
