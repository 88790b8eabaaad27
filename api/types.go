// Package api holds the value types and collaborator interfaces shared
// across the engine's public façade and its internal components (registry,
// validation, events, audit). Keeping them in a leaf package with no
// dependents inside the module avoids an import cycle between privatedns
// and internal/* the way the teacher keeps api/v1alpha1 dependency-free of
// internal/controller.
package api

import "net/netip"

// EndpointKind tags which probe/transition rules apply to an EndpointRecord.
// Dot is the only kind the engine drives end to end today; the tag exists so
// a future kind (e.g. Doh) can be added without changing EndpointRecord's
// shape, mirroring how internal/provider/health.go tags health checks by
// HealthCheckProtocol in the teacher.
type EndpointKind int

const (
	KindDot EndpointKind = iota
	KindDoh
)

func (k EndpointKind) String() string {
	switch k {
	case KindDot:
		return "Dot"
	case KindDoh:
		return "Doh"
	default:
		return "Unknown"
	}
}

// IsDot reports whether k is driven by the DNS-over-TLS probe path. Only Dot
// endpoints are validated today (spec §9: "implementers should decide per
// policy" on under-reporting of other kinds) — GetStatus and the driver both
// gate on this.
func (k EndpointKind) IsDot() bool {
	return k == KindDot
}

// EndpointIdentity identifies an encrypted-DNS endpoint. Equality is by both
// fields. An empty ProviderHostname means the endpoint was configured for
// opportunistic use (spec §3).
//
// EndpointIdentity is immutable once constructed and is used as a map key;
// it must stay comparable (no slices/maps/pointers).
type EndpointIdentity struct {
	Addr             netip.AddrPort
	ProviderHostname string
}

// IsOpportunistic reports whether this identity was configured without a
// provider hostname, i.e. for opportunistic use.
func (id EndpointIdentity) IsOpportunistic() bool {
	return id.ProviderHostname == ""
}

func (id EndpointIdentity) String() string {
	if id.ProviderHostname == "" {
		return id.Addr.String()
	}
	return id.Addr.String() + "/" + id.ProviderHostname
}

// ValidationState is the tagged state of an EndpointRecord's probe lifecycle
// (spec §3, transitions governed by §4.4's decision table).
type ValidationState int

const (
	StateUnknown ValidationState = iota
	StateInProcess
	StateSuccess
	StateSuccessButExpired
	StateFail
)

func (s ValidationState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateInProcess:
		return "inProcess"
	case StateSuccess:
		return "success"
	case StateSuccessButExpired:
		return "successButExpired"
	case StateFail:
		return "fail"
	default:
		return "unrecognized"
	}
}

// Mode is the three-valued privacy mode a network is configured with.
type Mode int

const (
	ModeOff Mode = iota
	ModeOpportunistic
	ModeStrict
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOpportunistic:
		return "opportunistic"
	case ModeStrict:
		return "strict"
	default:
		return "unrecognized"
	}
}

// NetID is the opaque integer identifying a logical network context.
type NetID int32

// Mark is the opaque network-association token bound to a network context,
// captured on an EndpointRecord at configuration time and used to select the
// routing/socket policy a probe runs under.
type Mark uint32

// TLSParams carries the provider-specific TLS parameters passed opaquely
// through to ProbeTransport; the engine never interprets them.
type TLSParams struct {
	ProviderName string
	CACertPEM    string
}

// EndpointRecord owns the per-endpoint mutable state tracked by the registry
// (spec §3). Values are copied (never aliased) when handed to a validation
// driver — see internal/validation.
type EndpointRecord struct {
	Identity         EndpointIdentity
	Mark             Mark
	Active           bool
	ValidationState  ValidationState
	LatencyThreshold *int64 // milliseconds; nil means "no threshold" (+inf)
	Kind             EndpointKind
	TLS              TLSParams
}

// NeedsValidation implements spec §4.3: true iff Active and the state is one
// that warrants spawning a driver.
func (r EndpointRecord) NeedsValidation() bool {
	if !r.Active {
		return false
	}
	switch r.ValidationState {
	case StateUnknown, StateFail, StateSuccessButExpired:
		return true
	default:
		return false
	}
}
