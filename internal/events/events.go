// Package events implements the Event Reporter of spec §4.5: it fans
// validation outcomes out to zero or more subscribers and to a single
// in-process Observer. Delivery is synchronous and a failing subscriber
// never blocks delivery to the rest — the same "best effort, don't abort on
// one bad listener" contract internal/provider/cached.go's HealthCheckReconciler
// chain follows for its own decorators.
package events

import (
	"net/netip"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
)

// ClassicSubscriber receives the legacy success/failure notification shape:
// just enough to know which (netId, identity) transitioned and whether the
// probe succeeded.
type ClassicSubscriber interface {
	OnValidationResult(netID api.NetID, identity api.EndpointIdentity, succeeded bool)
}

// UnsolicitedEvent is the payload delivered to UnsolicitedSubscriber, shaped
// per spec §6 ("Event payload emitted to unsolicited subscribers").
type UnsolicitedEvent struct {
	NetID      api.NetID
	IPAddress  string
	Hostname   string
	Validation Validation
}

// Validation is the two-valued outcome carried on UnsolicitedEvent.
type Validation int

const (
	ValidationSuccess Validation = iota
	ValidationFailure
)

func (v Validation) String() string {
	if v == ValidationSuccess {
		return "SUCCESS"
	}
	return "FAILURE"
}

// UnsolicitedSubscriber receives the richer UnsolicitedEvent shape.
type UnsolicitedSubscriber interface {
	OnUnsolicitedValidation(e UnsolicitedEvent)
}

// Observer receives the single in-process state-update notification of spec
// §6, keyed by the bare socket address rather than the full identity.
type Observer interface {
	OnValidationStateUpdate(ipAddress string, state api.ValidationState, netID api.NetID)
}

// Reporter owns the classic/unsolicited subscriber lists and the single
// Observer, and fans events out synchronously (spec §4.5, §5: owned by an
// external singleton accessed without the registry lock — here the caller is
// responsible for not holding registry_lock across Notify/NotifyStateUpdate).
type Reporter struct {
	classic     []ClassicSubscriber
	unsolicited []UnsolicitedSubscriber
	observer    Observer
}

// NewReporter returns an empty Reporter.
func NewReporter() *Reporter {
	return &Reporter{}
}

// AddClassicSubscriber registers a classic subscriber. Not safe for
// concurrent use with Notify; callers register subscribers once at startup,
// matching how internal/provider/factory.go's RegisterProvider is used.
func (r *Reporter) AddClassicSubscriber(s ClassicSubscriber) {
	r.classic = append(r.classic, s)
}

// AddUnsolicitedSubscriber registers an unsolicited subscriber.
func (r *Reporter) AddUnsolicitedSubscriber(s UnsolicitedSubscriber) {
	r.unsolicited = append(r.unsolicited, s)
}

// SetObserver installs (or clears, with nil) the single Observer.
func (r *Reporter) SetObserver(o Observer) {
	r.observer = o
}

// Notify fans a validation outcome out to every registered subscriber, in
// registration order. A panic in one subscriber does not prevent delivery to
// the rest — recovered and otherwise ignored, since the driver has no error
// channel of its own (spec §7).
func (r *Reporter) Notify(netID api.NetID, identity api.EndpointIdentity, succeeded bool) {
	for _, s := range r.classic {
		deliverClassic(s, netID, identity, succeeded)
	}

	validation := ValidationSuccess
	if !succeeded {
		validation = ValidationFailure
	}
	evt := UnsolicitedEvent{
		NetID:      netID,
		IPAddress:  identity.Addr.String(),
		Hostname:   identity.ProviderHostname,
		Validation: validation,
	}
	for _, s := range r.unsolicited {
		deliverUnsolicited(s, evt)
	}
}

// NotifyStateUpdate delivers a state transition to the single Observer, if
// set. sockaddr is the bare address string (no provider hostname), per spec
// §6's Observer contract.
func (r *Reporter) NotifyStateUpdate(addr netip.AddrPort, state api.ValidationState, netID api.NetID) {
	if r.observer == nil {
		return
	}
	deliverObserver(r.observer, addr.String(), state, netID)
}

func deliverClassic(s ClassicSubscriber, netID api.NetID, identity api.EndpointIdentity, succeeded bool) {
	defer func() { _ = recover() }()
	s.OnValidationResult(netID, identity, succeeded)
}

func deliverUnsolicited(s UnsolicitedSubscriber, evt UnsolicitedEvent) {
	defer func() { _ = recover() }()
	s.OnUnsolicitedValidation(evt)
}

func deliverObserver(o Observer, addr string, state api.ValidationState, netID api.NetID) {
	defer func() { _ = recover() }()
	o.OnValidationStateUpdate(addr, state, netID)
}
