package events

import (
	"net/netip"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
)

type recordingClassicSubscriber struct {
	calls []bool
}

func (r *recordingClassicSubscriber) OnValidationResult(_ api.NetID, _ api.EndpointIdentity, succeeded bool) {
	r.calls = append(r.calls, succeeded)
}

type panickingClassicSubscriber struct{}

func (panickingClassicSubscriber) OnValidationResult(api.NetID, api.EndpointIdentity, bool) {
	panic("boom")
}

type recordingUnsolicitedSubscriber struct {
	events []UnsolicitedEvent
}

func (r *recordingUnsolicitedSubscriber) OnUnsolicitedValidation(e UnsolicitedEvent) {
	r.events = append(r.events, e)
}

type recordingObserver struct {
	states []api.ValidationState
}

func (r *recordingObserver) OnValidationStateUpdate(_ string, state api.ValidationState, _ api.NetID) {
	r.states = append(r.states, state)
}

func Test_NotifyDeliversToAllClassicSubscribersDespitePanic(t *testing.T) {
	RegisterTestingT(t)

	r := NewReporter()
	bad := panickingClassicSubscriber{}
	good := &recordingClassicSubscriber{}
	r.AddClassicSubscriber(bad)
	r.AddClassicSubscriber(good)

	identity := api.EndpointIdentity{Addr: netip.MustParseAddrPort("1.1.1.1:853")}
	r.Notify(1, identity, true)

	Expect(good.calls).To(Equal([]bool{true}))
}

func Test_NotifyShapesUnsolicitedEvent(t *testing.T) {
	RegisterTestingT(t)

	r := NewReporter()
	sub := &recordingUnsolicitedSubscriber{}
	r.AddUnsolicitedSubscriber(sub)

	identity := api.EndpointIdentity{Addr: netip.MustParseAddrPort("1.1.1.1:853"), ProviderHostname: "dns.example.com"}
	r.Notify(7, identity, false)

	Expect(sub.events).To(HaveLen(1))
	Expect(sub.events[0].NetID).To(Equal(api.NetID(7)))
	Expect(sub.events[0].IPAddress).To(Equal("1.1.1.1:853"))
	Expect(sub.events[0].Hostname).To(Equal("dns.example.com"))
	Expect(sub.events[0].Validation).To(Equal(ValidationFailure))
}

func Test_NotifyStateUpdateIsNoOpWithoutObserver(t *testing.T) {
	RegisterTestingT(t)

	r := NewReporter()
	Expect(func() {
		r.NotifyStateUpdate(netip.MustParseAddrPort("1.1.1.1:853"), api.StateSuccess, 1)
	}).NotTo(Panic())
}

func Test_NotifyStateUpdateDeliversToObserver(t *testing.T) {
	RegisterTestingT(t)

	r := NewReporter()
	obs := &recordingObserver{}
	r.SetObserver(obs)

	r.NotifyStateUpdate(netip.MustParseAddrPort("1.1.1.1:853"), api.StateSuccess, 1)

	Expect(obs.states).To(Equal([]api.ValidationState{api.StateSuccess}))
}
