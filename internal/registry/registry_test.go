package registry

import (
	"net/netip"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
)

func id(host string) api.EndpointIdentity {
	return api.EndpointIdentity{Addr: netip.MustParseAddrPort(host + ":853")}
}

func Test_ApplyInstallsNewRecordsAsNeedingValidation(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	identity := id("1.1.1.1")
	needs, demoted := r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})

	Expect(needs).To(ConsistOf(identity))
	Expect(demoted).To(BeEmpty())

	snapshot, ok := r.Snapshot(1, identity)
	Expect(ok).To(BeTrue())
	Expect(snapshot.ValidationState).To(Equal(api.StateInProcess))
}

func Test_ApplyDemotesSuccessWhenNoLongerDesired(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	identity := id("1.1.1.1")
	r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})
	r.Commit(1, identity, func(api.EndpointRecord, bool, bool, api.Mode, bool) (api.ValidationState, bool) {
		return api.StateSuccess, false
	})

	needs, demoted := r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{})

	Expect(needs).To(BeEmpty())
	Expect(demoted).To(ConsistOf(identity))

	snapshot, ok := r.Snapshot(1, identity)
	Expect(ok).To(BeTrue())
	Expect(snapshot.Active).To(BeFalse())
	Expect(snapshot.ValidationState).To(Equal(api.StateSuccessButExpired))
}

func Test_ApplyDoesNotResetAnExistingSuccessRecord(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	identity := id("1.1.1.1")
	desired := map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	}
	r.Apply(1, api.ModeOpportunistic, desired)
	r.Commit(1, identity, func(api.EndpointRecord, bool, bool, api.Mode, bool) (api.ValidationState, bool) {
		return api.StateSuccess, false
	})

	// Re-apply the same desired set: an existing Success record must not be
	// reset to InProcess just because Apply ran again (spec §4.1 step 2: only
	// install records that don't already exist).
	needs, _ := r.Apply(1, api.ModeOpportunistic, desired)
	Expect(needs).To(BeEmpty())

	snapshot, _ := r.Snapshot(1, identity)
	Expect(snapshot.ValidationState).To(Equal(api.StateSuccess))
}

func Test_ClearRemovesModeAndTransports(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	identity := id("1.1.1.1")
	r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})

	r.Clear(1)

	mode, ok := r.Mode(1)
	Expect(ok).To(BeFalse())
	Expect(mode).To(Equal(api.ModeOff))

	_, ok = r.Snapshot(1, identity)
	Expect(ok).To(BeFalse())
}

func Test_GetStatusFiltersInactiveAndNonDotEndpoints(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	dotID := id("1.1.1.1")
	dohID := id("8.8.8.8")
	r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
		dotID: {Identity: dotID, Active: true, Kind: api.KindDot},
		dohID: {Identity: dohID, Active: true, Kind: api.KindDoh},
	})
	r.Commit(1, dotID, func(api.EndpointRecord, bool, bool, api.Mode, bool) (api.ValidationState, bool) {
		return api.StateSuccess, false
	})

	mode, entries := r.GetStatus(1)
	Expect(mode).To(Equal(api.ModeOpportunistic))
	Expect(entries).To(HaveLen(1))
	Expect(entries[0].Identity).To(Equal(dotID))
	Expect(entries[0].State).To(Equal(api.StateSuccess))
}

func Test_GetStatusOnUnknownNetIDReturnsOff(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	mode, entries := r.GetStatus(99)
	Expect(mode).To(Equal(api.ModeOff))
	Expect(entries).To(BeNil())
}

func Test_CommitIsNotAppliedWhenNetIDUnknown(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	identity := id("1.1.1.1")
	result := r.Commit(1, identity, func(_ api.EndpointRecord, exists, active bool, _ api.Mode, hasMode bool) (api.ValidationState, bool) {
		Expect(exists).To(BeFalse())
		Expect(active).To(BeFalse())
		Expect(hasMode).To(BeFalse())
		return api.StateFail, false
	})
	Expect(result.Applied).To(BeFalse())
	Expect(result.State).To(Equal(api.StateFail))
}

func Test_CommitIsNotAppliedWhenRecordRaceAway(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	identity := id("1.1.1.1")
	r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{})
	result := r.Commit(1, identity, func(_ api.EndpointRecord, exists, _ bool, _ api.Mode, _ bool) (api.ValidationState, bool) {
		Expect(exists).To(BeFalse())
		return api.StateFail, false
	})
	Expect(result.Applied).To(BeFalse())
}

func Test_CommitAppliesAndPersistsState(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	identity := id("1.1.1.1")
	r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})

	result := r.Commit(1, identity, func(rec api.EndpointRecord, exists, active bool, mode api.Mode, hasMode bool) (api.ValidationState, bool) {
		Expect(exists).To(BeTrue())
		Expect(active).To(BeTrue())
		Expect(rec.Identity).To(Equal(identity))
		Expect(hasMode).To(BeTrue())
		Expect(mode).To(Equal(api.ModeOpportunistic))
		return api.StateSuccess, false
	})

	Expect(result.Applied).To(BeTrue())
	Expect(result.State).To(Equal(api.StateSuccess))

	snapshot, _ := r.Snapshot(1, identity)
	Expect(snapshot.ValidationState).To(Equal(api.StateSuccess))
}

func Test_FinalizeLatencyThresholdIsNoOpWithoutRecord(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	Expect(func() {
		threshold := int64(500)
		r.FinalizeLatencyThreshold(1, id("1.1.1.1"), &threshold)
	}).NotTo(Panic())
}

func Test_FinalizeLatencyThresholdWritesBackUnderLock(t *testing.T) {
	RegisterTestingT(t)

	r := New()
	identity := id("1.1.1.1")
	r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})

	threshold := int64(333)
	r.FinalizeLatencyThreshold(1, identity, &threshold)

	snapshot, _ := r.Snapshot(1, identity)
	Expect(snapshot.LatencyThreshold).NotTo(BeNil())
	Expect(*snapshot.LatencyThreshold).To(Equal(int64(333)))
}

func Test_RequestValidationPrecheck(t *testing.T) {
	RegisterTestingT(t)

	identity := id("1.1.1.1")

	scenarios := []struct {
		Name    string
		Arrange func(r *Registry)
		Mark    api.Mark
		WantOK  bool
	}{
		{
			Name:    "unknown net id is rejected",
			Arrange: func(r *Registry) {},
			WantOK:  false,
		},
		{
			Name: "strict mode is rejected",
			Arrange: func(r *Registry) {
				r.Apply(1, api.ModeStrict, map[api.EndpointIdentity]api.EndpointRecord{
					identity: {Identity: identity, Active: true, Kind: api.KindDot},
				})
				r.Commit(1, identity, func(api.EndpointRecord, bool, bool, api.Mode, bool) (api.ValidationState, bool) {
					return api.StateSuccess, false
				})
			},
			WantOK: false,
		},
		{
			Name: "non success state is rejected",
			Arrange: func(r *Registry) {
				r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
					identity: {Identity: identity, Active: true, Kind: api.KindDot},
				})
			},
			WantOK: false,
		},
		{
			Name: "mismatched mark is rejected",
			Arrange: func(r *Registry) {
				r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
					identity: {Identity: identity, Active: true, Kind: api.KindDot, Mark: 5},
				})
				r.Commit(1, identity, func(api.EndpointRecord, bool, bool, api.Mode, bool) (api.ValidationState, bool) {
					return api.StateSuccess, false
				})
			},
			Mark:   9,
			WantOK: false,
		},
		{
			Name: "accepted request transitions to in-process",
			Arrange: func(r *Registry) {
				r.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
					identity: {Identity: identity, Active: true, Kind: api.KindDot, Mark: 5},
				})
				r.Commit(1, identity, func(api.EndpointRecord, bool, bool, api.Mode, bool) (api.ValidationState, bool) {
					return api.StateSuccess, false
				})
			},
			Mark:   5,
			WantOK: true,
		},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			r := New()
			scenario.Arrange(r)
			_, accepted := r.RequestValidationPrecheck(1, identity, scenario.Mark)
			Expect(accepted).To(Equal(scenario.WantOK))
			if scenario.WantOK {
				snapshot, _ := r.Snapshot(1, identity)
				Expect(snapshot.ValidationState).To(Equal(api.StateInProcess))
			}
		})
	}
}
