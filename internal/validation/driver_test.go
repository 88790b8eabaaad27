package validation

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/audit"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/backoffpolicy"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/events"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/registry"
)

// scriptedTransport answers true/false from a fixed script, one entry
// consumed per Probe call; the last entry repeats once exhausted.
type scriptedTransport struct {
	mu     sync.Mutex
	script []bool
	calls  int
}

func (s *scriptedTransport) Probe(_ context.Context, _ api.EndpointRecord, _ api.Mark) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++
	return s.script[idx]
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func noSleep(_ context.Context, _ time.Duration) {}

func fastBackoff() *backoffpolicy.Policy {
	return backoffpolicy.New(
		backoffpolicy.WithFirstDelay(time.Millisecond),
		backoffpolicy.WithMaxDelay(time.Millisecond),
		backoffpolicy.WithMaxAttempts(3),
	)
}

func newTestDriver(transport api.ProbeTransport) (*Driver, *registry.Registry) {
	reg := registry.New()
	d := &Driver{
		Registry:   reg,
		Reporter:   events.NewReporter(),
		Audit:      audit.New(100),
		Transport:  transport,
		NewBackoff: fastBackoff,
		Sleep:      noSleep,
	}
	return d, reg
}

func opportunisticIdentity() api.EndpointIdentity {
	return api.EndpointIdentity{Addr: netip.MustParseAddrPort("1.1.1.1:853")}
}

func strictIdentity() api.EndpointIdentity {
	return api.EndpointIdentity{Addr: netip.MustParseAddrPort("1.1.1.1:853"), ProviderHostname: "dns.example.com"}
}

func awaitState(t *testing.T, reg *registry.Registry, netID api.NetID, identity api.EndpointIdentity, want api.ValidationState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := reg.Snapshot(netID, identity); ok && rec.ValidationState == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	rec, _ := reg.Snapshot(netID, identity)
	t.Fatalf("timed out waiting for state %s, last seen %s", want, rec.ValidationState)
}

func Test_DriverSucceedsOnFirstAnswer(t *testing.T) {
	RegisterTestingT(t)

	identity := opportunisticIdentity()
	transport := &scriptedTransport{script: []bool{true}}
	d, reg := newTestDriver(transport)
	reg.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})
	snapshot, _ := reg.Snapshot(1, identity)

	d.Spawn(context.Background(), 1, snapshot, false)

	awaitState(t, reg, 1, identity, api.StateSuccess)
	Expect(transport.callCount()).To(Equal(1))
}

func Test_DriverOpportunisticGivesUpAfterOneFailedAttempt(t *testing.T) {
	RegisterTestingT(t)

	identity := opportunisticIdentity()
	transport := &scriptedTransport{script: []bool{false}}
	d, reg := newTestDriver(transport)
	reg.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})
	snapshot, _ := reg.Snapshot(1, identity)

	d.Spawn(context.Background(), 1, snapshot, false)

	awaitState(t, reg, 1, identity, api.StateFail)
	Expect(transport.callCount()).To(Equal(1))
}

func Test_DriverStrictModeRetriesUntilBackoffExhausted(t *testing.T) {
	RegisterTestingT(t)

	identity := strictIdentity()
	transport := &scriptedTransport{script: []bool{false}}
	d, reg := newTestDriver(transport)
	reg.Apply(1, api.ModeStrict, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})
	snapshot, _ := reg.Snapshot(1, identity)

	d.Spawn(context.Background(), 1, snapshot, false)

	// Backoff is configured for 3 steps; once exhausted the driver commits a
	// final Fail rather than leaving the record stuck InProcess forever
	// (spec §8 property 5 and scenarios S3/S5: Fail is only reached once
	// backoff is exhausted, but it IS reached then).
	awaitState(t, reg, 1, identity, api.StateFail)
	Expect(transport.callCount()).To(BeNumerically(">=", 3))
}

func Test_DriverFinalizesLatencyThresholdForDotOpportunisticEndpoint(t *testing.T) {
	RegisterTestingT(t)

	identity := opportunisticIdentity()
	transport := &scriptedTransport{script: []bool{true}}
	d, reg := newTestDriver(transport)
	d.Flags = constFlagStore{api.FlagAvoidBadPrivateDNS: 1}
	reg.Apply(1, api.ModeOpportunistic, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})
	snapshot, _ := reg.Snapshot(1, identity)

	d.Spawn(context.Background(), 1, snapshot, false)

	awaitState(t, reg, 1, identity, api.StateSuccess)
	time.Sleep(10 * time.Millisecond)
	rec, _ := reg.Snapshot(1, identity)
	Expect(rec.LatencyThreshold).NotTo(BeNil())
}

func Test_DriverExitsWithoutFinalizingWhenRecordRemoved(t *testing.T) {
	RegisterTestingT(t)

	identity := opportunisticIdentity()
	transport := &scriptedTransport{script: []bool{false, false, false}}
	d, reg := newTestDriver(transport)
	reg.Apply(1, api.ModeStrict, map[api.EndpointIdentity]api.EndpointRecord{
		identity: {Identity: identity, Active: true, Kind: api.KindDot},
	})
	snapshot, _ := reg.Snapshot(1, identity)

	reg.Clear(1) // simulate a concurrent Clear racing the driver's first commit

	d.Spawn(context.Background(), 1, snapshot, false)

	time.Sleep(50 * time.Millisecond)
	_, ok := reg.Snapshot(1, identity)
	Expect(ok).To(BeFalse())
}

type constFlagStore map[string]int64

func (c constFlagStore) GetInt(name string, def int64) int64 {
	if v, ok := c[name]; ok {
		return v
	}
	return def
}
