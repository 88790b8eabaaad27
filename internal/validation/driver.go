// Package validation implements the Validation Driver of spec §4.4: the
// per-probe worker that repeatedly calls ProbeTransport.Probe, consults the
// Do53LatencyOracle when gated on, applies the classification matrix, and
// commits state transitions through the registry.
//
// A Driver holds no registry lock while probing, sleeping, or dispatching
// events (spec §5) — it only acquires the registry's lock inside
// registry.Registry's own Commit/FinalizeLatencyThreshold/Snapshot calls.
package validation

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/ptr"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/audit"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/backoffpolicy"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/dnslog"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/events"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/metrics"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/registry"
)

// KMaxOpportunisticAttempts is K in spec §4.4 Step C: the number of attempts
// an opportunistic-mode, gate-on driver may make before giving up, even if
// backoff has more delays to offer.
const KMaxOpportunisticAttempts = 5

// Driver runs validation loops against a Registry on behalf of the engine
// façade. One Driver instance is shared by every spawned goroutine; the
// per-(netId,identity) state lives entirely in the loop's local variables
// and in the registry, never on the Driver itself (spec §9: no
// driver<->record back-references).
type Driver struct {
	Registry  *registry.Registry
	Reporter  *events.Reporter
	Audit     *audit.Log
	Transport api.ProbeTransport
	Do53      api.Do53LatencyOracle
	Flags     api.FlagStore

	// NewBackoff constructs a fresh backoff policy for one driver run.
	// Defaults to backoffpolicy.New with the spec's defaults; tests override
	// it to run in milliseconds instead of minutes.
	NewBackoff func() *backoffpolicy.Policy

	// Sleep defaults to a timer wait that returns early once ctx is done;
	// tests override it to avoid real time passing through a retry loop.
	Sleep func(ctx context.Context, d time.Duration)

	inFlight singleflight.Group
}

func (d *Driver) newBackoff() *backoffpolicy.Policy {
	if d.NewBackoff != nil {
		return d.NewBackoff()
	}
	return backoffpolicy.New()
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) {
	if d.Sleep != nil {
		d.Sleep(ctx, dur)
		return
	}
	sleepCtx(ctx, dur)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// dispatchSpacing is the base delay jittered before a freshly spawned
// driver's first probe attempt, so a bulk Set across many endpoints doesn't
// fire every probe in the same instant.
const dispatchSpacing = 50 * time.Millisecond

// Spawn starts a detached driver goroutine for (netID, identity), using
// snapshot as the initial record value (spec §9: a value copy, not an
// alias). isRevalidation controls the Strict-vs-Opportunistic retry
// semantics of spec §4.4 Step D.
//
// singleflight collapses a second Spawn for the same (netID, identity) into
// the already-running one — a defense-in-depth measure on top of the
// InProcess state gate (spec invariant 3) that needs_validation and
// RequestValidationPrecheck already enforce under the registry lock.
func (d *Driver) Spawn(ctx context.Context, netID api.NetID, snapshot api.EndpointRecord, isRevalidation bool) {
	key := singleflightKey(netID, snapshot.Identity)
	go func() {
		_, _, _ = d.inFlight.Do(key, func() (interface{}, error) {
			d.sleep(ctx, backoffpolicy.Jitter(0.5, dispatchSpacing))
			if ctx.Err() != nil {
				return nil, nil
			}
			d.run(ctx, netID, snapshot, isRevalidation)
			return nil, nil
		})
	}()
}

func singleflightKey(netID api.NetID, identity api.EndpointIdentity) string {
	return identity.String() + "@" + strconv.FormatInt(int64(netID), 10)
}

func (d *Driver) run(ctx context.Context, netID api.NetID, snapshot api.EndpointRecord, isRevalidation bool) {
	logger := dnslog.FromContext(ctx).WithValues("netId", netID, "identity", snapshot.Identity.String())
	metrics.DriverStarted(int32(netID))
	defer metrics.DriverStopped(int32(netID))

	identity := snapshot.Identity
	backoff := d.newBackoff()
	var finalThreshold *int64

	for attempt := 1; ; attempt++ {
		gateOn := d.flagInt(api.FlagAvoidBadPrivateDNS, api.DefaultAvoidBadPrivateDNSEnabled) != 0
		isOpportunistic := identity.IsOpportunistic()

		// Step A — threshold computation (opportunistic mode only).
		var threshold *int64
		if gateOn && isOpportunistic {
			threshold = ptr.To(d.computeThreshold(netID))
		}
		finalThreshold = threshold

		// Step B — probe.
		started := time.Now()
		gotAnswer := d.Transport.Probe(ctx, snapshot, snapshot.Mark)
		tookMs := time.Since(started).Round(time.Millisecond).Milliseconds()

		// Step C — classification.
		latencyTooHigh := threshold != nil && tookMs > *threshold
		maxAttemptsReached := gateOn && isOpportunistic && attempt >= KMaxOpportunisticAttempts

		logger.V(2).Info("probe attempt complete", "attempt", attempt, "gotAnswer", gotAnswer, "tookMs", tookMs, "latencyTooHigh", latencyTooHigh)

		// Step D — commit.
		var succeededQuickly bool
		result := d.Registry.Commit(netID, identity, func(rec api.EndpointRecord, exists, active bool, mode api.Mode, hasMode bool) (api.ValidationState, bool) {
			switch {
			case !hasMode:
				succeededQuickly = false
				return api.StateFail, false
			case !exists:
				succeededQuickly = false
				return api.StateFail, false
			case !active:
				succeededQuickly = false
				return api.StateFail, false
			case gotAnswer && !latencyTooHigh:
				succeededQuickly = true
				return api.StateSuccess, false
			case maxAttemptsReached:
				succeededQuickly = false
				return api.StateFail, false
			case gotAnswer && latencyTooHigh:
				succeededQuickly = false
				return api.StateInProcess, true
			case !gotAnswer && mode == api.ModeOff:
				succeededQuickly = false
				return api.StateFail, false
			case !gotAnswer && mode == api.ModeOpportunistic && !isRevalidation:
				succeededQuickly = false
				return api.StateFail, false
			default:
				// !gotAnswer, and (mode == Strict || isRevalidation)
				succeededQuickly = false
				return api.StateInProcess, true
			}
		})

		d.Audit.Append(netID, identity, result.State)
		d.Reporter.Notify(netID, identity, succeededQuickly)
		d.Reporter.NotifyStateUpdate(identity.Addr, result.State, netID)
		metrics.ProbeAttempt(int32(netID), outcomeLabel(result.State))

		if !result.Applied {
			logger.V(1).Info("driver observed record/network removal, notifying Fail and exiting", "state", result.State)
			break
		}

		if !result.NeedsRetry {
			logger.V(1).Info("validation finished", "state", result.State)
			break
		}

		if !backoff.HasNext() {
			logger.V(1).Info("backoff exhausted, committing Fail", "previousState", result.State)
			final := d.Registry.Commit(netID, identity, func(_ api.EndpointRecord, _, _ bool, _ api.Mode, _ bool) (api.ValidationState, bool) {
				return api.StateFail, false
			})
			d.Audit.Append(netID, identity, final.State)
			d.Reporter.Notify(netID, identity, false)
			d.Reporter.NotifyStateUpdate(identity.Addr, final.State, netID)
			metrics.ProbeAttempt(int32(netID), outcomeLabel(final.State))
			break
		}

		d.sleep(ctx, backoff.Next())
		if ctx.Err() != nil {
			return
		}
	}

	// Step F — finalize.
	if snapshot.Kind.IsDot() {
		d.Registry.FinalizeLatencyThreshold(netID, identity, finalThreshold)
	}
}

func (d *Driver) computeThreshold(netID api.NetID) int64 {
	minMs := d.flagInt(api.FlagMinPrivateDNSLatencyMs, api.DefaultMinPrivateDNSLatencyMs)
	maxMs := d.flagInt(api.FlagMaxPrivateDNSLatencyMs, api.DefaultMaxPrivateDNSLatencyMs)

	target := minMs
	if d.Do53 != nil {
		if avg, ok := d.Do53.Average(netID); ok {
			target = 3 * int64(avg) / 1000
		}
	}
	return clamp(target, minMs, maxMs)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (d *Driver) flagInt(name string, def int64) int64 {
	if d.Flags == nil {
		return def
	}
	return d.Flags.GetInt(name, def)
}

func outcomeLabel(s api.ValidationState) string {
	switch s {
	case api.StateSuccess:
		return "success"
	case api.StateFail:
		return "fail"
	case api.StateInProcess:
		return "inProcess"
	default:
		return "unknown"
	}
}
