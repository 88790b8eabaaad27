// Package registry implements the Configuration Registry of spec §3, §4.1,
// §4.2, §4.3: the thread-safe single source of truth mapping a NetID to its
// PrivateDnsMode and to the set of EndpointRecords tracked for it.
//
// Exactly one lock protects modes, transports and every record's fields
// (spec §5). It is never held across a probe, a sleep, or an event dispatch
// — callers that need to do those things must read a snapshot, release the
// lock, act, then re-acquire to commit (see internal/validation).
package registry

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
)

// Registry is the single source of truth described in spec §3.
type Registry struct {
	mu         sync.Mutex
	modes      map[api.NetID]api.Mode
	transports map[api.NetID]map[api.EndpointIdentity]api.EndpointRecord
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		modes:      make(map[api.NetID]api.Mode),
		transports: make(map[api.NetID]map[api.EndpointIdentity]api.EndpointRecord),
	}
}

// StatusEntry pairs an identity with its current validation state, as
// returned by GetStatus.
type StatusEntry struct {
	Identity api.EndpointIdentity
	State    api.ValidationState
}

// Clear drops the mode and transport entries for netID (spec §4.2).
func (r *Registry) Clear(netID api.NetID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modes, netID)
	delete(r.transports, netID)
}

// GetStatus returns the current mode and, for every active Dot endpoint, its
// (identity, state) pair (spec §4.2). A missing netID yields (Off, nil).
func (r *Registry) GetStatus(netID api.NetID) (api.Mode, []StatusEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mode, ok := r.modes[netID]
	if !ok {
		return api.ModeOff, nil
	}

	tracker := r.transports[netID]
	entries := make([]StatusEntry, 0, len(tracker))
	for _, identity := range sortedIdentities(tracker) {
		rec := tracker[identity]
		if !rec.Active || !rec.Kind.IsDot() {
			continue
		}
		entries = append(entries, StatusEntry{Identity: rec.Identity, State: rec.ValidationState})
	}
	return mode, entries
}

// Apply installs mode and desired for netID under a single lock acquisition,
// implementing the five numbered steps of spec §4.1 minus driver spawning
// (the caller does that after Apply returns, outside the lock — spec §5
// forbids spawning decisions from depending on anything requiring the lock
// to still be held). Apply returns the list of identities that now need a
// validation driver spawned (spec §4.3) and the list of identities that were
// demoted from Success to SuccessButExpired, for logging/events.
//
// mode == api.ModeOff is handled by the caller via Clear; Apply only ever
// installs Strict/Opportunistic.
func (r *Registry) Apply(netID api.NetID, mode api.Mode, desired map[api.EndpointIdentity]api.EndpointRecord) (needsValidation []api.EndpointIdentity, demoted []api.EndpointIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.modes[netID] = mode

	tracker, ok := r.transports[netID]
	if !ok {
		tracker = make(map[api.EndpointIdentity]api.EndpointRecord)
		r.transports[netID] = tracker
	}

	for identity, rec := range desired {
		if _, exists := tracker[identity]; !exists {
			tracker[identity] = rec
		}
	}

	for identity, rec := range tracker {
		_, stillDesired := desired[identity]
		wasActive := rec.Active
		rec.Active = stillDesired
		if wasActive && !stillDesired && rec.ValidationState == api.StateSuccess {
			rec.ValidationState = api.StateSuccessButExpired
			demoted = append(demoted, identity)
		}
		tracker[identity] = rec
	}

	for identity, rec := range tracker {
		if rec.NeedsValidation() {
			rec.ValidationState = api.StateInProcess
			tracker[identity] = rec
			needsValidation = append(needsValidation, identity)
		}
	}

	return needsValidation, demoted
}

// Snapshot returns a value copy of the record for (netID, identity), if
// present. Drivers take snapshots at spawn time rather than aliasing the
// canonical record (spec §9).
func (r *Registry) Snapshot(netID api.NetID, identity api.EndpointIdentity) (api.EndpointRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracker, ok := r.transports[netID]
	if !ok {
		return api.EndpointRecord{}, false
	}
	rec, ok := tracker[identity]
	return rec, ok
}

// Mode returns the current mode for netID, or (Off, false) if unknown.
func (r *Registry) Mode(netID api.NetID) (api.Mode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mode, ok := r.modes[netID]
	return mode, ok
}

// CommitResult is returned by Commit to tell the caller what to log/emit.
type CommitResult struct {
	Applied    bool // false if the netId or the record raced away; a present but inactive record is still written
	State      api.ValidationState
	NeedsRetry bool
}

// Commit applies one iteration of the driver's classification outcome to the
// canonical record under the lock (spec §4.4 Step D). decide is called with
// the current record (or ok=false if it no longer exists / the netId no
// longer has a mode), the net's current mode, and whether that mode is known,
// and must return the new state and whether the record needs another pass.
//
// decide is handed the mode directly rather than calling back into Mode (or
// any other Registry method): decide runs while Commit still holds r.mu, and
// sync.Mutex is not reentrant — a nested Lock from inside decide would
// deadlock the calling goroutine forever.
//
// Keeping the decision function as a callback run under the lock lets the
// driver's classification logic (internal/validation) stay oblivious to
// locking while guaranteeing spec invariant 4: state is only ever set while
// holding registry_lock.
func (r *Registry) Commit(netID api.NetID, identity api.EndpointIdentity, decide func(rec api.EndpointRecord, exists, active bool, mode api.Mode, hasMode bool) (newState api.ValidationState, needsRetry bool)) CommitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	mode, hasMode := r.modes[netID]

	tracker, hasTracker := r.transports[netID]
	if !hasTracker {
		newState, needsRetry := decide(api.EndpointRecord{}, false, false, mode, hasMode)
		return CommitResult{Applied: false, State: newState, NeedsRetry: needsRetry}
	}

	rec, exists := tracker[identity]
	newState, needsRetry := decide(rec, exists, rec.Active, mode, hasMode)
	if !exists {
		return CommitResult{Applied: false, State: newState, NeedsRetry: needsRetry}
	}

	rec.ValidationState = newState
	tracker[identity] = rec
	return CommitResult{Applied: true, State: newState, NeedsRetry: needsRetry}
}

// FinalizeLatencyThreshold writes the driver's computed latency threshold
// back to the canonical record under the lock (spec §4.4 Step F). It is a
// no-op if the record no longer exists.
func (r *Registry) FinalizeLatencyThreshold(netID api.NetID, identity api.EndpointIdentity, threshold *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracker, ok := r.transports[netID]
	if !ok {
		return
	}
	rec, ok := tracker[identity]
	if !ok {
		return
	}
	rec.LatencyThreshold = threshold
	tracker[identity] = rec
}

// RequestValidationPrecheck validates and, on acceptance, transitions the
// record to InProcess for a revalidation driver, implementing spec §4.4.1.
// It returns the reason the request was rejected, or "" on acceptance.
func (r *Registry) RequestValidationPrecheck(netID api.NetID, identity api.EndpointIdentity, mark api.Mark) (reason string, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mode, ok := r.modes[netID]
	if !ok {
		return "net id not known", false
	}
	if mode != api.ModeOpportunistic {
		return "mode is not opportunistic", false
	}
	tracker, ok := r.transports[netID]
	if !ok {
		return "no transports configured", false
	}
	rec, ok := tracker[identity]
	if !ok {
		return "record does not exist", false
	}
	if !rec.Active {
		return "record is not active", false
	}
	if rec.ValidationState != api.StateSuccess {
		return "record is not currently successful", false
	}
	if rec.Mark != mark {
		return "mark does not match", false
	}

	rec.ValidationState = api.StateInProcess
	tracker[identity] = rec
	return "", true
}

func sortedIdentities(tracker map[api.EndpointIdentity]api.EndpointRecord) []api.EndpointIdentity {
	keys := maps.Keys(tracker)
	// Deterministic ordering keeps GetStatus/Dump output stable for tests
	// without requiring identity to implement a total order beyond string
	// comparison.
	sortIdentities(keys)
	return keys
}
