// Package audit implements the bounded FIFO audit log of spec §4.7: a ring
// buffer of (timestamp, netId, identity, state) records, read by an atomic
// snapshot and formatted for Dump per spec §6.
package audit

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/metrics"
)

// Entry is one audit-log record.
type Entry struct {
	ID        uuid.UUID // random id generated per entry; Dump does not print it
	Timestamp time.Time
	NetID     api.NetID
	Identity  api.EndpointIdentity
	State     api.ValidationState
}

// DefaultCapacity bounds the ring buffer when New is called with capacity <= 0.
const DefaultCapacity = 2000

// Log is a bounded FIFO of Entry values. Overflow drops the oldest entry.
// Log has its own internal synchronization independent of registry_lock
// (spec §5).
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	cap      int
	next     int
	wrapped  bool
	dropped  uint64
	nowForID func() time.Time
}

// New returns a Log bounded to capacity entries (DefaultCapacity if cap<=0).
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries: make([]Entry, 0, capacity),
		cap:     capacity,
	}
}

// Append records a new entry, generating its timestamp and trace id.
func (l *Log) Append(netID api.NetID, identity api.EndpointIdentity, state api.ValidationState) {
	l.append(Entry{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		NetID:     netID,
		Identity:  identity,
		State:     state,
	})
}

func (l *Log) append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) < l.cap {
		l.entries = append(l.entries, e)
		return
	}
	// Ring is full: overwrite the oldest slot.
	l.entries[l.next] = e
	l.next = (l.next + 1) % l.cap
	l.wrapped = true
	l.dropped++
	metrics.AuditDroppedTotal.Inc()
}

// Snapshot returns an atomic, oldest-first copy of the current buffer
// contents.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	if !l.wrapped {
		out = append(out, l.entries...)
		return out
	}
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Dropped reports how many entries have been evicted by ring overflow.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Dump writes every snapshot entry to w in the format spec §6 mandates:
//
//	<iso-timestamp> - netId=<n> PrivateDns={<sockaddr>/<provider>} state=<state-name>
func Dump(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		provider := e.Identity.ProviderHostname
		if _, err := fmt.Fprintf(w, "%s - netId=%d PrivateDns={%s/%s} state=%s\n",
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.NetID,
			e.Identity.Addr.String(),
			provider,
			e.State.String(),
		); err != nil {
			return err
		}
	}
	return nil
}
