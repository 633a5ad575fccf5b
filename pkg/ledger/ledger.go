package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/plfanzen/backend/pkg/log"
	"github.com/plfanzen/backend/pkg/types"
	"github.com/rs/zerolog"
)

// Entry pairs the desired and observed halves of one instance key.
// Either half may be absent: desired-only before the first create,
// observed-only after an explicit stop or for a discovered orphan.
type Entry struct {
	Desired  *types.DesiredInstance  `json:"desired,omitempty"`
	Observed *types.ObservedInstance `json:"observed,omitempty"`
}

// Key returns the instance key of whichever half is present
func (e *Entry) Key() types.InstanceKey {
	if e.Desired != nil {
		return e.Desired.Key
	}
	if e.Observed != nil {
		return e.Observed.Key
	}
	return types.InstanceKey{}
}

// clone returns a deep copy so callers never share pointers with the
// ledger's own state
func (e *Entry) clone() *Entry {
	out := &Entry{}
	if e.Desired != nil {
		d := *e.Desired
		out.Desired = &d
	}
	if e.Observed != nil {
		o := *e.Observed
		out.Observed = &o
	}
	return out
}

// Ledger is the authoritative record of desired and observed instances,
// keyed by (team, challenge). All mutations go through a single writer
// lock and are persisted to bolt before they are visible to readers.
type Ledger struct {
	mu      sync.RWMutex
	entries map[types.InstanceKey]*Entry
	store   *BoltStore
	logger  zerolog.Logger
}

// NewLedger rebuilds the in-memory ledger from the persisted snapshot
func NewLedger(store *BoltStore) (*Ledger, error) {
	entries, err := store.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild ledger: %w", err)
	}

	l := &Ledger{
		entries: entries,
		store:   store,
		logger:  log.WithComponent("ledger"),
	}
	if len(entries) > 0 {
		l.logger.Info().Int("entries", len(entries)).Msg("Ledger rebuilt from snapshot")
	}
	return l, nil
}

// SetDesired records a start request. It is idempotent when the key
// already has a desired instance pinned at the same definition hash;
// a different hash fails with ErrConflict and the caller must stop the
// existing instance first. A positive maxPerTeam caps the team's live
// start requests; the check shares the write lock so concurrent first
// starts cannot slip past the cap. Known keys are exempt, re-requesting
// an existing instance is always allowed.
func (l *Ledger) SetDesired(key types.InstanceKey, definitionHash string, ttl time.Duration, maxPerTeam int) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if ok && entry.Desired != nil {
		if entry.Desired.DefinitionHash == definitionHash {
			return entry.clone(), nil
		}
		return nil, types.ConflictError(key, entry.Desired.DefinitionHash, definitionHash)
	}
	if !ok {
		if maxPerTeam > 0 && l.countDesiredByTeamLocked(key.TeamID) >= maxPerTeam {
			return nil, fmt.Errorf("%w: team %s already has %d instances", types.ErrLimitExceeded, key.TeamID, maxPerTeam)
		}
		entry = &Entry{}
		l.entries[key] = entry
	}

	entry.Desired = &types.DesiredInstance{
		Key:            key,
		DefinitionHash: definitionHash,
		RequestedAt:    time.Now(),
		TTL:            ttl,
	}

	if err := l.store.PutEntry(key, entry); err != nil {
		entry.Desired = nil
		if entry.Observed == nil {
			delete(l.entries, key)
		}
		return nil, fmt.Errorf("failed to persist desired instance: %w", err)
	}
	return entry.clone(), nil
}

// ClearDesired removes the desired half of an entry (explicit stop or
// TTL expiry). The entry itself survives until the observed workload is
// confirmed gone; an entry with no observed half is dropped outright.
func (l *Ledger) ClearDesired(key types.InstanceKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || entry.Desired == nil {
		return types.ErrNotFound
	}

	entry.Desired = nil
	if entry.Observed == nil {
		delete(l.entries, key)
		return l.store.DeleteEntry(key)
	}
	return l.store.PutEntry(key, entry)
}

// SetObserved overwrites the observed half of an entry. Only the
// reconciler calls this.
func (l *Ledger) SetObserved(key types.InstanceKey, observed *types.ObservedInstance) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		if observed == nil {
			return nil
		}
		entry = &Entry{}
		l.entries[key] = entry
	}

	entry.Observed = observed
	if entry.Desired == nil && entry.Observed == nil {
		delete(l.entries, key)
		return l.store.DeleteEntry(key)
	}
	return l.store.PutEntry(key, entry)
}

// Drop removes an entry entirely, regardless of its halves. Used when
// the reconciler has confirmed the cluster object is gone.
func (l *Ledger) Drop(key types.InstanceKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[key]; !ok {
		return nil
	}
	delete(l.entries, key)
	return l.store.DeleteEntry(key)
}

// Get returns a copy of one entry
func (l *Ledger) Get(key types.InstanceKey) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return entry.clone(), nil
}

// Snapshot returns copies of all entries. This is what the reconciler
// diffs against cluster state each tick.
func (l *Ledger) Snapshot() map[types.InstanceKey]*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[types.InstanceKey]*Entry, len(l.entries))
	for key, entry := range l.entries {
		out[key] = entry.clone()
	}
	return out
}

// countDesiredByTeamLocked counts the team's live start requests.
// Callers hold l.mu.
func (l *Ledger) countDesiredByTeamLocked(teamID string) int {
	n := 0
	for key, entry := range l.entries {
		if key.TeamID == teamID && entry.Desired != nil {
			n++
		}
	}
	return n
}
