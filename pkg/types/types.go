package types

import (
	"errors"
	"fmt"
	"time"
)

// ChallengeDefinition is a parsed challenge manifest from the tracked
// git branch. The ID is a stable slug and never changes once published;
// everything else may change between commits, in which case Hash changes
// with it.
type ChallengeDefinition struct {
	ID          string
	Name        string
	Description string
	Categories  []string
	Difficulty  string
	Flag        string
	Image       string
	Ports       []PortSpec
	Resources   ResourceLimits
	Env         map[string]string

	// Hash is the hex sha256 of the raw manifest bytes. Instances pin
	// the hash they were created from.
	Hash string
}

// PortSpec defines a port exposed by a challenge container
type PortSpec struct {
	Name     string
	Port     int
	Protocol string // "TCP" or "UDP"
}

// ResourceLimits are passed through to the cluster as container limits
type ResourceLimits struct {
	CPU    string // e.g. "500m"
	Memory string // e.g. "256Mi"
}

// InstanceKey identifies an instance: one per (team, challenge)
type InstanceKey struct {
	TeamID      string
	ChallengeID string
}

func (k InstanceKey) String() string {
	return k.TeamID + "/" + k.ChallengeID
}

// DesiredInstance is what the API has asked for. DefinitionHash is
// pinned at request time and immutable for the life of the entry.
type DesiredInstance struct {
	Key            InstanceKey
	DefinitionHash string
	RequestedAt    time.Time
	TTL            time.Duration
}

// Expired reports whether the instance has outlived its TTL
func (d *DesiredInstance) Expired(now time.Time) bool {
	return now.Sub(d.RequestedAt) > d.TTL
}

// InstancePhase is the last-observed lifecycle phase of an instance
type InstancePhase string

const (
	PhasePending     InstancePhase = "pending"
	PhaseRunning     InstancePhase = "running"
	PhaseFailed      InstancePhase = "failed"
	PhaseTerminating InstancePhase = "terminating"
	PhaseAbsent      InstancePhase = "absent"
)

// ObservedInstance is what the reconciler believes exists in the
// cluster. Written only by the reconciler; RPC handlers just read it.
type ObservedInstance struct {
	Key            InstanceKey
	ClusterRef     string // namespace owning the workload
	Phase          InstancePhase
	Endpoint       string // host:port, set once Running
	LastTransition time.Time
	FailureCount   int
	Error          string // terminal error detail when Phase == failed
}

// Error taxonomy shared between the ledger, the reconciler and the API
var (
	// ErrNotFound covers unknown challenges and unknown instance keys
	ErrNotFound = errors.New("not found")

	// ErrConflict means a desired instance already exists with a
	// different pinned definition; the caller must stop first
	ErrConflict = errors.New("conflict")

	// ErrLimitExceeded means the team is at its instance cap
	ErrLimitExceeded = errors.New("instance limit reached")
)

// ConflictError wraps ErrConflict with the competing hashes
func ConflictError(key InstanceKey, existing, requested string) error {
	return fmt.Errorf("%w: instance %s pinned at %s, requested %s", ErrConflict, key, existing, requested)
}
