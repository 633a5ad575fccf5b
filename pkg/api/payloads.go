package api

import (
	"time"

	"github.com/plfanzen/backend/pkg/challenges"
	"github.com/plfanzen/backend/pkg/ledger"
	"github.com/plfanzen/backend/pkg/types"
)

// StartInstanceRequest asks for a per-team instance of a challenge.
// TTLSeconds of zero means the configured default TTL.
type StartInstanceRequest struct {
	TeamID      string `json:"team_id"`
	ChallengeID string `json:"challenge_id"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
}

// InstancePayload is the wire form of the composite instance view
type InstancePayload struct {
	TeamID         string `json:"team_id"`
	ChallengeID    string `json:"challenge_id"`
	DefinitionHash string `json:"definition_hash"`
	Phase          string `json:"phase"`
	Endpoint       string `json:"endpoint,omitempty"`
	RequestedAt    string `json:"requested_at"`
	ExpiresAt      string `json:"expires_at"`
	Stale          bool   `json:"stale,omitempty"`
	Error          string `json:"error,omitempty"`
}

// InstanceListResponse wraps ListInstances results
type InstanceListResponse struct {
	Instances []InstancePayload `json:"instances"`
}

// ChallengePayload is the browsable summary of a challenge definition.
// The flag is deliberately absent.
type ChallengePayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Difficulty  string   `json:"difficulty,omitempty"`
	Ports       []int    `json:"ports"`
	Hash        string   `json:"hash"`
}

// ChallengeListResponse wraps ListChallenges results
type ChallengeListResponse struct {
	Challenges []ChallengePayload `json:"challenges"`
}

// CheckFlagRequest carries a flag submission for validation
type CheckFlagRequest struct {
	Flag string `json:"flag"`
}

// CheckFlagResponse reports whether the submitted flag was correct
type CheckFlagResponse struct {
	Correct bool `json:"correct"`
}

// SyncResponse reports the outcome of a manual repository sync
type SyncResponse struct {
	Changed bool `json:"changed"`
}

// ErrorResponse is the error envelope for every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports liveness/readiness details
type HealthResponse struct {
	Status       string `json:"status"`
	GitHead      string `json:"git_head,omitempty"`
	LastSyncAge  string `json:"last_sync_age,omitempty"`
	Challenges   int    `json:"challenges"`
	ManifestErrs int    `json:"manifest_errors"`
}

// toInstancePayload builds the composite view from a ledger entry. A
// desired-only entry reports Pending: the workload will exist after
// the next reconcile tick.
func toInstancePayload(entry *ledger.Entry, store *challenges.Store) InstancePayload {
	key := entry.Key()
	p := InstancePayload{
		TeamID:      key.TeamID,
		ChallengeID: key.ChallengeID,
		Phase:       string(types.PhasePending),
	}

	if entry.Desired != nil {
		p.DefinitionHash = entry.Desired.DefinitionHash
		p.RequestedAt = entry.Desired.RequestedAt.UTC().Format(time.RFC3339)
		p.ExpiresAt = entry.Desired.RequestedAt.Add(entry.Desired.TTL).UTC().Format(time.RFC3339)
		if def, err := store.Get(key.ChallengeID); err != nil || def.Hash != entry.Desired.DefinitionHash {
			p.Stale = true
		}
	}
	if entry.Observed != nil {
		p.Phase = string(entry.Observed.Phase)
		p.Endpoint = entry.Observed.Endpoint
		p.Error = entry.Observed.Error
	}
	if entry.Desired == nil {
		// Stop accepted, teardown in progress
		p.Phase = string(types.PhaseTerminating)
	}
	return p
}
