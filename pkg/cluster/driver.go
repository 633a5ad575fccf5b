package cluster

import (
	"context"

	"github.com/plfanzen/backend/pkg/types"
)

// Workload is the driver's view of one live instance in the cluster
type Workload struct {
	// Ref is the cluster-assigned reference, the namespace name
	Ref string
	// Key recovered from the object's owner metadata
	Key types.InstanceKey
	// Hash is the pinned definition hash the workload was created from
	Hash string
	// Phase is the live phase derived from cluster state
	Phase types.InstancePhase
	// Endpoint is host:port of the first exposed port, once reachable
	Endpoint string
}

// Driver is the only component that talks to the container cluster.
// All operations are idempotent: creating an object that already
// exists and deleting one that is already gone both succeed, because
// the reconciler retries actions after partial failures.
type Driver interface {
	// Create provisions the workload for an instance and returns its
	// cluster reference.
	Create(ctx context.Context, key types.InstanceKey, def *types.ChallengeDefinition) (string, error)

	// Delete tears the workload down. Deleting an absent workload is
	// not an error.
	Delete(ctx context.Context, ref string) error

	// List returns every workload this manager owns, recovered purely
	// from cluster metadata. This is what makes state recoverable
	// after a manager restart.
	List(ctx context.Context) ([]Workload, error)
}
