/*
Package ledger is the authoritative record of desired and observed
challenge instances, keyed by (team, challenge).

The ledger is the only shared mutable state in the manager. A single
writer lock serializes mutations; reads hand out deep copies so the
reconciler and the API can work on snapshots without holding the lock.
Every mutation is persisted to a bbolt database before it becomes
visible, so a restarted manager rebuilds the exact desired state
without re-asking the API service.

Ownership rules:

  - Desired halves are written by the API (start/stop) and by the
    reconciler's TTL expiry pass.
  - Observed halves are written only by the reconciler, from cluster
    driver observations.

SetDesired is idempotent for a matching definition hash and fails with
ErrConflict otherwise: changing a challenge under a running instance
always requires an explicit stop+start.
*/
package ledger
