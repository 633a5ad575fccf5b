/*
Package cluster is the manager's only gateway to the container cluster.

The Driver interface exposes exactly three operations: create a
workload for an instance key, delete it by reference, and list every
workload this manager owns. All three are idempotent because the
reconciler retries with at-least-once semantics.

The Kubernetes implementation provisions one namespace per instance
(a Deployment plus a NodePort Service inside it) and stamps the owning
(team, challenge) key onto the namespace. That metadata is the only
persistent index: after a manager restart, List recovers the full
observed state from the cluster alone, which is what makes orphan
detection possible.
*/
package cluster
