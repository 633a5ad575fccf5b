/*
Package api serves the manager's control surface: the typed HTTP API
the platform backend calls to start, stop and inspect challenge
instances, browse challenges and validate flags.

Handlers are deliberately thin. Declaring desired state is cheap and
synchronous (a ledger write plus a reconciler wake); convergence is
asynchronous and observed by polling GetInstance. No handler ever
blocks on a cluster call, so client latency is independent of cluster
API health.
*/
package api
