/*
Package reconciler drives the cluster towards the instance ledger's
desired state.

The loop is level-triggered: every tick it recomputes the full diff
between the ledger and the cluster driver's observations instead of
reacting to individual events. Crashes, missed wakes and partial
failures all heal on the next pass.

# Tick structure

	┌──────────────────────────────────────────────────┐
	│                 Reconcile Tick                   │
	│   (fixed interval, plus Wake() after mutations)  │
	└───────────────────────┬──────────────────────────┘
	                        │
	         List cluster workloads by owner label
	                        │
	          Snapshot ledger, diff per key:
	                        │
	   desired, absent  ──► create (bounded retries)
	   undesired/orphan ──► delete, then drop entry
	   TTL exceeded     ──► implicit stop
	   present          ──► copy live phase/endpoint

Actions for different keys run concurrently under a per-tick timeout;
unfinished work is abandoned and retried next tick. Per key there is at
most one action per tick, so a delete always completes (the workload is
confirmed gone by a later List) before a create for the same key is
issued. That enforces the at-most-one-workload-per-key invariant across
restarts and retries.

# Failure policy

Create failures and unexpected disappearances increment a per-key
consecutive-failure counter. Past the configured threshold the key is
marked Failed and surfaced on status queries instead of being retried
forever. Explicit stop+start clears the counter.

Nothing is pushed to callers: all outcomes become visible through
subsequent ledger reads, which bounds status latency by the tick
interval but keeps the concurrency model trivial.
*/
package reconciler
