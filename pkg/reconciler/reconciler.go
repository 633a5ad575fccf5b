package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/plfanzen/backend/pkg/challenges"
	"github.com/plfanzen/backend/pkg/cluster"
	"github.com/plfanzen/backend/pkg/ledger"
	"github.com/plfanzen/backend/pkg/log"
	"github.com/plfanzen/backend/pkg/metrics"
	"github.com/plfanzen/backend/pkg/types"
)

// Config tunes the control loop
type Config struct {
	// TickInterval is how often a full reconcile pass runs regardless
	// of ledger activity
	TickInterval time.Duration
	// TickTimeout bounds one pass; unfinished actions are retried on
	// the next tick
	TickTimeout time.Duration
	// FailureThreshold is the consecutive-failure count after which a
	// key is marked Failed and no longer retried
	FailureThreshold int
}

// Reconciler drives actual cluster state towards the ledger's desired
// state. It is level-triggered: every tick recomputes the full diff
// between ledger and cluster, so missed events and crashes heal on the
// next pass.
type Reconciler struct {
	ledger *ledger.Ledger
	driver cluster.Driver
	store  *challenges.Store
	cfg    Config

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewReconciler creates a reconciler; call Start to begin the loop
func NewReconciler(l *ledger.Ledger, d cluster.Driver, s *challenges.Store, cfg Config) *Reconciler {
	return &Reconciler{
		ledger: l,
		driver: d,
		store:  s,
		cfg:    cfg,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler and waits for the current tick to finish
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Wake requests an immediate tick. Called after every ledger mutation
// so start/stop requests converge faster than the tick interval. Never
// blocks; a pending wake is coalesced.
func (r *Reconciler) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.wakeCh:
		case <-r.stopCh:
			return
		}

		if err := r.Tick(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("Reconcile tick failed")
		}
	}
}

// Tick performs one full reconciliation pass
func (r *Reconciler) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.TickTimeout)
	defer cancel()

	r.drainChangeEvents()

	workloads, err := r.driver.List(ctx)
	if err != nil {
		// Without an observation we cannot diff safely; leave the
		// ledger untouched and retry next tick.
		return fmt.Errorf("failed to list cluster workloads: %w", err)
	}
	byKey := make(map[types.InstanceKey]cluster.Workload, len(workloads))
	for _, w := range workloads {
		byKey[w.Key] = w
	}

	snapshot := r.ledger.Snapshot()
	now := time.Now()

	// Actions for different keys are independent and run concurrently;
	// per key there is at most one action per tick, which serializes
	// delete-before-create across ticks.
	g, ctx := errgroup.WithContext(ctx)

	for key, entry := range snapshot {
		key, entry := key, entry
		w, inCluster := byKey[key]

		// TTL expiry is an implicit stop
		if entry.Desired != nil && entry.Desired.Expired(now) {
			instLogger := log.WithInstance(key.TeamID, key.ChallengeID)
			instLogger.Info().Msg("Instance TTL expired")
			metrics.InstanceExpiriesTotal.Inc()
			if err := r.ledger.ClearDesired(key); err != nil && err != types.ErrNotFound {
				instLogger := log.WithInstance(key.TeamID, key.ChallengeID)
				instLogger.Error().Err(err).Msg("Failed to clear expired instance")
				continue
			}
			entry.Desired = nil
		}

		switch {
		case entry.Desired == nil:
			// Explicit stop or expiry: tear down, then drop the entry
			// once the cluster confirms the workload is gone.
			if inCluster {
				g.Go(func() error { r.deleteWorkload(ctx, key, w.Ref); return nil })
			} else if err := r.ledger.Drop(key); err != nil {
				instLogger := log.WithInstance(key.TeamID, key.ChallengeID)
				instLogger.Error().Err(err).Msg("Failed to drop ledger entry")
			}

		case r.isTerminal(entry):
			// Past the failure threshold: surfaced on status queries,
			// not retried. Cleared only by explicit stop+start.

		case inCluster && w.Phase == types.PhaseAbsent:
			// The namespace survives but the workload inside it is gone.
			// Create is idempotent and restores the missing pieces.
			g.Go(func() error { r.createWorkload(ctx, key, entry); return nil })

		case inCluster:
			r.updateObserved(key, entry, w)

		default:
			// Desired but absent from the cluster. A Terminating observed
			// half whose workload is no longer listed means teardown is
			// complete: reset it (keeping the failure streak) so a
			// restarted instance proceeds to create instead of waiting
			// forever on a delete that already finished.
			if entry.Observed != nil && entry.Observed.Phase == types.PhaseTerminating {
				observed := &types.ObservedInstance{
					Key:            key,
					Phase:          types.PhaseAbsent,
					LastTransition: time.Now(),
					FailureCount:   entry.Observed.FailureCount,
				}
				if err := r.ledger.SetObserved(key, observed); err != nil {
					instLogger := log.WithInstance(key.TeamID, key.ChallengeID)
					instLogger.Error().Err(err).Msg("Failed to confirm teardown")
					break
				}
				entry.Observed = observed
			}
			if entry.Observed != nil && (entry.Observed.Phase == types.PhasePending || entry.Observed.Phase == types.PhaseRunning) {
				// The workload disappeared underneath us; count it so a
				// crash-looping challenge cannot oscillate forever.
				r.recordFailure(key, entry, "workload disappeared from cluster")
				break
			}
			g.Go(func() error { r.createWorkload(ctx, key, entry); return nil })
		}
	}

	// Orphans: workloads with no ledger entry at all, e.g. after a
	// crash between cluster create and ledger persistence.
	for key, w := range byKey {
		if _, tracked := snapshot[key]; tracked {
			continue
		}
		if w.Phase == types.PhaseTerminating {
			continue
		}
		key, w := key, w
		instLogger := log.WithInstance(key.TeamID, key.ChallengeID)
		instLogger.Warn().Str("ref", w.Ref).Msg("Deleting orphaned workload")
		g.Go(func() error { r.deleteWorkload(ctx, key, w.Ref); return nil })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	r.publishPhaseMetrics()
	return nil
}

// drainChangeEvents consumes definition change events and warns about
// running instances whose pinned definition is now stale. Policy: log
// only, never restart a live instance under a competitor.
func (r *Reconciler) drainChangeEvents() {
	for {
		select {
		case ev := <-r.store.Changes():
			for key, entry := range r.ledger.Snapshot() {
				if entry.Desired == nil || key.ChallengeID != ev.ChallengeID {
					continue
				}
				if ev.Type == challenges.ChangeRemoved || entry.Desired.DefinitionHash != ev.Hash {
					instLogger := log.WithInstance(key.TeamID, key.ChallengeID)
					instLogger.Warn().
						Str("change", string(ev.Type)).
						Msg("Running instance is pinned to a stale definition")
				}
			}
		default:
			return
		}
	}
}

func (r *Reconciler) isTerminal(entry *ledger.Entry) bool {
	return entry.Observed != nil &&
		entry.Observed.Phase == types.PhaseFailed &&
		entry.Observed.FailureCount >= r.cfg.FailureThreshold
}

func (r *Reconciler) createWorkload(ctx context.Context, key types.InstanceKey, entry *ledger.Entry) {
	logger := log.WithInstance(key.TeamID, key.ChallengeID)

	def, err := r.store.Get(key.ChallengeID)
	if err == nil && def.Hash != entry.Desired.DefinitionHash {
		err = fmt.Errorf("pinned definition %s is no longer available", entry.Desired.DefinitionHash[:12])
	}
	if err != nil {
		r.recordFailure(key, entry, err.Error())
		return
	}

	metrics.InstanceCreatesTotal.Inc()
	ref, err := r.driver.Create(ctx, key, def)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create workload")
		r.recordFailure(key, entry, err.Error())
		return
	}

	failures := 0
	if entry.Observed != nil {
		failures = entry.Observed.FailureCount
	}
	observed := &types.ObservedInstance{
		Key:            key,
		ClusterRef:     ref,
		Phase:          types.PhasePending,
		LastTransition: time.Now(),
		FailureCount:   failures,
	}
	if err := r.ledger.SetObserved(key, observed); err != nil {
		logger.Error().Err(err).Msg("Failed to record created workload")
	}
}

func (r *Reconciler) deleteWorkload(ctx context.Context, key types.InstanceKey, ref string) {
	logger := log.WithInstance(key.TeamID, key.ChallengeID)

	metrics.InstanceDeletesTotal.Inc()
	if err := r.driver.Delete(ctx, ref); err != nil {
		metrics.InstanceFailuresTotal.Inc()
		logger.Error().Err(err).Msg("Failed to delete workload")
		return
	}

	// Deletion was accepted but may complete asynchronously; keep the
	// entry in Terminating until List no longer reports the workload.
	if entry, err := r.ledger.Get(key); err == nil && entry.Observed != nil {
		observed := *entry.Observed
		observed.Phase = types.PhaseTerminating
		observed.LastTransition = time.Now()
		if err := r.ledger.SetObserved(key, &observed); err != nil {
			logger.Error().Err(err).Msg("Failed to record terminating workload")
		}
	}
}

// recordFailure increments the key's consecutive-failure count and
// marks it Failed once the threshold is reached
func (r *Reconciler) recordFailure(key types.InstanceKey, entry *ledger.Entry, detail string) {
	logger := log.WithInstance(key.TeamID, key.ChallengeID)
	metrics.InstanceFailuresTotal.Inc()

	failures := 1
	if entry.Observed != nil {
		failures = entry.Observed.FailureCount + 1
	}

	observed := &types.ObservedInstance{
		Key:            key,
		Phase:          types.PhaseAbsent,
		LastTransition: time.Now(),
		FailureCount:   failures,
	}
	if entry.Observed != nil {
		observed.ClusterRef = entry.Observed.ClusterRef
	}
	if failures >= r.cfg.FailureThreshold {
		observed.Phase = types.PhaseFailed
		observed.Error = detail
		logger.Error().
			Int("failures", failures).
			Str("detail", detail).
			Msg("Instance exceeded failure threshold")
	}

	if err := r.ledger.SetObserved(key, observed); err != nil {
		logger.Error().Err(err).Msg("Failed to record failure")
	}
}

// updateObserved copies the live phase and endpoint into the ledger
func (r *Reconciler) updateObserved(key types.InstanceKey, entry *ledger.Entry, w cluster.Workload) {
	observed := &types.ObservedInstance{
		Key:            key,
		ClusterRef:     w.Ref,
		Phase:          w.Phase,
		Endpoint:       w.Endpoint,
		LastTransition: time.Now(),
	}
	if entry.Observed != nil {
		observed.FailureCount = entry.Observed.FailureCount
		if entry.Observed.Phase == w.Phase && entry.Observed.Endpoint == w.Endpoint {
			return // no transition, avoid rewriting the snapshot
		}
		if entry.Observed.Phase != types.PhaseRunning && w.Phase == types.PhaseRunning {
			// A successful start clears the failure streak
			observed.FailureCount = 0
		}
	}

	if err := r.ledger.SetObserved(key, observed); err != nil {
		instLogger := log.WithInstance(key.TeamID, key.ChallengeID)
		instLogger.Error().Err(err).Msg("Failed to update observed state")
	}
}

func (r *Reconciler) publishPhaseMetrics() {
	counts := map[types.InstancePhase]int{}
	for _, entry := range r.ledger.Snapshot() {
		if entry.Observed != nil {
			counts[entry.Observed.Phase]++
		} else if entry.Desired != nil {
			counts[types.PhaseAbsent]++
		}
	}
	for _, phase := range []types.InstancePhase{types.PhasePending, types.PhaseRunning, types.PhaseFailed, types.PhaseTerminating, types.PhaseAbsent} {
		metrics.InstancesTotal.WithLabelValues(string(phase)).Set(float64(counts[phase]))
	}
}
