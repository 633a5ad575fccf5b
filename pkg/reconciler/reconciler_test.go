package reconciler

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plfanzen/backend/pkg/challenges"
	"github.com/plfanzen/backend/pkg/cluster"
	"github.com/plfanzen/backend/pkg/ledger"
	"github.com/plfanzen/backend/pkg/log"
	"github.com/plfanzen/backend/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

type fixture struct {
	ledger *ledger.Ledger
	driver *cluster.FakeDriver
	store  *challenges.Store
	rec    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	boltStore, err := ledger.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	l, err := ledger.NewLedger(boltStore)
	require.NoError(t, err)

	store := challenges.NewStore()
	driver := cluster.NewFakeDriver()

	rec := NewReconciler(l, driver, store, Config{
		TickInterval:     time.Hour, // ticks are driven manually
		TickTimeout:      5 * time.Second,
		FailureThreshold: 3,
	})

	return &fixture{ledger: l, driver: driver, store: store, rec: rec}
}

func (f *fixture) publish(t *testing.T, id, hash string) *types.ChallengeDefinition {
	t.Helper()
	def := &types.ChallengeDefinition{
		ID:    id,
		Name:  id,
		Flag:  "CTF{x}",
		Image: "registry.example.com/" + id,
		Ports: []types.PortSpec{{Name: "main", Port: 9001, Protocol: "TCP"}},
		Hash:  hash,
	}
	defs := make(map[string]*types.ChallengeDefinition)
	for _, existing := range f.store.List() {
		defs[existing.ID] = existing
	}
	defs[id] = def
	f.store.Replace(defs)
	return def
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.rec.Tick(context.Background()))
}

var testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestStartConvergesToRunning(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "pwn-101", testHash)
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	_, err := f.ledger.SetDesired(key, testHash, time.Hour, 0)
	require.NoError(t, err)

	f.tick(t)
	entry, err := f.ledger.Get(key)
	require.NoError(t, err)
	require.NotNil(t, entry.Observed)
	assert.Equal(t, types.PhasePending, entry.Observed.Phase)
	assert.True(t, f.driver.Has(key))

	f.driver.MarkRunning(key, "10.0.0.5:9001")
	f.tick(t)

	entry, err = f.ledger.Get(key)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRunning, entry.Observed.Phase)
	assert.Equal(t, "10.0.0.5:9001", entry.Observed.Endpoint)
}

func TestCreateIsNotRepeatedWhileHealthy(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "pwn-101", testHash)
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	_, err := f.ledger.SetDesired(key, testHash, time.Hour, 0)
	require.NoError(t, err)

	f.tick(t)
	f.driver.MarkRunning(key, "10.0.0.5:9001")
	f.tick(t)
	f.tick(t)
	f.tick(t)

	creates, _ := f.driver.Counts()
	assert.Equal(t, 1, creates, "a healthy instance must not be recreated")
}

func TestBoundedRetryThenFailed(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "pwn-101", testHash)
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	f.driver.CreateErr = errors.New("cluster unavailable")
	_, err := f.ledger.SetDesired(key, testHash, time.Hour, 0)
	require.NoError(t, err)

	// Threshold is 3; run plenty of ticks
	for i := 0; i < 6; i++ {
		f.tick(t)
	}

	entry, err := f.ledger.Get(key)
	require.NoError(t, err)
	require.NotNil(t, entry.Observed)
	assert.Equal(t, types.PhaseFailed, entry.Observed.Phase)
	assert.Equal(t, 3, entry.Observed.FailureCount, "retries stop at the threshold")
	assert.Contains(t, entry.Observed.Error, "cluster unavailable")

	creates, _ := f.driver.Counts()
	assert.Equal(t, 3, creates, "no infinite retry spin")
}

func TestStopTearsDownAndDropsEntry(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "pwn-101", testHash)
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	_, err := f.ledger.SetDesired(key, testHash, time.Hour, 0)
	require.NoError(t, err)
	f.tick(t)
	require.True(t, f.driver.Has(key))

	require.NoError(t, f.ledger.ClearDesired(key))

	// First tick issues the delete; the fake driver removes immediately
	f.tick(t)
	assert.False(t, f.driver.Has(key))

	// Next tick confirms absence and drops the ledger entry
	f.tick(t)
	_, err = f.ledger.Get(key)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRestartAfterStopRecreates(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "pwn-101", testHash)
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	_, err := f.ledger.SetDesired(key, testHash, time.Hour, 0)
	require.NoError(t, err)
	f.tick(t)
	require.True(t, f.driver.Has(key))

	require.NoError(t, f.ledger.ClearDesired(key))
	f.tick(t) // delete accepted, observed half goes Terminating

	// Restart while the old entry still lingers in Terminating
	_, err = f.ledger.SetDesired(key, testHash, time.Hour, 0)
	require.NoError(t, err)

	f.tick(t)
	entry, err := f.ledger.Get(key)
	require.NoError(t, err)
	require.NotNil(t, entry.Observed)
	assert.Equal(t, types.PhasePending, entry.Observed.Phase, "teardown is complete, create must proceed")
	assert.True(t, f.driver.Has(key))

	creates, _ := f.driver.Counts()
	assert.Equal(t, 2, creates)

	f.driver.MarkRunning(key, "10.0.0.5:9001")
	f.tick(t)
	entry, err = f.ledger.Get(key)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRunning, entry.Observed.Phase)
}

func TestTTLExpiryReclaimsInstance(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "pwn-101", testHash)
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	_, err := f.ledger.SetDesired(key, testHash, 10*time.Millisecond, 0)
	require.NoError(t, err)
	f.tick(t)
	require.True(t, f.driver.Has(key))

	time.Sleep(20 * time.Millisecond)

	f.tick(t) // expiry: implicit stop + delete
	assert.False(t, f.driver.Has(key))

	f.tick(t) // confirm absence, drop entry
	_, err = f.ledger.Get(key)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestOrphanReclamation(t *testing.T) {
	f := newFixture(t)

	// Simulates a crash after cluster create but before ledger persistence
	f.driver.Inject(cluster.Workload{
		Ref:   "orphaned-ns",
		Key:   types.InstanceKey{TeamID: "ghost", ChallengeID: "pwn-101"},
		Phase: types.PhasePending,
	})

	f.tick(t)

	assert.False(t, f.driver.Has(types.InstanceKey{TeamID: "ghost", ChallengeID: "pwn-101"}))
}

func TestDisappearedWorkloadCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "pwn-101", testHash)
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	_, err := f.ledger.SetDesired(key, testHash, time.Hour, 0)
	require.NoError(t, err)
	f.tick(t)
	require.True(t, f.driver.Has(key))

	// The workload vanishes outside the manager's control, repeatedly:
	// each disappearance increments the failure count (no free-running
	// Pending/Absent oscillation), and recreation keeps happening until
	// the threshold is reached.
	for i := 0; i < 3; i++ {
		workloads, listErr := f.driver.List(context.Background())
		require.NoError(t, listErr)
		for _, w := range workloads {
			require.NoError(t, f.driver.Delete(context.Background(), w.Ref))
		}
		f.tick(t) // observes disappearance, counts failure
		f.tick(t) // recreates if below threshold
	}

	entry, err := f.ledger.Get(key)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseFailed, entry.Observed.Phase)
	assert.False(t, f.driver.Has(key), "no recreation past the threshold")
}

func TestListFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "pwn-101", testHash)
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	_, err := f.ledger.SetDesired(key, testHash, time.Hour, 0)
	require.NoError(t, err)

	f.driver.ListErr = errors.New("apiserver timeout")
	assert.Error(t, f.rec.Tick(context.Background()))

	entry, err := f.ledger.Get(key)
	require.NoError(t, err)
	assert.Nil(t, entry.Observed, "no observation, no ledger mutation")

	f.driver.ListErr = nil
	f.tick(t)
	assert.True(t, f.driver.Has(key), "converges once the cluster is reachable")
}

func TestStalePinnedDefinitionFailsCreate(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "pwn-101", testHash)
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	_, err := f.ledger.SetDesired(key, testHash, time.Hour, 0)
	require.NoError(t, err)

	// The definition changes upstream before the first create happens
	f.publish(t, "pwn-101", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	for i := 0; i < 4; i++ {
		f.tick(t)
	}

	entry, err := f.ledger.Get(key)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseFailed, entry.Observed.Phase)
	assert.False(t, f.driver.Has(key), "never creates from a definition it no longer has")
}

func TestWakeCoalesces(t *testing.T) {
	f := newFixture(t)
	// Must never block, no matter how often it is called
	for i := 0; i < 100; i++ {
		f.rec.Wake()
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	f.rec.Start()
	f.rec.Stop()
}
