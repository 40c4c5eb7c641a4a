package store

import (
	"sync"
	"testing"

	"github.com/netunicorn/director/pkg/apierr"
	"github.com/netunicorn/director/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExperimentCRUD(t *testing.T) {
	s := newTestStore(t)

	exp := &types.Experiment{ID: "exp-1", Name: "speedtest", Username: "alice", Status: types.ExperimentCreated}
	require.NoError(t, s.CreateExperiment(exp))
	require.Error(t, s.CreateExperiment(exp)) // duplicate id rejected

	got, err := s.GetExperiment("exp-1")
	require.NoError(t, err)
	require.Equal(t, "speedtest", got.Name)

	byName, err := s.GetExperimentByName("alice", "speedtest")
	require.NoError(t, err)
	require.Equal(t, "exp-1", byName.ID)

	_, err = s.GetExperiment("missing")
	require.ErrorIs(t, err, apierr.ErrNotFound)

	got.Status = types.ExperimentPreparing
	require.NoError(t, s.UpdateExperiment(got))
	reloaded, err := s.GetExperiment("exp-1")
	require.NoError(t, err)
	require.Equal(t, types.ExperimentPreparing, reloaded.Status)
}

func TestClaimLocksAllOrNothing(t *testing.T) {
	s := newTestStore(t)

	want := []types.Lock{{NodeName: "n1", Connector: "c1"}, {NodeName: "n2", Connector: "c1"}}
	conflicts, err := s.ClaimLocks("alice", want)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	// bob tries to claim n1 (held) and n3 (free): must fail wholesale.
	conflicts, err = s.ClaimLocks("bob", []types.Lock{{NodeName: "n1", Connector: "c1"}, {NodeName: "n3", Connector: "c1"}})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "n1", conflicts[0].NodeName)

	locks, err := s.ListLocks()
	require.NoError(t, err)
	require.Len(t, locks, 2) // n3 was never granted

	require.NoError(t, s.ReleaseLocks(want))
	locks, err = s.ListLocks()
	require.NoError(t, err)
	require.Empty(t, locks)
}

func TestClaimCompilationCAS(t *testing.T) {
	s := newTestStore(t)
	c := &types.Compilation{ID: "c1", ExperimentID: "exp-1", Status: types.CompilationPending}
	require.NoError(t, s.CreateCompilation(c))

	claimed, err := s.ClaimCompilation("exp-1", "c1")
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.ClaimCompilation("exp-1", "c1")
	require.NoError(t, err)
	require.False(t, claimed, "second claim must not succeed once running")
}

func TestFlagAtomicity(t *testing.T) {
	s := newTestStore(t)

	text := "stage_1"
	zero := int64(0)
	_, err := s.UpdateFlag("exp-1", "barrier", types.FlagOpSet, types.FlagMutation{Text: &text, Int: &zero})
	require.NoError(t, err)

	const incs, decs = 50, 20
	var wg sync.WaitGroup
	wg.Add(incs + decs)
	for i := 0; i < incs; i++ {
		go func() {
			defer wg.Done()
			_, err := s.UpdateFlag("exp-1", "barrier", types.FlagOpInc, types.FlagMutation{})
			require.NoError(t, err)
		}()
	}
	for i := 0; i < decs; i++ {
		go func() {
			defer wg.Done()
			_, err := s.UpdateFlag("exp-1", "barrier", types.FlagOpDec, types.FlagMutation{})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := s.UpdateFlag("exp-1", "barrier", types.FlagOpGet, types.FlagMutation{})
	require.NoError(t, err)
	require.Equal(t, int64(incs-decs), final.IntValue)
	require.Equal(t, "stage_1", final.TextValue)
}

func TestExecutorResultFirstWins(t *testing.T) {
	s := newTestStore(t)
	e := &types.ExecutorRecord{ExperimentID: "exp-1", ExecutorID: "ex-1", State: types.ExecutorExecuting}
	require.NoError(t, s.CreateExecutor(e))

	first := &types.ExecutorRecord{ExperimentID: "exp-1", ExecutorID: "ex-1", Finished: true, ResultBlob: []byte("first"), State: types.ExecutorTerminated}
	require.NoError(t, s.UpdateExecutor(first))

	second := &types.ExecutorRecord{ExperimentID: "exp-1", ExecutorID: "ex-1", Finished: true, ResultBlob: []byte("second"), State: types.ExecutorTerminated}
	require.NoError(t, s.UpdateExecutor(second))

	got, err := s.GetExecutor("exp-1", "ex-1")
	require.NoError(t, err)
	require.Equal(t, "first", string(got.ResultBlob))
}
