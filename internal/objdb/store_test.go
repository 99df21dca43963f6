package objdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransactionObservesOwnWrites(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Transaction(func(txn *Txn) error {
		txn.UpsertRepo("r")
		repo, ok := (&View{s: txn.s}).GetRepo("r")
		require.True(t, ok)
		require.Equal(t, RepoID("r"), repo.Name)
		return nil
	}))
}

func TestTestDedupByHash(t *testing.T) {
	s := New(nil)
	var a, b *Test
	require.NoError(t, s.Transaction(func(txn *Txn) error {
		a = txn.UpsertTest("hash1", TestDefinitionSummary{Name: "build-a"})
		b = txn.UpsertTest("hash1", TestDefinitionSummary{Name: "build-a-dup"})
		return nil
	}))
	require.Same(t, a, b)
	require.Equal(t, "build-a", b.Summary.Name)
}

func TestNoDoubleDispatchInvariant(t *testing.T) {
	s := New(nil)
	now := time.Now()
	require.NoError(t, s.Transaction(func(txn *Txn) error {
		txn.UpsertTest("hash1", TestDefinitionSummary{Name: "t"})
		_, err := txn.RecordRunStart("run1", "hash1", "machine1", now)
		return err
	}))
	require.NoError(t, s.View(func(v *View) error {
		tt, _ := v.GetTest("hash1")
		require.Equal(t, 1, tt.ActiveRuns)
		require.Equal(t, 1, v.LiveRunCount())
		return nil
	}))
}

func TestCancelIdempotent(t *testing.T) {
	s := New(nil)
	now := time.Now()
	require.NoError(t, s.Transaction(func(txn *Txn) error {
		txn.UpsertTest("hash1", TestDefinitionSummary{Name: "t"})
		_, err := txn.RecordRunStart("run1", "hash1", "machine1", now)
		return err
	}))
	require.NoError(t, s.Transaction(func(txn *Txn) error { return txn.CancelRun("run1", now) }))
	require.NoError(t, s.Transaction(func(txn *Txn) error { return txn.CancelRun("run1", now.Add(time.Second)) }))

	require.NoError(t, s.View(func(v *View) error {
		tt, _ := v.GetTest("hash1")
		require.Equal(t, 0, tt.ActiveRuns)
		run, _ := v.GetRun("run1")
		require.True(t, run.Canceled)
		require.Equal(t, now, run.EndTimestamp)
		return nil
	}))
}

func TestPriorityMonotonicity(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Transaction(func(txn *Txn) error {
		txn.UpsertCommit(CommitID{Repo: "r", Hash: "aaaa"})
		c := txn.s.commits[CommitID{Repo: "r", Hash: "aaaa"}]
		c.UserPriority = 5
		changed, err := txn.SetCommitPriority(c.ID, 2)
		require.NoError(t, err)
		require.True(t, changed)
		return nil
	}))
	require.NoError(t, s.View(func(v *View) error {
		c, _ := v.GetCommit(CommitID{Repo: "r", Hash: "aaaa"})
		require.Equal(t, 5, c.CalculatedPriority)
		require.GreaterOrEqual(t, c.CalculatedPriority, c.UserPriority)
		return nil
	}))
}

func TestTaskDedupByKindAndTarget(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Transaction(func(txn *Txn) error {
		_, created1 := txn.Enqueue(TaskMedium, TaskUpdateTestPriority, "hash1", nil)
		_, created2 := txn.Enqueue(TaskHigh, TaskUpdateTestPriority, "hash1", nil)
		require.True(t, created1)
		require.False(t, created2)
		return nil
	}))
}
