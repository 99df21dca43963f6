package scheduler

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mattsgit/test-looper/internal/objdb"
)

func newStore() *objdb.Store {
	return objdb.New(logrus.NewEntry(logrus.New()))
}

func TestEvaluatePriorityStateFirstBuild(t *testing.T) {
	store := newStore()
	now := time.Now()
	var state objdb.TestPriorityState
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tt := tx.UpsertTest("build1", objdb.TestDefinitionSummary{Type: objdb.TestTypeBuild})
		tt.RunsDesired = 1
		state = evaluatePriorityState(tx.View(), tt, now)
		return nil
	}))
	require.Equal(t, objdb.PriorityFirstBuild, state)
}

func TestEvaluatePriorityStateWaitingOnBuilds(t *testing.T) {
	store := newStore()
	now := time.Now()
	var state objdb.TestPriorityState
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		dep := tx.UpsertTest("build1", objdb.TestDefinitionSummary{Type: objdb.TestTypeBuild})
		dep.RunsDesired = 1
		tt := tx.UpsertTest("test1", objdb.TestDefinitionSummary{Type: objdb.TestTypeTest})
		tt.BuildDependencies = []objdb.TestID{dep.ID}
		tt.RunsDesired = 1
		state = evaluatePriorityState(tx.View(), tt, now)
		return nil
	}))
	require.Equal(t, objdb.PriorityWaitingOnBuilds, state)
}

func TestEvaluatePriorityStateDependencyFailed(t *testing.T) {
	store := newStore()
	now := time.Now()
	var state objdb.TestPriorityState
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		dep := tx.UpsertTest("build1", objdb.TestDefinitionSummary{Type: objdb.TestTypeBuild, MaxRetries: 0})
		dep.RunsDesired = 1
		dep.TotalRuns = 1
		dep.Successes = 0
		dep.Priority = objdb.PriorityNoMoreTests
		tt := tx.UpsertTest("test1", objdb.TestDefinitionSummary{Type: objdb.TestTypeTest})
		tt.BuildDependencies = []objdb.TestID{dep.ID}
		tt.RunsDesired = 1
		state = evaluatePriorityState(tx.View(), tt, now)
		return nil
	}))
	require.Equal(t, objdb.PriorityDependencyFailed, state)
}

func TestEvaluatePriorityStateHardwareComboUnbootable(t *testing.T) {
	store := newStore()
	now := time.Now()
	cat := objdb.CategoryID{Hardware: "gpu", OS: "linux"}
	var state objdb.TestPriorityState
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tx.UpsertCategory(cat)
		require.NoError(t, tx.SetCategoryUnbootable(cat, true, "quota"))
		tt := tx.UpsertTest("test1", objdb.TestDefinitionSummary{Type: objdb.TestTypeTest})
		tt.MachineCategory = &cat
		state = evaluatePriorityState(tx.View(), tt, now)
		return nil
	}))
	require.Equal(t, objdb.PriorityHardwareComboUnbootable, state)
}

func TestEvaluatePriorityStateWaitingToRetry(t *testing.T) {
	store := newStore()
	now := time.Now()
	var state objdb.TestPriorityState
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tt := tx.UpsertTest("test1", objdb.TestDefinitionSummary{
			Type:       objdb.TestTypeTest,
			MaxRetries: 3,
			RetryWait:  time.Minute,
		})
		tt.RunsDesired = 1
		tt.TotalRuns = 1
		tt.Successes = 0
		tt.LastRunFailed = true
		tt.LastRunEnd = now.Add(-10 * time.Second)
		state = evaluatePriorityState(tx.View(), tt, now)
		return nil
	}))
	require.Equal(t, objdb.PriorityWaitingToRetry, state)
}

func TestRecomputeTestPriorityCapsAtMaxCores(t *testing.T) {
	store := newStore()
	now := time.Now()
	var target int
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tt := tx.UpsertTest("test1", objdb.TestDefinitionSummary{Type: objdb.TestTypeTest})
		tt.RunsDesired = 10
		_, target = recomputeTestPriority(tx.View(), tt, now, 2)
		return nil
	}))
	require.Equal(t, 2, target)
}
