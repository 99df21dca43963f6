package scheduler

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mattsgit/test-looper/internal/objdb"
)

func newTestScheduler(t *testing.T) (*Scheduler, *objdb.Store) {
	store := newStore()
	s := New(store, nil, nil, nil, logrus.NewEntry(logrus.New()))
	return s, store
}

func TestCheckOutTestAssignsSchedulableCandidate(t *testing.T) {
	s, store := newTestScheduler(t)
	cat := objdb.CategoryID{Hardware: "x86", OS: "linux"}
	now := time.Now()

	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tx.UpsertCategory(cat)
		tx.UpsertMachine(&objdb.Machine{ID: "m1", Hardware: "x86", OS: "linux", IsAlive: true, LastHeartbeat: now})
		tt := tx.UpsertTest("test1", objdb.TestDefinitionSummary{Type: objdb.TestTypeTest})
		tt.RunsDesired = 1
		return tx.SetTestPriority("test1", objdb.PriorityFirstTest, 10, 1, &cat)
	}))

	desc, err := s.CheckOutTest("m1", cat, now)
	require.NoError(t, err)
	require.NotNil(t, desc)
	require.Equal(t, objdb.TestID("test1"), desc.Test.ID)
	require.Equal(t, objdb.MachineID("m1"), desc.Run.Machine)

	require.NoError(t, store.View(func(v *objdb.View) error {
		tt, ok := v.GetTest("test1")
		require.True(t, ok)
		require.Equal(t, 1, tt.ActiveRuns)
		return nil
	}))
}

func TestCheckOutTestSkipsUnsatisfiedBuildDependency(t *testing.T) {
	s, store := newTestScheduler(t)
	cat := objdb.CategoryID{Hardware: "x86", OS: "linux"}
	now := time.Now()

	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tx.UpsertCategory(cat)
		tx.UpsertMachine(&objdb.Machine{ID: "m1", Hardware: "x86", OS: "linux", IsAlive: true, LastHeartbeat: now})
		build := tx.UpsertTest("build1", objdb.TestDefinitionSummary{Type: objdb.TestTypeBuild})
		build.RunsDesired = 1
		tt := tx.UpsertTest("test1", objdb.TestDefinitionSummary{Type: objdb.TestTypeTest})
		tt.BuildDependencies = []objdb.TestID{build.ID}
		tt.RunsDesired = 1
		return tx.SetTestPriority("test1", objdb.PriorityWaitingOnBuilds, 10, 0, &cat)
	}))

	desc, err := s.CheckOutTest("m1", cat, now)
	require.NoError(t, err)
	require.Nil(t, desc)
}

func TestRecordTestResultsMarksSuccessAndRequeuesPriority(t *testing.T) {
	s, store := newTestScheduler(t)
	cat := objdb.CategoryID{Hardware: "x86", OS: "linux"}
	now := time.Now()

	var runID objdb.RunID
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tx.UpsertCategory(cat)
		tt := tx.UpsertTest("test1", objdb.TestDefinitionSummary{Type: objdb.TestTypeTest})
		tt.RunsDesired = 1
		run, err := tx.RecordRunStart("run1", "test1", "m1", now)
		runID = run.ID
		return err
	}))

	require.NoError(t, s.RecordTestResults(runID, true, nil, nil, now.Add(time.Second)))

	require.NoError(t, store.View(func(v *objdb.View) error {
		tt, ok := v.GetTest("test1")
		require.True(t, ok)
		require.Equal(t, 1, tt.Successes)
		require.Equal(t, 0, tt.ActiveRuns)
		return nil
	}))

	var pending bool
	require.NoError(t, store.View(func(v *objdb.View) error {
		byLevel := v.PendingTasksByLevel()
		for _, tasks := range byLevel {
			for _, task := range tasks {
				if task.Kind == objdb.TaskUpdateTestPriority && task.Test == "test1" {
					pending = true
				}
			}
		}
		return nil
	}))
	require.True(t, pending)
}

func TestCancelTestRunIsIdempotent(t *testing.T) {
	s, store := newTestScheduler(t)
	now := time.Now()

	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tx.UpsertTest("test1", objdb.TestDefinitionSummary{Type: objdb.TestTypeTest})
		_, err := tx.RecordRunStart("run1", "test1", "m1", now)
		return err
	}))

	require.NoError(t, s.CancelTestRun("run1", now.Add(time.Second)))
	require.NoError(t, s.CancelTestRun("run1", now.Add(2*time.Second)))

	require.NoError(t, store.View(func(v *objdb.View) error {
		tt, ok := v.GetTest("test1")
		require.True(t, ok)
		require.Equal(t, 0, tt.ActiveRuns)
		return nil
	}))
}

func TestSweepDeadRunsEvictsStaleHeartbeats(t *testing.T) {
	s, store := newTestScheduler(t)
	s.HeartbeatInterval = time.Second
	s.HeartbeatMissedLimit = 1
	start := time.Now()

	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tx.UpsertTest("test1", objdb.TestDefinitionSummary{Type: objdb.TestTypeTest})
		_, err := tx.RecordRunStart("run1", "test1", "m1", start)
		return err
	}))

	canceled, err := s.SweepDeadRuns(start.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []objdb.RunID{"run1"}, canceled)
}
