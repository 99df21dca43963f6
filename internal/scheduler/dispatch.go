package scheduler

import (
	"sort"
	"time"

	"github.com/mattsgit/test-looper/internal/objdb"
)

// WorkDescriptor is what checkOutTest hands back to a worker: the chosen
// test plus the build dependencies it must materialize before running
// (spec §4.3.3 step 3 "a descriptor containing the resolved test
// definition and the list of dependent (build-hash, name, artifact)
// tuples").
type WorkDescriptor struct {
	Run          *objdb.TestRun
	Test         *objdb.Test
	Dependencies []BuildArtifactRef
}

// BuildArtifactRef is one (build-hash, name, artifact) dependency tuple.
type BuildArtifactRef struct {
	BuildHash objdb.TestID
	Name      string
	Artifact  string
}

// CheckOutTest implements the worker handshake's work-request step (spec
// §4.3.3). It scans tests schedulable in the machine's category, ordered
// by CalculatedPriority (highest first), and assigns the first one whose
// build dependencies already have a completed successful run. Commit
// timestamps are not consulted: candidates of equal priority stay in the
// index's test-id order.
func (s *Scheduler) CheckOutTest(machineID objdb.MachineID, category objdb.CategoryID, now time.Time) (*WorkDescriptor, error) {
	var descriptor *WorkDescriptor
	err := s.store.Transaction(func(t *objdb.Txn) error {
		if err := t.SetMachineHeartbeat(machineID, now, ""); err != nil {
			return err
		}
		v := t.View()
		candidates := v.TestsSchedulableInCategory(category)
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].CalculatedPriority > candidates[j].CalculatedPriority
		})

		for _, candidate := range candidates {
			if !buildDependenciesSatisfied(v, candidate) {
				continue
			}
			runID := objdb.RunID(s.newRunID())
			run, err := t.RecordRunStart(runID, candidate.ID, machineID, now)
			if err != nil {
				return err
			}
			descriptor = &WorkDescriptor{
				Run:          run,
				Test:         candidate,
				Dependencies: buildArtifactRefs(v, candidate),
			}
			return nil
		}
		return nil
	})
	return descriptor, err
}

// buildDependenciesSatisfied reports whether every build this test depends
// on has at least one successful run (spec §4.3.3 step 3).
func buildDependenciesSatisfied(v *objdb.View, test *objdb.Test) bool {
	for _, depID := range test.BuildDependencies {
		dep, ok := v.GetTest(depID)
		if !ok || dep.Successes == 0 {
			return false
		}
	}
	return true
}

func buildArtifactRefs(v *objdb.View, test *objdb.Test) []BuildArtifactRef {
	refs := make([]BuildArtifactRef, 0, len(test.BuildDependencies))
	for _, depID := range test.BuildDependencies {
		dep, ok := v.GetTest(depID)
		if !ok {
			continue
		}
		for _, artifact := range dep.Summary.Artifacts {
			refs = append(refs, BuildArtifactRef{BuildHash: depID, Name: dep.Summary.Name, Artifact: artifact})
		}
	}
	return refs
}

// RecordTestResults finalizes a worker-reported run and requeues the
// test's priority for recomputation (spec §4.3.3, §4.3.4).
func (s *Scheduler) RecordTestResults(runID objdb.RunID, success bool, subTests, hasLog map[string]bool, now time.Time) error {
	var testID objdb.TestID
	err := s.store.Transaction(func(t *objdb.Txn) error {
		run, ok := t.View().GetRun(runID)
		if !ok {
			return nil
		}
		testID = run.Test
		return t.RecordTestResults(runID, success, subTests, hasLog, now)
	})
	if err != nil {
		return err
	}
	if testID != "" {
		s.EnqueueUpdateTestPriority(testID)
	}
	return nil
}

// CancelTestRun cancels a run idempotently (spec §5 "Cancellation", §8
// "Idempotent cancellation") and requeues its test's priority.
func (s *Scheduler) CancelTestRun(runID objdb.RunID, now time.Time) error {
	var testID objdb.TestID
	err := s.store.Transaction(func(t *objdb.Txn) error {
		run, ok := t.View().GetRun(runID)
		if ok {
			testID = run.Test
		}
		return t.CancelRun(runID, now)
	})
	if err != nil {
		return err
	}
	if testID != "" {
		s.EnqueueUpdateTestPriority(testID)
	}
	return nil
}

// Heartbeat records a worker's liveness ping for a run (spec §4.3.3).
func (s *Scheduler) Heartbeat(runID objdb.RunID, now time.Time) error {
	return s.store.Transaction(func(t *objdb.Txn) error {
		return t.Heartbeat(runID, now)
	})
}

// RegisterMachine records a worker's handshake (spec §6 Handshake), either
// creating the Machine or marking a reconnecting one alive again.
func (s *Scheduler) RegisterMachine(id objdb.MachineID, hardware, os string, now time.Time) error {
	return s.store.Transaction(func(t *objdb.Txn) error {
		if _, ok := t.View().GetMachine(id); !ok {
			t.UpsertMachine(&objdb.Machine{ID: id, Hardware: hardware, OS: os, BootTime: now, IsAlive: true})
		}
		return t.SetMachineHeartbeat(id, now, "")
	})
}

// RefreshMachineHeartbeat records a worker's liveness ping on its Machine
// and on every live run assigned to that machine, so a worker that keeps
// pinging keeps its runs out of the heartbeat-eviction sweep.
func (s *Scheduler) RefreshMachineHeartbeat(id objdb.MachineID, now time.Time) error {
	return s.store.Transaction(func(t *objdb.Txn) error {
		if err := t.SetMachineHeartbeat(id, now, ""); err != nil {
			return err
		}
		for _, run := range t.View().LiveRunsOlderThan(now) {
			if run.Machine == id {
				if err := t.Heartbeat(run.ID, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SweepDeadRuns cancels every live run whose heartbeat has aged past
// H*K (spec §4.3.3, §8 "Heartbeat eviction"). Returns the canceled run
// ids so callers can notify affected workers.
func (s *Scheduler) SweepDeadRuns(now time.Time) ([]objdb.RunID, error) {
	cutoff := now.Add(-s.HeartbeatTimeout())
	var canceled []objdb.RunID
	var affectedTests []objdb.TestID
	err := s.store.Transaction(func(t *objdb.Txn) error {
		stale := t.View().LiveRunsOlderThan(cutoff)
		for _, run := range stale {
			if err := t.CancelRun(run.ID, now); err != nil {
				return err
			}
			canceled = append(canceled, run.ID)
			affectedTests = append(affectedTests, run.Test)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, testID := range affectedTests {
		s.EnqueueUpdateTestPriority(testID)
	}
	return canceled, nil
}

// HeartbeatTimeout is H*K (spec §4.3.3 default H=3s, K=10).
func (s *Scheduler) HeartbeatTimeout() time.Duration {
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = 3 * time.Second
	}
	if s.HeartbeatMissedLimit == 0 {
		s.HeartbeatMissedLimit = 10
	}
	return s.HeartbeatInterval * time.Duration(s.HeartbeatMissedLimit)
}
