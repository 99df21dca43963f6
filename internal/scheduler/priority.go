// Package scheduler implements the Test Manager / Scheduler (spec §4.3):
// the background-task queue, the test-priority state machine, the worker
// dispatch protocol, retries, and deployment lifecycle.
package scheduler

import (
	"time"

	"github.com/mattsgit/test-looper/internal/objdb"
)

// recomputeTestPriority runs the nine-rule test-priority state machine
// (spec §4.3.2) and returns the resulting state together with its
// targetMachineBoot. It does not modify the test; the caller
// (handleUpdateTestPriority) writes both back.
func recomputeTestPriority(v *objdb.View, test *objdb.Test, now time.Time, maxCoresForCategory int) (objdb.TestPriorityState, int) {
	state := evaluatePriorityState(v, test, now)

	target := 0
	if state.Schedulable() {
		remaining := test.RunsDesired - test.Successes - test.ActiveRuns
		if remaining > 0 {
			target = remaining
			if maxCoresForCategory > 0 && target > maxCoresForCategory {
				target = maxCoresForCategory
			}
		}
	}
	return state, target
}

// evaluatePriorityState applies the nine ordered rules of spec §4.3.2. The
// order is significant: each rule is checked only if every earlier rule's
// condition was false.
// evaluatePriorityState does not implement rule 1 (unresolved source/build
// reference) directly: a Test entity is only ever materialized from a
// fully resolved definition (spec §4.3.1 CommitTestParse), so an
// unresolved reference blocks CommitTestParse itself, via the
// UnresolvedDependency tables, before any Test — and hence any priority —
// exists for that commit.
func evaluatePriorityState(v *objdb.View, test *objdb.Test, now time.Time) objdb.TestPriorityState {
	if test.MachineCategory != nil {
		if cat, ok := v.GetCategory(*test.MachineCategory); ok && cat.HardwareComboUnbootable {
			return objdb.PriorityHardwareComboUnbootable
		}
	}

	var anyExhaustedFailure, anyStillWaiting bool
	for _, depID := range test.BuildDependencies {
		dep, ok := v.GetTest(depID)
		if !ok {
			continue
		}
		if dep.Successes > 0 {
			continue
		}
		if dep.TotalRuns > 0 {
			if dep.Priority == objdb.PriorityWaitingToRetry {
				anyStillWaiting = true
			} else {
				anyExhaustedFailure = true
			}
			continue
		}
		anyStillWaiting = true
	}
	if anyExhaustedFailure {
		return objdb.PriorityDependencyFailed
	}
	if anyStillWaiting {
		return objdb.PriorityWaitingOnBuilds
	}

	if test.TotalRuns == 0 {
		if test.Summary.Type == objdb.TestTypeBuild {
			return objdb.PriorityFirstBuild
		}
		return objdb.PriorityFirstTest
	}

	if test.Successes+test.ActiveRuns < test.RunsDesired {
		return objdb.PriorityWantsMoreTests
	}

	if test.LastRunFailed && test.TotalRuns <= test.Summary.MaxRetries && now.Before(test.LastRunEnd.Add(test.Summary.RetryWait)) {
		return objdb.PriorityWaitingToRetry
	}

	return objdb.PriorityNoMoreTests
}
