package objdb

import "k8s.io/apimachinery/pkg/util/sets"

// indexSet holds every secondary index named in spec §6. Each index is
// maintained synchronously by the Txn mutation methods in ops.go — there is
// no background reindex pass, so a transaction always observes its own
// writes through these indexes as well as through the primary maps.
type indexSet struct {
	// Test indexes
	testsWaitingToRetry sets.String // TestID
	testsByCategoryPrio map[CategoryID]sets.String // schedulable tests, keyed by hw+os
	testsByPriorityBucket map[TestPriorityState]sets.String

	// TestRun indexes
	runsByTest        map[TestID]sets.String // RunID
	runsRunning       sets.String            // RunID, live (spec: isRunning)
	runsByMachine     map[MachineID]sets.String

	// Machine indexes
	machinesAlive      sets.String // MachineID
	machinesByHWOS     map[CategoryID]sets.String

	// MachineCategory indexes
	categoriesWantMore sets.String // CategoryID encoded
	categoriesWantLess sets.String

	// DataTask indexes
	tasksByStatus             map[TaskStatus]sets.String // task id strings
	pendingBootMachineCheck   bool                       // filtered singleton (spec: at most one live at once)
	pendingUpdateCommitPrio   sets.String                // CommitID encoded
	pendingUpdateTestPrio     sets.String                // TestID

	// Branch indexes
	branchesByRepo sets.String // not keyed further; Branch.ID.Repo lookups use the primary map directly in practice

	// Deployment indexes
	deploymentsAlive        sets.String // DeploymentID
	deploymentsAliveAndPending sets.String
	deploymentsByMachine    map[MachineID]sets.String

	// Unresolved dependency indexes
	unresolvedByWaiting sets.String
	unresolvedByNeeds   sets.String
}

func newIndexSet() *indexSet {
	return &indexSet{
		testsWaitingToRetry:   sets.NewString(),
		testsByCategoryPrio:   map[CategoryID]sets.String{},
		testsByPriorityBucket: map[TestPriorityState]sets.String{},
		runsByTest:            map[TestID]sets.String{},
		runsRunning:           sets.NewString(),
		runsByMachine:         map[MachineID]sets.String{},
		machinesAlive:         sets.NewString(),
		machinesByHWOS:        map[CategoryID]sets.String{},
		categoriesWantMore:    sets.NewString(),
		categoriesWantLess:    sets.NewString(),
		tasksByStatus:         map[TaskStatus]sets.String{},
		pendingUpdateCommitPrio: sets.NewString(),
		pendingUpdateTestPrio:   sets.NewString(),
		deploymentsAlive:           sets.NewString(),
		deploymentsAliveAndPending: sets.NewString(),
		deploymentsByMachine:       map[MachineID]sets.String{},
		unresolvedByWaiting:        sets.NewString(),
		unresolvedByNeeds:          sets.NewString(),
	}
}

func categoryKey(c CategoryID) string { return c.Hardware + "\x00" + c.OS }

func commitKey(c CommitID) string { return string(c.Repo) + "\x00" + c.Hash }

// reindexTest recomputes every Test-owned index bucket for one test. Called
// after any mutation to Test.Priority, Test.MachineCategory, or
// Test.CalculatedPriority.
func (idx *indexSet) reindexTest(t *Test) {
	id := string(t.ID)
	idx.testsWaitingToRetry.Delete(id)
	for cat, set := range idx.testsByCategoryPrio {
		set.Delete(id)
		idx.testsByCategoryPrio[cat] = set
	}
	for state, set := range idx.testsByPriorityBucket {
		set.Delete(id)
		idx.testsByPriorityBucket[state] = set
	}

	if t.Priority == PriorityWaitingToRetry {
		idx.testsWaitingToRetry.Insert(id)
	}

	bucket, ok := idx.testsByPriorityBucket[t.Priority]
	if !ok {
		bucket = sets.NewString()
	}
	bucket.Insert(id)
	idx.testsByPriorityBucket[t.Priority] = bucket

	if t.Priority.Schedulable() && t.MachineCategory != nil {
		cat := *t.MachineCategory
		set, ok := idx.testsByCategoryPrio[cat]
		if !ok {
			set = sets.NewString()
		}
		set.Insert(id)
		idx.testsByCategoryPrio[cat] = set
	}
}

func (idx *indexSet) removeTest(id TestID) {
	s := string(id)
	idx.testsWaitingToRetry.Delete(s)
	for cat, set := range idx.testsByCategoryPrio {
		set.Delete(s)
		idx.testsByCategoryPrio[cat] = set
	}
	for state, set := range idx.testsByPriorityBucket {
		set.Delete(s)
		idx.testsByPriorityBucket[state] = set
	}
}

func (idx *indexSet) reindexRun(r *TestRun) {
	id := string(r.ID)
	idx.runsRunning.Delete(id)
	for m, set := range idx.runsByMachine {
		set.Delete(id)
		idx.runsByMachine[m] = set
	}
	set, ok := idx.runsByTest[r.Test]
	if !ok {
		set = sets.NewString()
	}
	set.Insert(id)
	idx.runsByTest[r.Test] = set

	if r.IsLive() {
		idx.runsRunning.Insert(id)
	}
	if r.Machine != "" {
		mset, ok := idx.runsByMachine[r.Machine]
		if !ok {
			mset = sets.NewString()
		}
		mset.Insert(id)
		idx.runsByMachine[r.Machine] = mset
	}
}

func (idx *indexSet) reindexMachine(m *Machine, cat CategoryID) {
	id := string(m.ID)
	idx.machinesAlive.Delete(id)
	for c, set := range idx.machinesByHWOS {
		set.Delete(id)
		idx.machinesByHWOS[c] = set
	}
	if m.IsAlive {
		idx.machinesAlive.Insert(id)
		set, ok := idx.machinesByHWOS[cat]
		if !ok {
			set = sets.NewString()
		}
		set.Insert(id)
		idx.machinesByHWOS[cat] = set
	}
}

func (idx *indexSet) reindexCategory(c *MachineCategory) {
	key := categoryKey(c.ID)
	idx.categoriesWantMore.Delete(key)
	idx.categoriesWantLess.Delete(key)
	if c.Desired > c.Booted {
		idx.categoriesWantMore.Insert(key)
	} else if c.Desired < c.Booted {
		idx.categoriesWantLess.Insert(key)
	}
}

func (idx *indexSet) reindexDeployment(d *Deployment) {
	id := string(d.ID)
	idx.deploymentsAlive.Delete(id)
	idx.deploymentsAliveAndPending.Delete(id)
	for m, set := range idx.deploymentsByMachine {
		set.Delete(id)
		idx.deploymentsByMachine[m] = set
	}
	if d.IsAlive {
		idx.deploymentsAlive.Insert(id)
		if d.Subscribers == 0 {
			idx.deploymentsAliveAndPending.Insert(id)
		}
		if d.Machine != "" {
			set, ok := idx.deploymentsByMachine[d.Machine]
			if !ok {
				set = sets.NewString()
			}
			set.Insert(id)
			idx.deploymentsByMachine[d.Machine] = set
		}
	}
}

func (idx *indexSet) reindexTask(t *DataTask) {
	key := taskKey(t.ID)
	for status, set := range idx.tasksByStatus {
		set.Delete(key)
		idx.tasksByStatus[status] = set
	}
	set, ok := idx.tasksByStatus[t.Status]
	if !ok {
		set = sets.NewString()
	}
	set.Insert(key)
	idx.tasksByStatus[t.Status] = set

	if t.Kind == TaskBootMachineCheck {
		idx.pendingBootMachineCheck = t.Status != TaskDone
	}
	if t.Kind == TaskUpdateCommitPriority {
		if t.Status == TaskDone {
			idx.pendingUpdateCommitPrio.Delete(t.Target)
		} else {
			idx.pendingUpdateCommitPrio.Insert(t.Target)
		}
	}
	if t.Kind == TaskUpdateTestPriority {
		if t.Status == TaskDone {
			idx.pendingUpdateTestPrio.Delete(t.Target)
		} else {
			idx.pendingUpdateTestPrio.Insert(t.Target)
		}
	}
}
