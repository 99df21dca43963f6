package objdb

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

func taskKey(id uint64) string { return strconv.FormatUint(id, 10) }

// --- Repo ---------------------------------------------------------------

// UpsertRepo creates a repo the first time it is seen via source-control
// listing, or returns the existing one unchanged (repos are never deleted,
// only deactivated — spec §3).
func (t *Txn) UpsertRepo(name RepoID) *Repo {
	if r, ok := t.s.repos[name]; ok {
		return r
	}
	r := &Repo{Name: name, IsActive: true}
	t.s.repos[name] = r
	return r
}

func (v *View) GetRepo(name RepoID) (*Repo, bool) {
	r, ok := v.s.repos[name]
	return r, ok
}

func (v *View) ListActiveRepos() []*Repo {
	out := make([]*Repo, 0, len(v.s.repos))
	for _, r := range v.s.repos {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

// --- Branch --------------------------------------------------------------

func (t *Txn) UpsertBranch(id BranchID) *Branch {
	if b, ok := t.s.branches[id]; ok {
		return b
	}
	b := &Branch{ID: id}
	t.s.branches[id] = b
	return b
}

// SetBranchHead updates a branch's head commit, enforcing
// head.repo == branch.repo (spec §3 invariant).
func (t *Txn) SetBranchHead(id BranchID, head CommitID) error {
	if head.Repo != id.Repo {
		return fmt.Errorf("objdb: branch %s/%s head must be in same repo, got %s", id.Repo, id.Name, head.Repo)
	}
	b, ok := t.s.branches[id]
	if !ok {
		return errNotFound("branch", id)
	}
	b.Head = head
	return nil
}

func (v *View) GetBranch(id BranchID) (*Branch, bool) {
	b, ok := v.s.branches[id]
	return b, ok
}

func (v *View) BranchesForRepo(repo RepoID) []*Branch {
	var out []*Branch
	for id, b := range v.s.branches {
		if id.Repo == repo {
			out = append(out, b)
		}
	}
	return out
}

// --- BranchPin -----------------------------------------------------------

func (t *Txn) AddBranchPin(p *BranchPin) {
	t.s.branchPins[p.Branch] = append(t.s.branchPins[p.Branch], p)
}

func (v *View) PinsForBranch(b BranchID) []*BranchPin {
	return v.s.branchPins[b]
}

func (v *View) PinsTargeting(repo RepoID, branch string) []*BranchPin {
	var out []*BranchPin
	for _, pins := range v.s.branchPins {
		for _, p := range pins {
			if p.PinnedToRepo == repo && p.PinnedToBranch == branch {
				out = append(out, p)
			}
		}
	}
	return out
}

// --- Commit ---------------------------------------------------------------

func (t *Txn) UpsertCommit(id CommitID) *Commit {
	if c, ok := t.s.commits[id]; ok {
		return c
	}
	c := &Commit{ID: id}
	t.s.commits[id] = c
	r := t.UpsertRepo(id.Repo)
	r.Commits++
	return c
}

func (v *View) GetCommit(id CommitID) (*Commit, bool) {
	c, ok := v.s.commits[id]
	return c, ok
}

// SetCommitData attaches resolved commit metadata exactly once; a later
// call leaves the data already attached in place.
func (t *Txn) SetCommitData(id CommitID, data *CommitData) error {
	c, ok := t.s.commits[id]
	if !ok {
		return errNotFound("commit", id)
	}
	if c.Data != nil {
		return nil
	}
	c.Data = data
	return nil
}

// SetCommitPriority updates calculatedPriority, maintaining the invariant
// that it is always >= userPriority (spec §3, §8 "Priority monotonicity").
// Callers (package scheduler) are responsible for recursing to parents and
// children; this method only performs the single-node update and reports
// whether the value changed.
func (t *Txn) SetCommitPriority(id CommitID, calculated int) (changed bool, err error) {
	c, ok := t.s.commits[id]
	if !ok {
		return false, errNotFound("commit", id)
	}
	if calculated < c.UserPriority {
		calculated = c.UserPriority
	}
	changed = calculated != c.CalculatedPriority
	c.CalculatedPriority = calculated
	return changed, nil
}

// --- Test ------------------------------------------------------------------

// UpsertTest creates or returns the single Test entity for a given content
// hash (spec §3 invariant: two Tests with identical resolved definition
// share one hash and one entity).
func (t *Txn) UpsertTest(id TestID, summary TestDefinitionSummary) *Test {
	if tt, ok := t.s.tests[id]; ok {
		return tt
	}
	tt := &Test{ID: id, Summary: summary}
	t.s.tests[id] = tt
	t.s.indexes.reindexTest(tt)
	return tt
}

func (v *View) GetTest(id TestID) (*Test, bool) {
	tt, ok := v.s.tests[id]
	return tt, ok
}

// SetTestPriority recomputes a test's discriminated priority state and
// target machine boot count, reindexing it accordingly.
func (t *Txn) SetTestPriority(id TestID, state TestPriorityState, calculated, targetBoot int, cat *CategoryID) error {
	tt, ok := t.s.tests[id]
	if !ok {
		return errNotFound("test", id)
	}
	tt.Priority = state
	tt.CalculatedPriority = calculated
	tt.TargetMachineBoot = targetBoot
	tt.MachineCategory = cat
	t.s.indexes.reindexTest(tt)
	return nil
}

// TestsSchedulableInCategory returns tests whose priority is schedulable
// and whose machine category matches (spec §6 machineCategoryAndPrioritized
// filtered index).
func (v *View) TestsSchedulableInCategory(cat CategoryID) []*Test {
	set := v.s.indexes.testsByCategoryPrio[cat]
	out := make([]*Test, 0, set.Len())
	for _, id := range set.List() {
		if tt, ok := v.s.tests[TestID(id)]; ok {
			out = append(out, tt)
		}
	}
	return out
}

func (v *View) TestsWaitingToRetry() []*Test {
	out := make([]*Test, 0, v.s.indexes.testsWaitingToRetry.Len())
	for _, id := range v.s.indexes.testsWaitingToRetry.List() {
		if tt, ok := v.s.tests[TestID(id)]; ok {
			out = append(out, tt)
		}
	}
	return out
}

// RecordRunStart increments activeRuns and creates a new TestRun (spec
// §4.3.3 step 3).
func (t *Txn) RecordRunStart(runID RunID, testID TestID, machine MachineID, now time.Time) (*TestRun, error) {
	tt, ok := t.s.tests[testID]
	if !ok {
		return nil, errNotFound("test", testID)
	}
	run := &TestRun{
		ID:               runID,
		Test:             testID,
		StartedTimestamp: now,
		LastHeartbeat:    now,
		Machine:          machine,
	}
	t.s.runs[runID] = run
	tt.ActiveRuns++
	t.s.indexes.reindexRun(run)
	t.s.indexes.reindexTest(tt)
	return run, nil
}

// transitionRunToTerminal is the single funnel point for every live->terminal
// transition of a TestRun (success, failure, cancellation). It is guarded so
// that activeRuns is decremented exactly once per run (spec §9 Open
// Question 3, resolved in DESIGN.md).
func (t *Txn) transitionRunToTerminal(run *TestRun, now time.Time, success, canceled bool) {
	if !run.EndTimestamp.IsZero() {
		return // already terminal; idempotent no-op (spec §8 "Idempotent cancellation")
	}
	run.EndTimestamp = now
	run.Success = success
	run.Canceled = canceled

	tt, ok := t.s.tests[run.Test]
	if ok {
		tt.ActiveRuns--
		tt.TotalRuns++
		if success {
			tt.Successes++
		}
		if !canceled {
			tt.LastRunFailed = !success
			tt.LastRunEnd = now
		}
		t.s.indexes.reindexTest(tt)
	}
	t.s.indexes.reindexRun(run)
}

// RecordTestResults finalizes a live run with a worker-reported result
// (spec §4.3.3).
func (t *Txn) RecordTestResults(runID RunID, success bool, subTests map[string]bool, hasLog map[string]bool, now time.Time) error {
	run, ok := t.s.runs[runID]
	if !ok {
		return errNotFound("run", runID)
	}
	if !run.IsLive() {
		return nil // discarded: stale result for an already-terminal run
	}
	for name, pass := range subTests {
		run.SubTestNames = append(run.SubTestNames, name)
		run.SubTestPass = append(run.SubTestPass, pass)
		run.SubTestHasLog = append(run.SubTestHasLog, hasLog[name])
	}
	run.TotalSubTests = len(run.SubTestNames)
	t.transitionRunToTerminal(run, now, success, false)
	return nil
}

// CancelRun idempotently cancels a run (spec §5 "Cancellation", §8
// "Idempotent cancellation").
func (t *Txn) CancelRun(runID RunID, now time.Time) error {
	run, ok := t.s.runs[runID]
	if !ok {
		return errNotFound("run", runID)
	}
	t.transitionRunToTerminal(run, now, false, true)
	return nil
}

// AppendArtifact records one more completed artifact upload on a live run.
func (t *Txn) AppendArtifact(runID RunID, name string) error {
	run, ok := t.s.runs[runID]
	if !ok {
		return errNotFound("run", runID)
	}
	run.ArtifactsCompleted = append(run.ArtifactsCompleted, name)
	return nil
}

func (v *View) GetRun(id RunID) (*TestRun, bool) {
	r, ok := v.s.runs[id]
	return r, ok
}

func (v *View) RunsForTest(id TestID) []*TestRun {
	set := v.s.indexes.runsByTest[id]
	out := make([]*TestRun, 0, set.Len())
	for _, rid := range set.List() {
		if r, ok := v.s.runs[RunID(rid)]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (v *View) LiveRunCount() int {
	return v.s.indexes.runsRunning.Len()
}

// LiveRunsOlderThan returns every live run whose last heartbeat predates
// the cutoff — the heartbeat-eviction sweep's input (spec §4.3.3, §8
// "Heartbeat eviction").
func (v *View) LiveRunsOlderThan(cutoff time.Time) []*TestRun {
	var out []*TestRun
	for _, id := range v.s.indexes.runsRunning.List() {
		r := v.s.runs[RunID(id)]
		if r != nil && r.LastHeartbeat.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func (t *Txn) Heartbeat(runID RunID, now time.Time) error {
	r, ok := t.s.runs[runID]
	if !ok {
		return errNotFound("run", runID)
	}
	r.LastHeartbeat = now
	return nil
}

// --- Machine ---------------------------------------------------------------

func (t *Txn) UpsertMachine(m *Machine) {
	t.s.machines[m.ID] = m
	t.s.indexes.reindexMachine(m, CategoryID{Hardware: m.Hardware, OS: m.OS})
}

func (v *View) GetMachine(id MachineID) (*Machine, bool) {
	m, ok := v.s.machines[id]
	return m, ok
}

func (t *Txn) SetMachineHeartbeat(id MachineID, now time.Time, msg string) error {
	m, ok := t.s.machines[id]
	if !ok {
		return errNotFound("machine", id)
	}
	if m.FirstHeartbeat.IsZero() {
		m.FirstHeartbeat = now
	}
	m.LastHeartbeat = now
	m.LastHeartbeatMsg = msg
	return nil
}

func (t *Txn) MarkMachineDead(id MachineID) error {
	m, ok := t.s.machines[id]
	if !ok {
		return errNotFound("machine", id)
	}
	m.IsAlive = false
	t.s.indexes.reindexMachine(m, CategoryID{Hardware: m.Hardware, OS: m.OS})
	return nil
}

func (v *View) AliveMachinesInCategory(cat CategoryID) []*Machine {
	set := v.s.indexes.machinesByHWOS[cat]
	out := make([]*Machine, 0, set.Len())
	for _, id := range set.List() {
		if m, ok := v.s.machines[MachineID(id)]; ok {
			out = append(out, m)
		}
	}
	return out
}

// hasLiveRun reports whether any run ever assigned to the machine is still
// live; runsByMachine retains terminal runs for history, so liveness must
// be checked against the run itself rather than mere index membership.
func (v *View) hasLiveRun(id MachineID) bool {
	for _, runID := range v.s.indexes.runsByMachine[id].List() {
		if r, ok := v.s.runs[RunID(runID)]; ok && r.IsLive() {
			return true
		}
	}
	return false
}

// IdleMachinesInCategory returns alive machines in the category with no
// live TestRun and no live Deployment, oldest boot first (spec §4.4 "mark
// the oldest idle machine... for termination").
func (v *View) IdleMachinesInCategory(cat CategoryID) []*Machine {
	candidates := v.AliveMachinesInCategory(cat)
	out := make([]*Machine, 0, len(candidates))
	for _, m := range candidates {
		if v.hasLiveRun(m.ID) {
			continue
		}
		if v.s.indexes.deploymentsByMachine[m.ID].Len() > 0 {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BootTime.Before(out[j].BootTime) })
	return out
}

// --- MachineCategory ---------------------------------------------------

func (t *Txn) UpsertCategory(id CategoryID) *MachineCategory {
	if c, ok := t.s.categories[id]; ok {
		return c
	}
	c := &MachineCategory{ID: id}
	t.s.categories[id] = c
	t.s.indexes.reindexCategory(c)
	return c
}

func (v *View) GetCategory(id CategoryID) (*MachineCategory, bool) {
	c, ok := v.s.categories[id]
	return c, ok
}

func (v *View) AllCategories() []*MachineCategory {
	out := make([]*MachineCategory, 0, len(v.s.categories))
	for _, c := range v.s.categories {
		out = append(out, c)
	}
	return out
}

// SetCategoryCounts updates booted/desired, recomputing the
// want_more/want_less filtered indexes (spec §6, §4.4).
func (t *Txn) SetCategoryCounts(id CategoryID, booted, desired int) error {
	c, ok := t.s.categories[id]
	if !ok {
		return errNotFound("category", id)
	}
	c.Booted = booted
	c.Desired = desired
	t.s.indexes.reindexCategory(c)
	return nil
}

func (t *Txn) SetCategoryUnbootable(id CategoryID, unbootable bool, reason string) error {
	c, ok := t.s.categories[id]
	if !ok {
		return errNotFound("category", id)
	}
	c.HardwareComboUnbootable = unbootable
	c.UnbootableReason = reason
	return nil
}

func (v *View) CategoriesWantingMore() []*MachineCategory {
	var out []*MachineCategory
	for _, c := range v.s.categories {
		if c.Desired > c.Booted {
			out = append(out, c)
		}
	}
	return out
}

func (v *View) CategoriesWantingLess() []*MachineCategory {
	var out []*MachineCategory
	for _, c := range v.s.categories {
		if c.Desired < c.Booted {
			out = append(out, c)
		}
	}
	return out
}

// --- Deployment ----------------------------------------------------------

func (t *Txn) CreateDeployment(d *Deployment) {
	t.s.deployments[d.ID] = d
	t.s.indexes.reindexDeployment(d)
}

func (v *View) GetDeployment(id DeploymentID) (*Deployment, bool) {
	d, ok := v.s.deployments[id]
	return d, ok
}

func (t *Txn) ShutdownDeployment(id DeploymentID) error {
	d, ok := t.s.deployments[id]
	if !ok {
		return errNotFound("deployment", id)
	}
	d.IsAlive = false
	t.s.indexes.reindexDeployment(d)
	return nil
}

func (t *Txn) SetDeploymentSubscribers(id DeploymentID, n int, now time.Time) error {
	d, ok := t.s.deployments[id]
	if !ok {
		return errNotFound("deployment", id)
	}
	d.Subscribers = n
	if n > 0 {
		d.LastActive = now
	}
	t.s.indexes.reindexDeployment(d)
	return nil
}

func (v *View) AliveAndPendingDeployments() []*Deployment {
	set := v.s.indexes.deploymentsAliveAndPending
	out := make([]*Deployment, 0, set.Len())
	for _, id := range set.List() {
		if d, ok := v.s.deployments[DeploymentID(id)]; ok {
			out = append(out, d)
		}
	}
	return out
}

// --- DataTask --------------------------------------------------------------

// Enqueue inserts a new DataTask unless one of the same (kind, target) is
// already pending or in flight (spec §4.3.1: "At most one task of a given
// (kind, target) should be live at once").
func (t *Txn) Enqueue(level TaskLevel, kind TaskKind, target string, fill func(*DataTask)) (*DataTask, bool) {
	for _, existing := range t.s.tasks {
		if existing.Kind == kind && existing.Target == target && existing.Status != TaskDone {
			return existing, false
		}
	}
	t.s.nextTaskID++
	task := &DataTask{
		ID:       t.s.nextTaskID,
		Level:    level,
		Kind:     kind,
		Target:   target,
		Inserted: time.Now(),
		Status:   TaskPending,
	}
	if fill != nil {
		fill(task)
	}
	t.s.tasks[task.ID] = task
	t.s.indexes.reindexTask(task)
	return task, true
}

func (t *Txn) MarkTaskStatus(id uint64, status TaskStatus) error {
	task, ok := t.s.tasks[id]
	if !ok {
		return errNotFound("task", id)
	}
	task.Status = status
	t.s.indexes.reindexTask(task)
	return nil
}

func (t *Txn) RemoveTask(id uint64) {
	delete(t.s.tasks, id)
	for status, set := range t.s.indexes.tasksByStatus {
		set.Delete(taskKey(id))
		t.s.indexes.tasksByStatus[status] = set
	}
}

func (v *View) PendingTasksByLevel() map[TaskLevel][]*DataTask {
	out := map[TaskLevel][]*DataTask{}
	now := time.Now()
	for _, task := range v.s.tasks {
		if task.Status != TaskPending {
			continue
		}
		if !task.NotBefore.IsZero() && task.NotBefore.After(now) {
			continue
		}
		out[task.Level] = append(out[task.Level], task)
	}
	return out
}

// RequeueDelayed moves a task back to pending at a (possibly) lower
// priority level, ineligible for pickup until notBefore (spec §4.3.1
// "requeue at a lower priority after a short delay").
func (t *Txn) RequeueDelayed(id uint64, level TaskLevel, notBefore time.Time) error {
	task, ok := t.s.tasks[id]
	if !ok {
		return errNotFound("task", id)
	}
	task.Level = level
	task.NotBefore = notBefore
	task.Status = TaskPending
	t.s.indexes.reindexTask(task)
	return nil
}

func (v *View) HasPendingBootMachineCheck() bool {
	return v.s.indexes.pendingBootMachineCheck
}

// --- Unresolved dependencies ---------------------------------------------

func (t *Txn) AddUnresolvedDependency(kind UnresolvedDependencyKind, waiting, needs CommitID) uint64 {
	t.s.nextUnresolvedID++
	id := t.s.nextUnresolvedID
	t.s.unresolved[id] = &UnresolvedDependency{ID: id, Kind: kind, Waiting: waiting, Needs: needs}
	t.s.indexes.unresolvedByWaiting.Insert(commitKey(waiting))
	t.s.indexes.unresolvedByNeeds.Insert(commitKey(needs))
	return id
}

func (t *Txn) ResolveDependenciesWaitingOn(needs CommitID) []CommitID {
	var freed []CommitID
	for id, u := range t.s.unresolved {
		if u.Needs == needs {
			freed = append(freed, u.Waiting)
			delete(t.s.unresolved, id)
		}
	}
	if len(freed) == 0 {
		return nil
	}
	t.s.indexes.unresolvedByNeeds.Delete(commitKey(needs))
	for _, waiting := range freed {
		if !t.waitingStillBlocked(waiting) {
			t.s.indexes.unresolvedByWaiting.Delete(commitKey(waiting))
		}
	}
	return freed
}

func (t *Txn) waitingStillBlocked(waiting CommitID) bool {
	for _, u := range t.s.unresolved {
		if u.Waiting == waiting {
			return true
		}
	}
	return false
}

func (v *View) UnresolvedWaitingOn(needs CommitID) bool {
	return v.s.indexes.unresolvedByNeeds.Has(commitKey(needs))
}
