package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/mattsgit/test-looper/internal/objdb"
	"github.com/mattsgit/test-looper/internal/resolver"
)

// handleRefreshRepos enqueues RefreshBranches for every active repo already
// tracked in the store (spec §4.3.1). It does not list repos on the Git
// host or add new ones: the concrete source-control listing is out of
// scope (spec §1's webhook-adapter exclusion).
func (s *Scheduler) handleRefreshRepos(ctx context.Context, task *objdb.DataTask) error {
	var repos []*objdb.Repo
	if err := s.store.View(func(v *objdb.View) error {
		repos = v.ListActiveRepos()
		return nil
	}); err != nil {
		return err
	}
	return s.store.Transaction(func(t *objdb.Txn) error {
		for _, r := range repos {
			t.Enqueue(objdb.TaskHigh, objdb.TaskRefreshBranches, string(r.Name), func(task *objdb.DataTask) {
				task.Repo = r.Name
			})
		}
		return nil
	})
}

// handleRefreshBranches lists a repo's remote branches and enqueues
// UpdateBranchTopCommit for every one of them, whether or not its head has
// moved (spec §4.3.1).
func (s *Scheduler) handleRefreshBranches(ctx context.Context, task *objdb.DataTask) error {
	if s.cache == nil {
		return nil
	}
	repo := s.cache.Lookup(string(task.Repo), "")
	heads, err := repo.ListBranchesForRemote(ctx)
	if err != nil {
		return err
	}
	return s.store.Transaction(func(t *objdb.Txn) error {
		for name, hash := range heads {
			id := objdb.BranchID{Repo: task.Repo, Name: name}
			t.UpsertBranch(id)
			t.Enqueue(objdb.TaskHigh, objdb.TaskUpdateBranchTopCommit, branchTarget(id), func(dt *objdb.DataTask) {
				dt.Branch = id
				dt.Commit = objdb.CommitID{Repo: task.Repo, Hash: hash}
			})
		}
		return nil
	})
}

// handleUpdateBranchTopCommit advances a branch's head to the commit
// discovered by RefreshBranches and enqueues UpdateCommitData,
// UpdateBranchPins, and CheckBranchAutocreate for it (spec §4.3.1).
func (s *Scheduler) handleUpdateBranchTopCommit(ctx context.Context, task *objdb.DataTask) error {
	return s.store.Transaction(func(t *objdb.Txn) error {
		t.UpsertCommit(task.Commit)
		if err := t.SetBranchHead(task.Branch, task.Commit); err != nil {
			return err
		}
		t.Enqueue(objdb.TaskHigh, objdb.TaskUpdateCommitData, commitTarget(task.Commit), func(dt *objdb.DataTask) {
			dt.Commit = task.Commit
		})
		t.Enqueue(objdb.TaskMedium, objdb.TaskUpdateBranchPins, branchTarget(task.Branch), func(dt *objdb.DataTask) {
			dt.Branch = task.Branch
		})
		t.Enqueue(objdb.TaskLow, objdb.TaskCheckBranchAutocreate, branchTarget(task.Branch), func(dt *objdb.DataTask) {
			dt.Branch = task.Branch
			dt.Repo = task.Branch.Repo
		})
		return nil
	})
}

// handleUpdateCommitData fetches a commit's Git metadata and enqueues
// CommitTestParse once it is in place (spec §4.3.1).
func (s *Scheduler) handleUpdateCommitData(ctx context.Context, task *objdb.DataTask) error {
	if s.cache == nil {
		return nil
	}
	repo := s.cache.Lookup(string(task.Commit.Repo), "")
	data, err := repo.GitCommitData(ctx, task.Commit.Hash)
	if err != nil {
		return err
	}
	return s.store.Transaction(func(t *objdb.Txn) error {
		if err := t.SetCommitData(task.Commit, &objdb.CommitData{
			Parents:   data.Parents,
			Subject:   data.Subject,
			Author:    data.Author,
			Email:     data.Email,
			Timestamp: data.Timestamp,
			Message:   data.Message,
			Tests:     map[string]objdb.TestID{},
		}); err != nil {
			return err
		}
		s.updateAnyBranch(t, task.Commit)
		t.Enqueue(objdb.TaskMedium, objdb.TaskCommitTestParse, commitTarget(task.Commit), func(dt *objdb.DataTask) {
			dt.Commit = task.Commit
		})
		return nil
	})
}

// handleCommitTestParse runs the Definition Resolver for a commit and
// materializes its resolved tests as objdb.Test entities (spec §4.2,
// §4.3.1). On a *resolver.MissingDependencyError it records the block
// structurally on the unresolved-dependency tables and enqueues the
// lightweight watcher task that frees it once the dependency appears,
// rather than re-running the whole resolve on a timer (spec §4.3.1 "on
// MissingDependencyException, enqueue an
// UnresolvedCommitSourceDependency/UnresolvedCommitRepoDependency and
// exit", §7 "unresolved-dependency tables").
func (s *Scheduler) handleCommitTestParse(ctx context.Context, task *objdb.DataTask) error {
	result, err := s.resolver.Resolve(ctx, string(task.Commit.Repo), task.Commit.Hash)
	if err != nil {
		var missErr *resolver.MissingDependencyError
		if errors.As(err, &missErr) {
			return s.recordUnresolvedDependency(task.Commit, missErr)
		}
		var resErr *resolver.ResolutionError
		if errors.As(err, &resErr) {
			return s.recordTestParseFailure(task.Commit, resErr.Error())
		}
		return err
	}

	return s.store.Transaction(func(t *objdb.Txn) error {
		c, ok := t.View().GetCommit(task.Commit)
		if !ok || c.Data == nil {
			return nil
		}
		if result.NoTestsFound {
			c.Data.NoTestsFound = true
			return nil
		}

		// Builds must be materialized before the tests that depend on
		// them, the same ordering the resolver itself used to compute
		// stable hashes (spec §8 "Test-hash stability").
		order := topoSortResolvedTests(result.Tests)
		idByName := map[string]objdb.TestID{}
		for _, name := range order {
			def := result.Tests[name]
			summary := objdb.TestDefinitionSummary{
				Name:          def.Name,
				OS:            def.OS,
				Type:          objdb.TestType(def.Type),
				Configuration: def.Configuration,
				Artifacts:     def.Artifacts,
				MinCores:      def.MinCores,
				MinRAMGB:      def.MinRAMGB,
				Timeout:       def.Timeout,
				MaxRetries:    def.MaxRetries,
				RetryWait:     def.RetryWait,
			}
			tt := t.UpsertTest(objdb.TestID(def.Hash), summary)
			tt.RunsDesired = def.RunsDesired
			for _, dep := range def.Dependencies {
				if dep.Kind == resolver.DepInternalBuild || dep.Kind == resolver.DepExternalBuild {
					tt.BuildDependencies = append(tt.BuildDependencies, objdb.TestID(dep.TestHash))
				}
			}
			idByName[name] = tt.ID
			c.Data.Tests[name] = tt.ID
			if def.Enabled {
				id := tt.ID
				t.Enqueue(objdb.TaskMedium, objdb.TaskUpdateTestPriority, string(id), func(dt *objdb.DataTask) {
					dt.Test = id
				})
			}
		}
		c.Data.TestsParsed = true
		return nil
	})
}

func (s *Scheduler) recordTestParseFailure(commit objdb.CommitID, message string) error {
	return s.store.Transaction(func(t *objdb.Txn) error {
		c, ok := t.View().GetCommit(commit)
		if !ok || c.Data == nil {
			return nil
		}
		c.Data.TestDefinitionError = message
		c.Data.TestsParsed = true
		return nil
	})
}

// recordUnresolvedDependency stores the (waiting, needs) relationship on
// objdb's unresolved-dependency tables and enqueues the watcher task that
// periodically checks whether needs has appeared yet.
func (s *Scheduler) recordUnresolvedDependency(waiting objdb.CommitID, missErr *resolver.MissingDependencyError) error {
	needs := objdb.CommitID{Repo: objdb.RepoID(missErr.Repo), Hash: missErr.Hash}
	kind := objdb.UnresolvedSource
	taskKind := objdb.TaskUnresolvedCommitSource
	if missErr.Hash == "" {
		kind = objdb.UnresolvedRepo
		taskKind = objdb.TaskUnresolvedCommitRepo
	}
	return s.store.Transaction(func(t *objdb.Txn) error {
		t.AddUnresolvedDependency(kind, waiting, needs)
		t.Enqueue(objdb.TaskLow, taskKind, commitTarget(needs), func(dt *objdb.DataTask) {
			dt.Commit = needs
		})
		return nil
	})
}

// handleUnresolvedCommitSource watches for a specific missing commit (spec
// §4.3.1 "UnresolvedCommitSourceDependency").
func (s *Scheduler) handleUnresolvedCommitSource(ctx context.Context, task *objdb.DataTask) error {
	return s.checkUnresolvedDependency(ctx, task)
}

// handleUnresolvedCommitRepo watches for a whole repo that was unknown at
// resolve time (spec §4.3.1 "UnresolvedCommitRepoDependency").
func (s *Scheduler) handleUnresolvedCommitRepo(ctx context.Context, task *objdb.DataTask) error {
	return s.checkUnresolvedDependency(ctx, task)
}

// checkUnresolvedDependency reports whether task.Commit (the needed
// dependency) has become available in the Git cache. If it has, every
// commit waiting on it is freed from the unresolved-dependency tables and
// has CommitTestParse re-enqueued. If not, it returns the same
// *resolver.MissingDependencyError so the queue's existing requeue policy
// tries again later, instead of re-running the full resolver on a timer.
func (s *Scheduler) checkUnresolvedDependency(ctx context.Context, task *objdb.DataTask) error {
	stillMissing := &resolver.MissingDependencyError{Repo: string(task.Commit.Repo), Hash: task.Commit.Hash}
	if s.cache == nil {
		return stillMissing
	}
	repo := s.cache.Lookup(string(task.Commit.Repo), "")
	if !repo.IsInitialized() {
		return stillMissing
	}
	if task.Commit.Hash != "" && !repo.CommitExists(ctx, task.Commit.Hash) {
		return stillMissing
	}

	return s.store.Transaction(func(t *objdb.Txn) error {
		freed := t.ResolveDependenciesWaitingOn(task.Commit)
		for _, waiting := range freed {
			t.Enqueue(objdb.TaskMedium, objdb.TaskCommitTestParse, commitTarget(waiting), func(dt *objdb.DataTask) {
				dt.Commit = waiting
			})
		}
		return nil
	})
}

// topoSortResolvedTests orders tests by their internal-build dependency
// edges so a build's entity exists before the consumer referencing its
// TestHash is materialized.
func topoSortResolvedTests(tests map[string]*resolver.ResolvedTestDefinition) []string {
	const white, gray, black = 0, 1, 2
	color := map[string]int{}
	var order []string
	var visit func(name string)
	visit = func(name string) {
		if color[name] == black || color[name] == gray {
			return
		}
		color[name] = gray
		def, ok := tests[name]
		if ok {
			for _, dep := range def.Dependencies {
				if dep.Kind != resolver.DepInternalBuild {
					continue
				}
				for otherName, otherDef := range tests {
					if otherDef.Hash == dep.TestHash {
						visit(otherName)
					}
				}
			}
		}
		color[name] = black
		order = append(order, name)
	}
	for name := range tests {
		visit(name)
	}
	return order
}

// handleUpdateCommitPriority recomputes a commit's calculatedPriority as
// max(userPriority, parents'/children's calculatedPriority) and cascades
// to neighbors whose value changed (spec §4.3.2, §8 "Priority
// monotonicity").
func (s *Scheduler) handleUpdateCommitPriority(ctx context.Context, task *objdb.DataTask) error {
	var changed bool
	var neighbors []objdb.CommitID
	err := s.store.Transaction(func(t *objdb.Txn) error {
		v := t.View()
		c, ok := v.GetCommit(task.Commit)
		if !ok {
			return nil
		}
		max := c.UserPriority
		if c.Data != nil {
			for _, parentHash := range c.Data.Parents {
				if parent, ok := v.GetCommit(objdb.CommitID{Repo: task.Commit.Repo, Hash: parentHash}); ok {
					if parent.CalculatedPriority > max {
						max = parent.CalculatedPriority
					}
					neighbors = append(neighbors, parent.ID)
				}
			}
		}
		var err error
		changed, err = t.SetCommitPriority(task.Commit, max)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		for _, n := range neighbors {
			s.EnqueueUpdateCommitPriority(n)
		}
	}
	return nil
}

// handleUpdateTestPriority runs the priority state machine for one test
// and, if it became schedulable, books machine capacity for it (spec
// §4.3.2, §4.4).
func (s *Scheduler) handleUpdateTestPriority(ctx context.Context, task *objdb.DataTask) error {
	return s.store.Transaction(func(t *objdb.Txn) error {
		v := t.View()
		test, ok := v.GetTest(task.Test)
		if !ok {
			return nil
		}
		maxCores := 0
		if test.MachineCategory != nil {
			if cat, ok := v.GetCategory(*test.MachineCategory); ok {
				maxCores = cat.MaxMachines
			}
		}
		state, target := recomputeTestPriority(v, test, time.Now(), maxCores)
		calculated := test.CalculatedPriority
		if err := t.SetTestPriority(task.Test, state, calculated, target, test.MachineCategory); err != nil {
			return err
		}
		if test.MachineCategory != nil {
			cat, ok := v.GetCategory(*test.MachineCategory)
			if ok {
				desired := sumTargetBoots(v, *test.MachineCategory)
				if desired != cat.Desired {
					if err := t.SetCategoryCounts(*test.MachineCategory, cat.Booted, desired); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

func sumTargetBoots(v *objdb.View, cat objdb.CategoryID) int {
	total := 0
	for _, test := range v.TestsSchedulableInCategory(cat) {
		total += test.TargetMachineBoot
	}
	return total
}

// handleUpdateBranchPins walks the branch's BranchPin table and, for every
// auto pin whose target branch has advanced past what the definition file
// currently pins to, authors and pushes a synthetic pin-edit commit onto
// the branch (spec §4.3.1 "UpdateBranchPins"). Non-auto pins are left
// alone: those are only ever moved by an explicit user edit.
func (s *Scheduler) handleUpdateBranchPins(ctx context.Context, task *objdb.DataTask) error {
	if s.cache == nil {
		return nil
	}
	var pins []*objdb.BranchPin
	var branch *objdb.Branch
	if err := s.store.View(func(v *objdb.View) error {
		pins = v.PinsForBranch(task.Branch)
		if b, ok := v.GetBranch(task.Branch); ok {
			branch = b
		}
		return nil
	}); err != nil {
		return err
	}
	if branch == nil || len(pins) == 0 {
		return nil
	}

	repo := s.cache.Lookup(string(task.Branch.Repo), "")
	defPath, found, err := repo.GetTestDefinitionsPath(ctx, branch.Head.Hash)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	contents, err := repo.GetFileContents(ctx, branch.Head.Hash, defPath)
	if err != nil {
		return err
	}

	updated := contents
	anyChanged := false
	for _, pin := range pins {
		if !pin.Auto {
			continue
		}
		target := s.cache.Lookup(string(pin.PinnedToRepo), "")
		heads, err := target.ListBranchesForRemote(ctx)
		if err != nil {
			return err
		}
		newHash, ok := heads[pin.PinnedToBranch]
		if !ok {
			continue
		}
		rewritten, changed, err := resolver.RewritePinTarget(updated, pin.RepoDef, newHash)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		updated = rewritten
		anyChanged = true
	}
	if !anyChanged {
		return nil
	}

	message := repo.StandardCommitMessageFor(branch.Head.Hash)
	newHash, err := repo.CreateCommit(ctx, branch.Head.Hash, map[string][]byte{defPath: updated}, message, "test-looper", time.Now())
	if err != nil {
		return err
	}
	pushed, err := repo.PushCommit(ctx, newHash, task.Branch.Name, false, false)
	if err != nil {
		return err
	}
	if !pushed {
		s.log.WithField("branch", task.Branch).Warn("pin-update commit was authored but rejected on push")
	}
	return nil
}

// handleCheckBranchAutocreate evaluates every BranchCreateTemplate on a
// repo against its tracked branch's current set of live branches and
// creates any branch a template's include/exclude globs newly admit
// (spec §4.3.1).
func (s *Scheduler) handleCheckBranchAutocreate(ctx context.Context, task *objdb.DataTask) error {
	var repo *objdb.Repo
	if err := s.store.View(func(v *objdb.View) error {
		r, ok := v.GetRepo(task.Repo)
		if ok {
			repo = r
		}
		return nil
	}); err != nil {
		return err
	}
	if repo == nil || s.cache == nil {
		return nil
	}

	for _, tmpl := range repo.BranchTemplates {
		src := s.cache.Lookup(string(tmpl.TrackedRepo), "")
		heads, err := src.ListBranchesForRemote(ctx)
		if err != nil {
			return err
		}
		for name, hash := range heads {
			if !branchAdmitted(name, tmpl.IncludeGlobs, tmpl.ExcludeGlobs) {
				continue
			}
			id := objdb.BranchID{Repo: task.Repo, Name: name}
			if err := s.store.Transaction(func(t *objdb.Txn) error {
				b := t.UpsertBranch(id)
				b.AutocreateTracking = tmpl.Name
				return t.SetBranchHead(id, objdb.CommitID{Repo: tmpl.TrackedRepo, Hash: hash})
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func branchAdmitted(name string, include, exclude []string) bool {
	admitted := len(include) == 0
	for _, g := range include {
		if ok, _ := filepath.Match(g, name); ok {
			admitted = true
			break
		}
	}
	if !admitted {
		return false
	}
	for _, g := range exclude {
		if ok, _ := filepath.Match(g, name); ok {
			return false
		}
	}
	return true
}

// handleBootMachineCheck drives one machinectl reconciliation pass (spec
// §4.4). machinectl owns no task-queue concept of its own; the scheduler
// is what re-enqueues this periodic task.
func (s *Scheduler) handleBootMachineCheck(ctx context.Context, task *objdb.DataTask) error {
	if s.machines == nil {
		return nil
	}
	if err := s.machines.Reconcile(ctx); err != nil {
		return err
	}
	return s.store.Transaction(func(t *objdb.Txn) error {
		// Retire this pass's own task first; while it is in flight,
		// Enqueue's (kind, target) dedup would match it and add nothing.
		if err := t.MarkTaskStatus(task.ID, objdb.TaskDone); err != nil {
			return err
		}
		t.Enqueue(objdb.TaskLow, objdb.TaskBootMachineCheck, "singleton", nil)
		return nil
	})
}
