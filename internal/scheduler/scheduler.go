package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattsgit/test-looper/internal/gitcache"
	"github.com/mattsgit/test-looper/internal/machinectl"
	"github.com/mattsgit/test-looper/internal/objdb"
	"github.com/mattsgit/test-looper/internal/resolver"
)

// Scheduler is the Test Manager / Scheduler (spec §4.3): it owns the
// background-task queue, runs the priority state machine, dispatches work
// to workers, and drives machine-category reconciliation. It holds no
// state of its own beyond what is in the store — every field here is a
// collaborator, not a cache.
type Scheduler struct {
	store    *objdb.Store
	resolver *resolver.Resolver
	cache    *gitcache.Cache
	machines *machinectl.Controller
	log      *logrus.Entry

	HeartbeatInterval    time.Duration
	HeartbeatMissedLimit int

	// MaxSearchDepth bounds distanceForCommitInBranch (spec §9 Open
	// Question 1): made an explicit, overridable field rather than an
	// ambient global.
	MaxSearchDepth int
}

// New constructs a Scheduler wired to its collaborators. cache may be nil
// in tests that never exercise Git-backed tasks.
func New(store *objdb.Store, res *resolver.Resolver, cache *gitcache.Cache, machines *machinectl.Controller, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		store:                store,
		resolver:             res,
		cache:                cache,
		machines:             machines,
		log:                  log.WithField("component", "scheduler"),
		HeartbeatInterval:    3 * time.Second,
		HeartbeatMissedLimit: 10,
		MaxSearchDepth:       5000,
	}
}

// newRunID mints a random run token (spec §3: RunID is a random token, not
// content-addressed like TestID).
func (s *Scheduler) newRunID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// EnqueueUpdateTestPriority requests a priority recomputation for a test,
// deduplicated against any already-pending request for the same test (spec
// §4.3.1).
func (s *Scheduler) EnqueueUpdateTestPriority(id objdb.TestID) {
	err := s.store.Transaction(func(t *objdb.Txn) error {
		t.Enqueue(objdb.TaskMedium, objdb.TaskUpdateTestPriority, string(id), func(task *objdb.DataTask) {
			task.Test = id
		})
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithField("test", id).Error("failed to enqueue UpdateTestPriority")
	}
}

// EnqueueUpdateCommitPriority requests a priority recomputation cascade
// starting at a commit (spec §4.3.1, §4.3.2 "Priority monotonicity").
func (s *Scheduler) EnqueueUpdateCommitPriority(id objdb.CommitID) {
	err := s.store.Transaction(func(t *objdb.Txn) error {
		t.Enqueue(objdb.TaskMedium, objdb.TaskUpdateCommitPriority, commitTarget(id), func(task *objdb.DataTask) {
			task.Commit = id
		})
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithField("commit", id).Error("failed to enqueue UpdateCommitPriority")
	}
}

func commitTarget(id objdb.CommitID) string { return string(id.Repo) + "@" + id.Hash }

// EnqueueRefreshRepos requests a fresh branch listing for every active
// repo (spec §4.3.1). Safe to call repeatedly: Enqueue dedups by
// (kind, target).
func (s *Scheduler) EnqueueRefreshRepos() {
	err := s.store.Transaction(func(t *objdb.Txn) error {
		t.Enqueue(objdb.TaskHigh, objdb.TaskRefreshRepos, "singleton", nil)
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("failed to enqueue RefreshRepos")
	}
}

// EnqueueBootMachineCheck requests one machine-provisioning reconciliation
// pass (spec §4.4). handleBootMachineCheck self-requeues afterward, so
// this only needs to prime the very first one.
func (s *Scheduler) EnqueueBootMachineCheck() {
	err := s.store.Transaction(func(t *objdb.Txn) error {
		if t.View().HasPendingBootMachineCheck() {
			return nil
		}
		t.Enqueue(objdb.TaskLow, objdb.TaskBootMachineCheck, "singleton", nil)
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("failed to enqueue BootMachineCheck")
	}
}

func branchTarget(id objdb.BranchID) string { return string(id.Repo) + "/" + id.Name }

// Run drives the background-task queue and periodic sweeps until ctx is
// canceled (spec §4.3.1's daemon loop, grounded on
// cmd/ci-operator-configresolver's reload-loop shape).
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	heartbeatSweep := time.NewTicker(s.HeartbeatInterval)
	defer heartbeatSweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeatSweep.C:
			if _, err := s.SweepDeadRuns(time.Now()); err != nil {
				s.log.WithError(err).Error("heartbeat sweep failed")
			}
		case <-ticker.C:
			if err := s.processOneTask(ctx); err != nil {
				s.log.WithError(err).Error("task processing failed")
			}
		}
	}
}
