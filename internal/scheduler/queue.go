package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/mattsgit/test-looper/internal/objdb"
	"github.com/mattsgit/test-looper/internal/resolver"
)

// taskHandler executes one DataTask. A *resolver.MissingDependencyError
// means the task should be requeued for later (its prerequisite isn't in
// the Git cache yet); any other error is logged and the task is dropped,
// since retrying a permanently broken definition would spin forever.
type taskHandler func(s *Scheduler, ctx context.Context, task *objdb.DataTask) error

var handlers = map[objdb.TaskKind]taskHandler{
	objdb.TaskRefreshRepos:           (*Scheduler).handleRefreshRepos,
	objdb.TaskRefreshBranches:        (*Scheduler).handleRefreshBranches,
	objdb.TaskUpdateBranchTopCommit:  (*Scheduler).handleUpdateBranchTopCommit,
	objdb.TaskUpdateCommitData:       (*Scheduler).handleUpdateCommitData,
	objdb.TaskCommitTestParse:        (*Scheduler).handleCommitTestParse,
	objdb.TaskUpdateCommitPriority:   (*Scheduler).handleUpdateCommitPriority,
	objdb.TaskUpdateTestPriority:     (*Scheduler).handleUpdateTestPriority,
	objdb.TaskUpdateBranchPins:       (*Scheduler).handleUpdateBranchPins,
	objdb.TaskCheckBranchAutocreate:  (*Scheduler).handleCheckBranchAutocreate,
	objdb.TaskBootMachineCheck:       (*Scheduler).handleBootMachineCheck,
	objdb.TaskUnresolvedCommitSource: (*Scheduler).handleUnresolvedCommitSource,
	objdb.TaskUnresolvedCommitRepo:   (*Scheduler).handleUnresolvedCommitRepo,
}

// requeueDelay is how long a MissingDependencyError retry waits before the
// task is eligible to run again (spec §4.3.1 "requeue at a lower priority
// after a short delay").
const requeueDelay = 2 * time.Second

// popNextTask selects the highest-level pending task (spec §4.3.1: strict
// priority, FIFO-by-insertion within a level) and marks it in flight.
func (s *Scheduler) popNextTask() (*objdb.DataTask, error) {
	var picked *objdb.DataTask
	err := s.store.Transaction(func(t *objdb.Txn) error {
		byLevel := t.View().PendingTasksByLevel()
		for level := objdb.TaskVeryHigh; level <= objdb.TaskVeryLow; level++ {
			tasks := byLevel[level]
			if len(tasks) == 0 {
				continue
			}
			best := tasks[0]
			for _, candidate := range tasks[1:] {
				if candidate.Inserted.Before(best.Inserted) {
					best = candidate
				}
			}
			if err := t.MarkTaskStatus(best.ID, objdb.TaskInFlight); err != nil {
				return err
			}
			picked = best
			return nil
		}
		return nil
	})
	return picked, err
}

// processOneTask pops and executes a single task, applying the
// requeue/drop/remove policy described by each handler's returned error
// (spec §4.3.1).
func (s *Scheduler) processOneTask(ctx context.Context) error {
	task, err := s.popNextTask()
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	handler, ok := handlers[task.Kind]
	if !ok {
		s.log.WithField("kind", task.Kind).Warn("no handler registered for task kind; dropping")
		return s.store.Transaction(func(t *objdb.Txn) error {
			t.RemoveTask(task.ID)
			return nil
		})
	}

	handlerErr := handler(s, ctx, task)

	return s.store.Transaction(func(t *objdb.Txn) error {
		var missErr *resolver.MissingDependencyError
		var resErr *resolver.ResolutionError

		switch {
		case handlerErr == nil:
			t.RemoveTask(task.ID)
			return nil
		case errors.As(handlerErr, &missErr):
			s.log.WithField("kind", task.Kind).WithField("target", task.Target).WithError(missErr).Debug("requeuing on missing dependency")
			return t.RequeueDelayed(task.ID, lowerLevel(task.Level), time.Now().Add(requeueDelay))
		case errors.As(handlerErr, &resErr):
			s.log.WithField("kind", task.Kind).WithField("target", task.Target).WithError(resErr).Warn("dropping task: permanent resolution error")
			t.RemoveTask(task.ID)
			return nil
		default:
			s.log.WithField("kind", task.Kind).WithField("target", task.Target).WithError(handlerErr).Error("task handler failed")
			t.RemoveTask(task.ID)
			return nil
		}
	})
}

// lowerLevel drops a task one priority level, saturating at TaskVeryLow so
// a repeatedly-blocked task never starves everything behind it but also
// never escapes past the bottom of the queue.
func lowerLevel(level objdb.TaskLevel) objdb.TaskLevel {
	if level < objdb.TaskVeryLow {
		return level + 1
	}
	return level
}
