package objdb

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store is the transactional object graph. It is single-writer (the
// scheduler's coarse mutex, per spec §4.3/§5, is layered on top by callers
// that need cross-transaction sequencing); the Store's own RWMutex only
// guarantees that transactions are internally atomic and that readers
// outside a transaction observe a consistent snapshot.
//
// Modeled as arena+id (spec §9 "Cyclic object graph"): every map below is
// keyed by an opaque id, and cross-entity references are those same ids,
// never Go pointers between entities.
type Store struct {
	mu sync.RWMutex

	repos        map[RepoID]*Repo
	branches     map[BranchID]*Branch
	commits      map[CommitID]*Commit
	tests        map[TestID]*Test
	runs         map[RunID]*TestRun
	machines     map[MachineID]*Machine
	categories   map[CategoryID]*MachineCategory
	deployments  map[DeploymentID]*Deployment
	branchPins   map[BranchID][]*BranchPin
	tasks        map[uint64]*DataTask
	unresolved   map[uint64]*UnresolvedDependency

	nextTaskID       uint64
	nextUnresolvedID uint64

	indexes *indexSet
	log     *logrus.Entry
}

// New constructs an empty Store.
func New(log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		repos:       map[RepoID]*Repo{},
		branches:    map[BranchID]*Branch{},
		commits:     map[CommitID]*Commit{},
		tests:       map[TestID]*Test{},
		runs:        map[RunID]*TestRun{},
		machines:    map[MachineID]*Machine{},
		categories:  map[CategoryID]*MachineCategory{},
		deployments: map[DeploymentID]*Deployment{},
		branchPins:  map[BranchID][]*BranchPin{},
		tasks:       map[uint64]*DataTask{},
		unresolved:  map[uint64]*UnresolvedDependency{},
		indexes:     newIndexSet(),
		log:         log.WithField("component", "objdb"),
	}
}

// View is a read-only snapshot handle. Every lookup made through a single
// View call observes the same consistent state.
type View struct {
	s *Store
}

// Txn is a read-write handle. A transaction observes its own writes
// immediately: indexes are updated synchronously as entities mutate.
type Txn struct {
	s *Store
}

// View returns a read handle over the same store a transaction is
// currently writing to, so a Txn's mutation logic can reuse View's query
// methods without a second, self-deadlocking lock acquisition.
func (t *Txn) View() *View {
	return &View{s: t.s}
}

// View executes fn with a read-locked snapshot of the store.
func (s *Store) View(fn func(*View) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&View{s: s})
}

// Transaction executes fn with exclusive write access. If fn returns an
// error, or panics with a fatal invariant violation, the transaction is
// still considered "committed" for whatever mutations already landed in
// the maps (this Store does not buffer writes and roll them back — callers
// that need atypical all-or-nothing semantics must check invariants before
// mutating, which is how every operation in package scheduler is written).
// A panic is recovered and converted to an error so a broken invariant
// aborts the calling operation without crashing the process (spec §7,
// "Fatal invariant violation").
func (s *Store) Transaction(fn func(*Txn) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("objdb: transaction aborted on invariant violation: %v", r)
		}
	}()
	return fn(&Txn{s: s})
}

// lookupErr is what Txn methods return when an id is unknown. The View Get
// helpers do not use it: they report a missing id through their bool result.
type lookupErr struct {
	kind string
	key  any
}

func (e *lookupErr) Error() string {
	return fmt.Sprintf("objdb: no %s for key %v", e.kind, e.key)
}

func errNotFound(kind string, key any) error { return &lookupErr{kind: kind, key: key} }
