// Package objdb implements the typed, indexed, in-memory object graph that
// backs the Test Manager / Scheduler: repos, branches, commits, tests, runs,
// machines and their categories, deployments, and the background-task queue.
//
// Entities are arena-allocated by opaque id; every cross-entity reference is
// an id, never a pointer, so cyclic conceptual references (a commit whose
// test depends, through repo-pin indirection, on itself) never become
// cyclic Go values.
package objdb

import "time"

// TestPriorityState is the discriminated state of a Test's schedulability,
// recomputed by UpdateTestPriority (spec §4.3.2).
type TestPriorityState int

const (
	PriorityNoMoreTests TestPriorityState = iota
	PriorityWaitingToRetry
	PriorityDependencyFailed
	PriorityWaitingOnBuilds
	PriorityUnresolvedDependencies
	PriorityHardwareComboUnbootable
	PriorityFirstBuild
	PriorityFirstTest
	PriorityWantsMoreTests
)

// Schedulable reports whether a test in this state may be dispatched to a
// worker. Only the last three states of the tagged union are schedulable.
func (s TestPriorityState) Schedulable() bool {
	switch s {
	case PriorityFirstBuild, PriorityFirstTest, PriorityWantsMoreTests:
		return true
	default:
		return false
	}
}

func (s TestPriorityState) String() string {
	switch s {
	case PriorityNoMoreTests:
		return "NoMoreTests"
	case PriorityWaitingToRetry:
		return "WaitingToRetry"
	case PriorityDependencyFailed:
		return "DependencyFailed"
	case PriorityWaitingOnBuilds:
		return "WaitingOnBuilds"
	case PriorityUnresolvedDependencies:
		return "UnresolvedDependencies"
	case PriorityHardwareComboUnbootable:
		return "HardwareComboUnbootable"
	case PriorityFirstBuild:
		return "FirstBuild"
	case PriorityFirstTest:
		return "FirstTest"
	case PriorityWantsMoreTests:
		return "WantsMoreTests"
	default:
		return "Unknown"
	}
}

// TestType distinguishes what a Test entity's resolved definition produces.
type TestType int

const (
	TestTypeBuild TestType = iota
	TestTypeTest
	TestTypeDeployment
)

// TaskLevel is the priority level of a DataTask (spec §3, §4.3.1).
type TaskLevel int

const (
	TaskVeryHigh TaskLevel = iota
	TaskHigh
	TaskMedium
	TaskLow
	TaskVeryLow
	TaskRunning
)

// TaskKind tags the background-task payload carried by a DataTask.
type TaskKind string

const (
	TaskRefreshRepos               TaskKind = "RefreshRepos"
	TaskRefreshBranches            TaskKind = "RefreshBranches"
	TaskUpdateBranchTopCommit      TaskKind = "UpdateBranchTopCommit"
	TaskUpdateCommitData           TaskKind = "UpdateCommitData"
	TaskCommitTestParse            TaskKind = "CommitTestParse"
	TaskUpdateTestPriority         TaskKind = "UpdateTestPriority"
	TaskUpdateCommitPriority       TaskKind = "UpdateCommitPriority"
	TaskBootMachineCheck           TaskKind = "BootMachineCheck"
	TaskCheckBranchAutocreate      TaskKind = "CheckBranchAutocreate"
	TaskUpdateBranchPins           TaskKind = "UpdateBranchPins"
	TaskUnresolvedCommitSource     TaskKind = "UnresolvedCommitSourceDependency"
	TaskUnresolvedCommitRepo       TaskKind = "UnresolvedCommitRepoDependency"
)

// RepoID is a repo's stable identity: its unique name.
type RepoID string

// Repo is a source repository tracked by the control plane.
type Repo struct {
	Name             RepoID
	IsActive         bool
	Commits          int
	CommitsWithTests int
	BranchTemplates  []BranchCreateTemplate
}

// BranchCreateTemplate drives CheckBranchAutocreate (spec §4.3.1).
type BranchCreateTemplate struct {
	Name            string
	IncludeGlobs    []string
	ExcludeGlobs    []string
	TrackedRepo     RepoID
	TrackedBranch   string
}

// BranchID is a branch's stable identity: (repo, branchname).
type BranchID struct {
	Repo RepoID
	Name string
}

// Branch tracks one ref of one repo.
type Branch struct {
	ID                 BranchID
	Head               CommitID
	IsUnderTest        bool
	AutocreateTracking string // optional: name of the template that created this branch
}

// CommitID is a commit's stable identity: (repo, 40-hex hash).
type CommitID struct {
	Repo RepoID
	Hash string
}

// Commit is a single git commit under test.
type Commit struct {
	ID                 CommitID
	Data               *CommitData // nil until UpdateCommitData resolves it
	UserPriority       int
	CalculatedPriority int
	AnyBranch          *BranchID // best-effort back-reference, not used for lifetime
}

// CommitData is the parsed, resolved per-commit payload. Immutable once
// resolved except for test-set membership, which is set exactly once by a
// successful CommitTestParse.
type CommitData struct {
	Parents             []string
	Subject             string
	Author              string
	Email               string
	Timestamp           time.Time
	Message             string
	Tests               map[string]TestID
	RepoReferences      map[string]RepoReference
	TestsParsed         bool
	NoTestsFound        bool
	TestDefinitionError string
}

// TestID is a Test's stable identity: the content hash of its fully
// resolved definition.
type TestID string

// TestDefinitionSummary mirrors spec §3's Test.testDefinitionSummary.
type TestDefinitionSummary struct {
	Name          string
	OS            string
	Type          TestType
	Configuration string
	Artifacts     []string
	MinCores      int
	MinRAMGB      int
	Timeout       time.Duration
	MaxRetries    int
	RetryWait     time.Duration
}

// Test is the deduplicated, content-addressed unit of schedulable work.
type Test struct {
	ID                TestID
	Summary           TestDefinitionSummary
	MachineCategory   *CategoryID
	Successes         int
	TotalRuns         int
	ActiveRuns        int
	RunsDesired       int
	CalculatedPriority int
	Priority          TestPriorityState
	TargetMachineBoot int

	// BuildDependencies lists the TestIDs of Builds this test's Commit-local
	// resolved definition depends on (InternalBuild/ExternalBuild targets).
	BuildDependencies []TestID
	LastRunEnd        time.Time
	LastRunFailed     bool
}

// RunID is a TestRun's stable identity: a random token.
type RunID string

// TestRun is a single attempted execution of a Test on a Machine.
type TestRun struct {
	ID                 RunID
	Test               TestID
	StartedTimestamp   time.Time
	LastHeartbeat      time.Time
	EndTimestamp       time.Time // zero value means still open
	Success            bool
	Canceled           bool
	Machine            MachineID
	ArtifactsCompleted []string

	SubTestNames  []string
	SubTestPass   []bool
	SubTestHasLog []bool
	TotalSubTests int
}

// IsLive reports whether this run is neither canceled nor finalized.
func (r *TestRun) IsLive() bool {
	return !r.Canceled && r.EndTimestamp.IsZero()
}

// MachineID is a worker machine's external identity, assigned by the
// machine-management driver.
type MachineID string

// Machine is a booted worker host.
type Machine struct {
	ID               MachineID
	Hardware         string
	OS               string
	BootTime         time.Time
	FirstHeartbeat   time.Time
	LastHeartbeat    time.Time
	LastHeartbeatMsg string
	IsAlive          bool
}

// CategoryID is a MachineCategory's stable identity: (hardware, os).
type CategoryID struct {
	Hardware string
	OS       string
}

// MachineCategory is the unit of provisioning.
type MachineCategory struct {
	ID                      CategoryID
	Booted                  int
	Desired                 int
	HardwareComboUnbootable bool
	UnbootableReason        string
	MaxMachines             int
}

// DeploymentID is a Deployment's stable identity: a random token.
type DeploymentID string

// Deployment is an interactive, long-lived attached session of one Test on
// one Machine with a pub/sub terminal stream.
type Deployment struct {
	ID          DeploymentID
	Test        TestID
	Run         RunID
	Machine     MachineID
	IsAlive     bool
	Subscribers int
	LastActive  time.Time
}

// RepoReferenceKind discriminates the RepoReference union (spec §3).
type RepoReferenceKind int

const (
	RefPin RepoReferenceKind = iota
	RefReference
	RefImportedReference
	RefImport
	RefHEAD
)

// RepoReference is a resolved or unresolved reference to a commit in some
// repo, as produced by the resolver (spec §4.2 stage 2).
type RepoReference struct {
	Kind RepoReferenceKind

	// Pin / Reference / ImportedReference
	Repo             RepoID
	Hash             string
	TrackingBranch   string
	Auto             bool
	Prioritize       bool
	ImportSourceChain []string // populated for ImportedReference

	// Import only
	SymbolicPath []string
}

// BranchPin is an explicit (branch, repo_def) -> (pinned_to_repo, pinned_to_branch)
// binding, independent of the resolved commit content.
type BranchPin struct {
	Branch          BranchID
	RepoDef         string
	PinnedToRepo    RepoID
	PinnedToBranch  string
	Auto            bool
	Prioritize      bool
}

// DataTask is a work-item in the priority queue (spec §3, §4.3.1).
type DataTask struct {
	ID        uint64
	Level     TaskLevel
	Kind      TaskKind
	Target    string // stable string key of the task's subject, for (kind,target) dedup
	Inserted  time.Time
	Status    TaskStatus
	NotBefore time.Time // zero means immediately eligible; set by a delayed requeue

	// Payload fields; only the ones relevant to Kind are populated.
	Repo    RepoID
	Branch  BranchID
	Commit  CommitID
	Test    TestID
}

// TaskStatus is the lifecycle state of a DataTask.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskInFlight
	TaskDone
)

// UnresolvedDependencyKind discriminates why a commit's resolution stalled.
type UnresolvedDependencyKind int

const (
	UnresolvedSource UnresolvedDependencyKind = iota
	UnresolvedRepo
)

// UnresolvedDependency records a MissingDependencyException raised while
// resolving Waiting's definitions: Waiting cannot finish CommitTestParse
// until Needs becomes available in the Git cache.
type UnresolvedDependency struct {
	ID     uint64
	Kind   UnresolvedDependencyKind
	Waiting CommitID
	Needs   CommitID
}
