// Package resolver implements the Test-Definition Resolver (spec §4.2): it
// reads per-commit definition files, follows includes, resolves
// cross-repository references and pins, merges environments, and produces
// a canonical hashed test graph.
//
// Resolution is pure with respect to (repo, hash) and the Git cache: given
// identical git contents, Resolve must return byte-identical results,
// including each Test's hash (spec §8 "Determinism of resolution").
package resolver

import "time"

// TestType mirrors objdb.TestType without introducing a dependency from
// this package onto the scheduler's storage layer.
type TestType int

const (
	TestTypeBuild TestType = iota
	TestTypeTest
	TestTypeDeployment
)

// RawDefinitionFile is the as-parsed shape of testDefinitions.json /
// testDefinitions.yml / *.testlooper.yml (spec §6).
type RawDefinitionFile struct {
	Repos        map[string]RawRepoReference `json:"repos,omitempty"`
	Environments map[string]RawEnvironment   `json:"environments,omitempty"`
	Builds       map[string]RawTest          `json:"builds,omitempty"`
	Tests        map[string]RawTest          `json:"tests,omitempty"`
	Deployments  map[string]RawTest          `json:"deployments,omitempty"`
	Includes     []RawInclude                `json:"includes,omitempty"`
	Prioritize   []string                    `json:"prioritize,omitempty"`
}

// RawRepoReference is the closed algebraic union of repo-reference forms a
// definition file may declare (spec §3 "RepoReference variants", §9
// "closed algebraic description"). Exactly one of Pin/Reference/Import/HEAD
// is set.
type RawRepoReference struct {
	Pin       *RawPin       `json:"pin,omitempty"`
	Reference *RawReference `json:"reference,omitempty"`
	Import    string        `json:"import,omitempty"` // name of another entry in this file's repos map
	HEAD      *RawReference `json:"head,omitempty"`    // repo with hash left as the HEAD sentinel
}

type RawReference struct {
	Repo string `json:"repo"`
	Hash string `json:"hash,omitempty"`
}

type RawPin struct {
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	To         string `json:"to,omitempty"`
	Auto       bool   `json:"auto,omitempty"`
	Prioritize bool   `json:"prioritize,omitempty"`
}

// RawEnvironment is a declared execution context, possibly a mixin.
type RawEnvironment struct {
	Mixins       []string          `json:"mixins,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Dependencies []RawDependency   `json:"dependencies,omitempty"`
	Image        *RawImage         `json:"image,omitempty"`
}

// RawImage is either a Dockerfile-from-repo build or a bare-machine AMI.
type RawImage struct {
	Dockerfile string `json:"dockerfile,omitempty"`
	AMI        string `json:"ami,omitempty"`
}

// RawDependency is the closed union of dependency kinds (spec §3
// "Dependencies").
type RawDependency struct {
	InternalBuild *RawInternalBuildDep `json:"internal_build,omitempty"`
	ExternalBuild *RawExternalBuildDep `json:"external_build,omitempty"`
	Source        *RawSourceDep        `json:"source,omitempty"`
	ExposeAs      string               `json:"expose_as,omitempty"`
}

type RawInternalBuildDep struct {
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"`
}

type RawExternalBuildDep struct {
	Repo        string `json:"repo"`
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"`
}

type RawSourceDep struct {
	Repo string `json:"repo,omitempty"` // empty means current repo
	Path string `json:"path,omitempty"` // empty means whole tree at the commit
}

// RawArtifact declares a named (or, if Name == "", the single unnamed)
// artifact a stage produces.
type RawArtifact struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path"`
}

// RawStage is one ordered execution phase.
type RawStage struct {
	Command   string        `json:"command"`
	Cleanup   string        `json:"cleanup,omitempty"`
	Artifacts []RawArtifact `json:"artifacts,omitempty"`
	Order     int           `json:"order,omitempty"`
}

// RawTest is one declared build/test/deployment.
type RawTest struct {
	OS               string            `json:"os,omitempty"`
	Environment      string            `json:"environment,omitempty"`
	Mixins           []string          `json:"mixins,omitempty"`
	Configuration    string            `json:"configuration,omitempty"`
	Stages           []RawStage        `json:"stages,omitempty"`
	MinCores         int               `json:"min_cores,omitempty"`
	MinRAMGB         int               `json:"min_ram_gb,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	MaxRetries       int               `json:"max_retries,omitempty"`
	RetryWaitSeconds int               `json:"retry_wait_seconds,omitempty"`
	Disabled         bool              `json:"disabled,omitempty"`
	RunsDesired      int               `json:"runs_desired,omitempty"`
	Variables        map[string]string `json:"variables,omitempty"`
}

// RawInclude is one queued include; Variables are passed down to the
// included file's substitution scope (spec §4.2 stage 3).
type RawInclude struct {
	Path      string            `json:"path"`
	Variables map[string]string `json:"variables,omitempty"`
}

// --- resolved, canonical output -------------------------------------------

// RepoReferenceKind mirrors objdb.RepoReferenceKind; resolved output never
// contains RefImport (spec §4.2: "all Pin/Reference/ImportedReference —
// never Import").
type RepoReferenceKind int

const (
	RefPin RepoReferenceKind = iota
	RefReference
	RefImportedReference
)

type ResolvedRepoReference struct {
	Kind              RepoReferenceKind
	Repo              string
	Hash              string
	TrackingBranch    string
	Auto              bool
	Prioritize        bool
	ImportSourceChain []string
}

// ResolvedEnvironment is fully merged: mixins flattened, variables
// substituted, image inlined.
type ResolvedEnvironment struct {
	Variables    map[string]string
	Dependencies []ResolvedDependency
	Image        ResolvedImage
}

type ResolvedImage struct {
	DockerfileContents string // non-empty: build from these contents, tag by content hash
	AMI                string // non-empty: bare-machine, no container
}

// ResolvedDependencyKind discriminates a fully resolved dependency.
type ResolvedDependencyKind int

const (
	DepInternalBuild ResolvedDependencyKind = iota
	DepExternalBuild
	DepSource
)

// ResolvedDependency points at a concrete upstream artifact. For builds,
// TestHash is the dependency Test's own content hash (never its name),
// which is what makes the depending test's hash structural rather than
// name-sensitive (spec §8 "Test-hash stability").
type ResolvedDependency struct {
	Kind     ResolvedDependencyKind
	TestHash string // DepInternalBuild / DepExternalBuild
	Repo     string // DepExternalBuild / DepSource
	Hash     string // DepExternalBuild / DepSource: resolved commit hash
	Path     string // DepSource
	ExposeAs string
}

// ResolvedStage is one ordered execution phase after substitution.
type ResolvedStage struct {
	Command   string
	Cleanup   string
	Artifacts []string
	Order     int
}

// ResolvedTestDefinition is a single fully-resolved test, before its
// content hash is computed.
type ResolvedTestDefinition struct {
	Name          string
	Type          TestType
	OS            string
	Configuration string
	Environment   ResolvedEnvironment
	Stages        []ResolvedStage
	Artifacts     []string
	MinCores      int
	MinRAMGB      int
	Timeout       time.Duration
	MaxRetries    int
	RetryWait     time.Duration
	Dependencies  []ResolvedDependency
	RunsDesired   int
	Enabled       bool

	Hash string // filled by contentHash once dependencies are hash-resolved
}

// Result is the fully resolved per-commit output (spec §4.2).
type Result struct {
	RepoReferences map[string]ResolvedRepoReference
	Environments   map[string]ResolvedEnvironment
	Tests          map[string]*ResolvedTestDefinition
	NoTestsFound   bool
}
