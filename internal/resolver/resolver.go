package resolver

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// maxIncludeAttempts bounds include expansion so a cyclic include graph
// terminates with a ResolutionError instead of looping forever (spec §4.2
// stage 3, §8 "Include cycle rejection").
const maxIncludeAttempts = 128

// GitSource is the subset of the Git cache the resolver depends on. It is
// satisfied by *gitcache.Repo.
type GitSource interface {
	GetTestDefinitionsPath(ctx context.Context, hash string) (string, bool, error)
	GetFileContents(ctx context.Context, hash, path string) ([]byte, error)
	MostRecentHashForSubpath(ctx context.Context, baseHash, path string) (string, error)
}

// GitLookup resolves a repo name to its Git cache handle (spec §4.2
// "gitRepoLookup(repoName) -> GitCache").
type GitLookup func(repoName string) (GitSource, error)

type cacheKey struct {
	repo string
	hash string
}

// Resolver is the Test-Definition Resolver (spec §4.2). It caches results
// by (repo, hash) so repeated resolution of the same commit — including
// recursive resolution triggered by ExternalBuild dependencies — is cheap
// and, per the purity requirement, always returns the same answer.
type Resolver struct {
	lookup GitLookup

	mu    sync.Mutex
	cache map[cacheKey]*Result
}

func New(lookup GitLookup) *Resolver {
	return &Resolver{lookup: lookup, cache: map[cacheKey]*Result{}}
}

// LookupTestDefinition finds a previously resolved test by its content
// hash across every (repo, commit) Result this Resolver has cached. It
// lets a dispatcher recover the full stage/environment definition behind
// a Test content hash recorded in objdb, which only persists the
// scheduling-relevant summary (spec §4.3.3 "a descriptor containing the
// resolved test definition").
func (r *Resolver) LookupTestDefinition(hash string) (*ResolvedTestDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, result := range r.cache {
		for _, def := range result.Tests {
			if def.Hash == hash {
				return def, true
			}
		}
	}
	return nil, false
}

// Resolve produces the canonical hashed test graph for (repo, hash). A
// *MissingDependencyError bubbling out means the scheduler should retry
// later; a *ResolutionError means the commit's definitions are
// permanently broken until a new commit fixes them.
func (r *Resolver) Resolve(ctx context.Context, repo, hash string) (*Result, error) {
	key := cacheKey{repo: repo, hash: hash}

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	result, err := r.resolveUncached(ctx, repo, hash)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = result
	r.mu.Unlock()
	return result, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, repo, hash string) (*Result, error) {
	src, err := r.lookup(repo)
	if err != nil {
		return nil, &MissingDependencyError{Repo: repo}
	}

	// Stage 1: raw extraction.
	defPath, found, err := src.GetTestDefinitionsPath(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("resolver: locating definitions file for %s@%s: %w", repo, hash, err)
	}
	if !found {
		return &Result{
			RepoReferences: map[string]ResolvedRepoReference{},
			Environments:   map[string]ResolvedEnvironment{},
			Tests:          map[string]*ResolvedTestDefinition{},
			NoTestsFound:   true,
		}, nil
	}

	root, err := r.readAndParse(ctx, src, hash, defPath, true)
	if err != nil {
		return nil, err
	}

	merged, err := r.expandIncludes(ctx, repo, hash, defPath, root, src)
	if err != nil {
		return nil, err
	}

	repoRefs, err := resolveRepoReferences(merged.repos)
	if err != nil {
		return nil, err
	}

	envs, err := r.mergeEnvironments(ctx, src, hash, merged.environments, merged.tests)
	if err != nil {
		return nil, err
	}

	tests, err := r.resolveTests(ctx, repo, merged.tests, envs, repoRefs, merged.prioritize)
	if err != nil {
		return nil, err
	}

	return &Result{
		RepoReferences: repoRefs,
		Environments:   envs,
		Tests:          tests,
	}, nil
}

func (r *Resolver) readAndParse(ctx context.Context, src GitSource, hash, defPath string, isRoot bool) (*RawDefinitionFile, error) {
	content, err := src.GetFileContents(ctx, hash, defPath)
	if err != nil {
		return nil, fmt.Errorf("resolver: reading %s: %w", defPath, err)
	}
	return parseDefinitionFile(defPath, content, isRoot)
}

// mergedDefinitions is the accumulated, name-deduplicated union of a root
// definitions file and everything it transitively includes (spec §4.2
// stage 3).
type mergedDefinitions struct {
	repos        map[string]RawRepoReference
	environments map[string]RawEnvironment
	tests        map[string]taggedRawTest
	prioritize   []string
}

type taggedRawTest struct {
	RawTest
	Type TestType
}

type includeKey struct {
	repo string
	hash string
	path string
	vars string // canonicalized variables, for (repo,hash,path,vars) dedup
}

// expandIncludes performs stage 3: BFS over the include queue, merging
// each included file's repos/environments/tests into one namespace while
// rejecting duplicate name definitions, cyclic/excessive includes, auto
// repos used as include targets, and per-test prioritize attempts from
// non-root files.
func (r *Resolver) expandIncludes(ctx context.Context, rootRepo, rootHash, rootPath string, root *RawDefinitionFile, rootSrc GitSource) (*mergedDefinitions, error) {
	merged := &mergedDefinitions{
		repos:        map[string]RawRepoReference{},
		environments: map[string]RawEnvironment{},
		tests:        map[string]taggedRawTest{},
	}
	if err := mergeInto(merged, root); err != nil {
		return nil, err
	}

	type pending struct {
		repo, hash, path string
		vars             map[string]string
		src              GitSource
		dir              string
	}

	queue := make([]pending, 0, len(root.Includes))
	for _, inc := range root.Includes {
		targetRepo, targetHash, targetSrc, targetDir, err := r.locateIncludeTarget(ctx, inc.Path, rootRepo, rootHash, path.Dir(rootPath), merged.repos, rootSrc)
		if err != nil {
			return nil, err
		}
		queue = append(queue, pending{repo: targetRepo, hash: targetHash, path: resolveIncludePath(inc.Path, targetRepo, targetDir), vars: inc.Variables, src: targetSrc, dir: targetDir})
	}

	seen := map[includeKey]bool{}
	attempts := 0
	for len(queue) > 0 {
		attempts++
		if attempts > maxIncludeAttempts {
			return nil, newResolutionError("Exceeded the maximum number of file includes: %d", maxIncludeAttempts)
		}

		next := queue[0]
		queue = queue[1:]

		file, err := r.readAndParse(ctx, next.src, next.hash, next.path, false)
		if err != nil {
			return nil, err
		}

		// A repeated (repo,hash,path,vars) is merged only once, but its
		// includes are still expanded, so a cycle runs into the cap above.
		key := includeKey{repo: next.repo, hash: next.hash, path: next.path, vars: canonicalizeVars(next.vars)}
		if !seen[key] {
			seen[key] = true
			if err := mergeInto(merged, file); err != nil {
				return nil, err
			}
		}

		for _, inc := range file.Includes {
			targetRepo, targetHash, targetSrc, targetDir, err := r.locateIncludeTarget(ctx, inc.Path, next.repo, next.hash, next.dir, merged.repos, next.src)
			if err != nil {
				return nil, err
			}
			queue = append(queue, pending{repo: targetRepo, hash: targetHash, path: resolveIncludePath(inc.Path, targetRepo, targetDir), vars: inc.Variables, src: targetSrc, dir: targetDir})
		}
	}

	return merged, nil
}

// resolveIncludePath applies the include path syntax (spec §4.2 stage 3):
// leading "/" is the current repo's root; "./"/"../" is relative to the
// defining file's directory; "<reponame>/..." targets another repo (the
// reponame prefix is stripped here; locateIncludeTarget handles dispatch).
func resolveIncludePath(p, repo, dir string) string {
	switch {
	case strings.HasPrefix(p, "/"):
		return strings.TrimPrefix(p, "/")
	case strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../"):
		return path.Clean(path.Join(dir, p))
	default:
		// "<reponame>/..." form: strip the leading repo segment, the
		// remainder is root-relative in the target repo.
		if idx := strings.IndexByte(p, '/'); idx >= 0 {
			return p[idx+1:]
		}
		return p
	}
}

// locateIncludeTarget decides which (repo, hash) an include resolves
// against: the current repo/commit for "/" and "./" forms, or another
// already-defined repo reference for "<reponame>/..." forms.
func (r *Resolver) locateIncludeTarget(ctx context.Context, p, curRepo, curHash, curDir string, repos map[string]RawRepoReference, curSrc GitSource) (repo, hash string, src GitSource, dir string, err error) {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") {
		return curRepo, curHash, curSrc, curDir, nil
	}
	idx := strings.IndexByte(p, '/')
	if idx < 0 {
		return curRepo, curHash, curSrc, curDir, nil
	}
	reponame := p[:idx]
	ref, ok := repos[reponame]
	if !ok {
		return "", "", nil, "", newResolutionError("include %q references undefined repo %q", p, reponame)
	}
	resolved, err := resolveOneRepoReference(reponame, repos, map[string]bool{})
	if err != nil {
		return "", "", nil, "", err
	}
	if resolved.Auto {
		return "", "", nil, "", newResolutionError("include %q targets repo %q, which is marked auto", p, reponame)
	}
	targetSrc, lookupErr := r.lookup(resolved.Repo)
	if lookupErr != nil {
		return "", "", nil, "", &MissingDependencyError{Repo: resolved.Repo}
	}
	_ = ref
	return resolved.Repo, resolved.Hash, targetSrc, ".", nil
}

func mergeInto(m *mergedDefinitions, file *RawDefinitionFile) error {
	if len(file.Prioritize) > 0 {
		m.prioritize = file.Prioritize
	}
	for name, ref := range file.Repos {
		if _, exists := m.repos[name]; exists {
			return newResolutionError("repo reference %q is defined more than once", name)
		}
		m.repos[name] = ref
	}
	for name, env := range file.Environments {
		if _, exists := m.environments[name]; exists {
			return newResolutionError("environment %q is defined more than once", name)
		}
		m.environments[name] = env
	}
	if err := mergeTestMap(m.tests, file.Builds, TestTypeBuild); err != nil {
		return err
	}
	if err := mergeTestMap(m.tests, file.Tests, TestTypeTest); err != nil {
		return err
	}
	if err := mergeTestMap(m.tests, file.Deployments, TestTypeDeployment); err != nil {
		return err
	}
	return nil
}

func mergeTestMap(dst map[string]taggedRawTest, src map[string]RawTest, typ TestType) error {
	for name, t := range src {
		if _, exists := dst[name]; exists {
			return newResolutionError("test %q is defined more than once", name)
		}
		dst[name] = taggedRawTest{RawTest: t, Type: typ}
	}
	return nil
}

func canonicalizeVars(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(vars[k])
		b.WriteByte(';')
	}
	return b.String()
}
