package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"
)

type testNode struct {
	name string
	def  *ResolvedTestDefinition
	env  ResolvedEnvironment // per-test finalized copy; Dependencies still placeholder until resolved
}

// resolveTests performs stage 5: resolve every dependency to a concrete
// target, reject cyclic test dependencies, validate artifact sets, cascade
// enablement, stable-sort stages, and assign each test's content hash
// (spec §4.2 stage 5).
func (r *Resolver) resolveTests(ctx context.Context, repo string, raw map[string]taggedRawTest, envs map[string]ResolvedEnvironment, repoRefs map[string]ResolvedRepoReference, prioritize []string) (map[string]*ResolvedTestDefinition, error) {
	nodes := map[string]*testNode{}
	for name, t := range raw {
		def, env, err := buildInitialDefinition(name, t, envs)
		if err != nil {
			return nil, err
		}
		nodes[name] = &testNode{name: name, def: def, env: env}
	}

	applyPrioritizeGlobs(nodes, prioritize)
	cascadeEnablement(nodes)

	order, err := topoSortByInternalBuild(nodes)
	if err != nil {
		return nil, err
	}

	for _, name := range order {
		node := nodes[name]
		resolvedDeps, err := r.resolveDependencies(ctx, repo, node.env.Dependencies, nodes, repoRefs)
		if err != nil {
			return nil, err
		}
		node.def.Dependencies = resolvedDeps
		node.def.Environment = ResolvedEnvironment{
			Variables:    node.env.Variables,
			Dependencies: resolvedDeps,
			Image:        node.env.Image,
		}
		if err := validateArtifacts(node.def); err != nil {
			return nil, fmt.Errorf("resolver: test %q: %w", name, err)
		}
		sortStages(node.def)

		h, err := contentHash(node.def)
		if err != nil {
			return nil, fmt.Errorf("resolver: hashing test %q: %w", name, err)
		}
		node.def.Hash = h
	}

	out := make(map[string]*ResolvedTestDefinition, len(nodes))
	for name, node := range nodes {
		out[name] = node.def
	}
	return out, nil
}

func buildInitialDefinition(name string, t taggedRawTest, envs map[string]ResolvedEnvironment) (*ResolvedTestDefinition, ResolvedEnvironment, error) {
	envName := t.Environment
	if len(t.Mixins) > 0 {
		envName = syntheticEnvName(t.Environment, t.Mixins)
	}
	var env ResolvedEnvironment
	if envName != "" {
		var ok bool
		env, ok = envs[envName]
		if !ok {
			return nil, ResolvedEnvironment{}, newResolutionError("test %q references undefined environment %q", name, envName)
		}
	}

	stages := make([]ResolvedStage, 0, len(t.Stages))
	for _, s := range t.Stages {
		vars := mergeVars(env.Variables, t.Variables)
		artifacts := make([]string, 0, len(s.Artifacts))
		for _, a := range s.Artifacts {
			artifacts = append(artifacts, substitute(a.Name, vars))
		}
		stages = append(stages, ResolvedStage{
			Command:   substitute(s.Command, vars),
			Cleanup:   substitute(s.Cleanup, vars),
			Artifacts: artifacts,
			Order:     s.Order,
		})
	}

	runsDesired := t.RunsDesired
	if runsDesired == 0 {
		runsDesired = 1
	}

	def := &ResolvedTestDefinition{
		Name:          name,
		Type:          t.Type,
		OS:            t.OS,
		Configuration: t.Configuration,
		Stages:        stages,
		MinCores:      t.MinCores,
		MinRAMGB:      t.MinRAMGB,
		Timeout:       time.Duration(t.TimeoutSeconds) * time.Second,
		MaxRetries:    t.MaxRetries,
		RetryWait:     time.Duration(t.RetryWaitSeconds) * time.Second,
		RunsDesired:   runsDesired,
		Enabled:       !t.Disabled,
	}
	return def, env, nil
}

func mergeVars(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func applyPrioritizeGlobs(nodes map[string]*testNode, globs []string) {
	if len(globs) == 0 {
		return
	}
	for name, node := range nodes {
		matched := false
		for _, g := range globs {
			if ok, _ := filepath.Match(g, name); ok {
				matched = true
				break
			}
		}
		if !matched {
			node.def.Enabled = false
		}
	}
}

// cascadeEnablement enables any disabled test reachable, via InternalBuild
// dependency edges, from an enabled test (spec §4.2 stage 5).
func cascadeEnablement(nodes map[string]*testNode) {
	changed := true
	for changed {
		changed = false
		for _, node := range nodes {
			if !node.def.Enabled {
				continue
			}
			for _, dep := range node.env.Dependencies {
				if dep.Kind != DepInternalBuild {
					continue
				}
				target, ok := nodes[dep.TestHash] // still a name at this point
				if ok && !target.def.Enabled {
					target.def.Enabled = true
					changed = true
				}
			}
		}
	}
}

// topoSortByInternalBuild orders tests so every InternalBuild dependency is
// processed before its dependent, rejecting cycles (spec §4.2 stage 5
// "Reject cyclic test dependencies").
func topoSortByInternalBuild(nodes map[string]*testNode) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return newResolutionError("cyclic test dependency involving %q", name)
		}
		color[name] = gray
		node, ok := nodes[name]
		if ok {
			for _, dep := range node.env.Dependencies {
				if dep.Kind != DepInternalBuild {
					continue
				}
				if _, exists := nodes[dep.TestHash]; !exists {
					return newResolutionError("test %q depends on undefined internal build %q", name, dep.TestHash)
				}
				if err := visit(dep.TestHash); err != nil {
					return err
				}
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (r *Resolver) resolveDependencies(ctx context.Context, repo string, deps []ResolvedDependency, nodes map[string]*testNode, repoRefs map[string]ResolvedRepoReference) ([]ResolvedDependency, error) {
	out := make([]ResolvedDependency, 0, len(deps))
	for _, d := range deps {
		switch d.Kind {
		case DepInternalBuild:
			target, ok := nodes[d.TestHash]
			if !ok {
				return nil, newResolutionError("undefined internal build %q", d.TestHash)
			}
			out = append(out, ResolvedDependency{Kind: DepInternalBuild, TestHash: target.def.Hash, ExposeAs: d.ExposeAs})

		case DepExternalBuild:
			targetRepo, targetHash, err := r.dereferenceRepoName(d.Repo, repoRefs)
			if err != nil {
				return nil, err
			}
			external, err := r.Resolve(ctx, targetRepo, targetHash)
			if err != nil {
				return nil, err
			}
			build, ok := external.Tests[d.TestHash]
			if !ok {
				return nil, &MissingDependencyError{Repo: targetRepo, Hash: targetHash}
			}
			out = append(out, ResolvedDependency{Kind: DepExternalBuild, Repo: targetRepo, Hash: targetHash, TestHash: build.Hash, ExposeAs: d.ExposeAs})

		case DepSource:
			targetRepo, targetHash := repo, ""
			if d.Repo != "" {
				var err error
				targetRepo, targetHash, err = r.dereferenceRepoName(d.Repo, repoRefs)
				if err != nil {
					return nil, err
				}
			}
			if d.Path != "" {
				src, err := r.lookup(targetRepo)
				if err != nil {
					return nil, &MissingDependencyError{Repo: targetRepo}
				}
				mostRecent, err := src.MostRecentHashForSubpath(ctx, targetHash, d.Path)
				if err != nil {
					return nil, fmt.Errorf("resolver: resolving source subpath %q in %s: %w", d.Path, targetRepo, err)
				}
				targetHash = mostRecent
			}
			out = append(out, ResolvedDependency{Kind: DepSource, Repo: targetRepo, Hash: targetHash, Path: d.Path, ExposeAs: d.ExposeAs})
		}
	}
	return out, nil
}

func (r *Resolver) dereferenceRepoName(name string, repoRefs map[string]ResolvedRepoReference) (repo, hash string, err error) {
	ref, ok := repoRefs[name]
	if !ok {
		return "", "", newResolutionError("undefined repo reference %q", name)
	}
	if ref.Hash == "HEAD" {
		return "", "", newResolutionError("repo reference %q uses the HEAD sentinel, which requires live branch-head substitution outside the resolver's pure (repo,hash) contract", name)
	}
	return ref.Repo, ref.Hash, nil
}

// validateArtifacts enforces: no duplicate artifact names, and the unnamed
// artifact cannot coexist with named ones (spec §4.2 stage 5).
func validateArtifacts(def *ResolvedTestDefinition) error {
	seen := map[string]bool{}
	hasUnnamed := false
	hasNamed := false
	var all []string
	for _, s := range def.Stages {
		for _, name := range s.Artifacts {
			if name == "" {
				hasUnnamed = true
			} else {
				hasNamed = true
				if seen[name] {
					return newResolutionError("duplicate artifact name %q", name)
				}
				seen[name] = true
			}
			all = append(all, name)
		}
	}
	if hasUnnamed && hasNamed {
		return newResolutionError("the unnamed artifact cannot coexist with named artifacts")
	}
	def.Artifacts = all
	return nil
}

func sortStages(def *ResolvedTestDefinition) {
	sort.SliceStable(def.Stages, func(i, j int) bool {
		return def.Stages[i].Order < def.Stages[j].Order
	})
}

