package resolver

import (
	"context"
	"fmt"
	"regexp"
)

var substitutionPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// mergeEnvironments performs stage 4: synthesize per-test mixin
// environments, apply variable substitution over each environment's
// variables, dependency fields and image reference, inline Dockerfile
// contents, and reject cyclic mixin graphs (spec §4.2 stage 4). Stage
// commands, cleanups and artifact names are substituted later, when each
// test's definition is built (tests.go); artifact paths are not
// substituted, as the resolved output does not carry them.
func (r *Resolver) mergeEnvironments(ctx context.Context, src GitSource, hash string, envs map[string]RawEnvironment, tests map[string]taggedRawTest) (map[string]ResolvedEnvironment, error) {
	synthetic := map[string]RawEnvironment{}
	for name, env := range envs {
		synthetic[name] = env
	}
	// Stage 4a: for every test declaring mixins, construct the synthetic
	// "env + mixin1 + mixin2" environment it implies.
	for testName, t := range tests {
		if len(t.Mixins) == 0 {
			continue
		}
		key := syntheticEnvName(t.Environment, t.Mixins)
		if _, ok := synthetic[key]; ok {
			continue
		}
		flattened, err := flattenMixins(t.Environment, t.Mixins, envs)
		if err != nil {
			return nil, fmt.Errorf("resolver: resolving mixins for test %q: %w", testName, err)
		}
		synthetic[key] = flattened
	}

	resolved := map[string]ResolvedEnvironment{}
	for name, env := range synthetic {
		flat, err := flattenMixins(name, nil, synthetic)
		if err != nil {
			return nil, err
		}
		re, err := r.resolveEnvironment(ctx, src, hash, flat)
		if err != nil {
			return nil, err
		}
		resolved[name] = re
	}
	return resolved, nil
}

func syntheticEnvName(base string, mixins []string) string {
	name := base
	for _, m := range mixins {
		name += "+" + m
	}
	return name
}

// flattenMixins merges base's environment with each mixin's, in order,
// later mixins overriding earlier ones; detects cyclic mixin references.
func flattenMixins(base string, mixins []string, envs map[string]RawEnvironment) (RawEnvironment, error) {
	return flattenMixinsVisiting(base, mixins, envs, map[string]bool{})
}

func flattenMixinsVisiting(base string, mixins []string, envs map[string]RawEnvironment, visiting map[string]bool) (RawEnvironment, error) {
	if visiting[base] {
		return RawEnvironment{}, newResolutionError("cyclic environment mixin graph through %q", base)
	}
	visiting[base] = true
	defer delete(visiting, base)

	root, ok := envs[base]
	if !ok {
		return RawEnvironment{}, newResolutionError("undefined environment %q", base)
	}
	merged := RawEnvironment{
		Variables: map[string]string{},
	}
	apply := func(e RawEnvironment) {
		for k, v := range e.Variables {
			merged.Variables[k] = v
		}
		merged.Dependencies = append(merged.Dependencies, e.Dependencies...)
		if e.Image != nil {
			merged.Image = e.Image
		}
	}

	for _, m := range root.Mixins {
		flat, err := flattenMixinsVisiting(m, nil, envs, visiting)
		if err != nil {
			return RawEnvironment{}, err
		}
		apply(flat)
	}
	apply(root)

	for _, m := range mixins {
		flat, err := flattenMixinsVisiting(m, nil, envs, visiting)
		if err != nil {
			return RawEnvironment{}, err
		}
		apply(flat)
	}
	return merged, nil
}

func (r *Resolver) resolveEnvironment(ctx context.Context, src GitSource, hash string, raw RawEnvironment) (ResolvedEnvironment, error) {
	vars := substituteMap(raw.Variables, raw.Variables)

	deps := make([]ResolvedDependency, 0, len(raw.Dependencies))
	for _, d := range raw.Dependencies {
		deps = append(deps, rawDependencyToPlaceholder(d, vars))
	}

	img := ResolvedImage{}
	if raw.Image != nil {
		switch {
		case raw.Image.Dockerfile != "":
			contents, err := src.GetFileContents(ctx, hash, substitute(raw.Image.Dockerfile, vars))
			if err != nil {
				return ResolvedEnvironment{}, fmt.Errorf("resolver: reading Dockerfile %q: %w", raw.Image.Dockerfile, err)
			}
			img.DockerfileContents = string(contents)
		case raw.Image.AMI != "":
			img.AMI = substitute(raw.Image.AMI, vars)
		}
	}

	return ResolvedEnvironment{Variables: vars, Dependencies: deps, Image: img}, nil
}

// rawDependencyToPlaceholder substitutes variables into a dependency's
// static fields; the name-based fields are resolved to concrete hashes
// later, in resolveTests, once every test's own hash is known.
func rawDependencyToPlaceholder(d RawDependency, vars map[string]string) ResolvedDependency {
	switch {
	case d.InternalBuild != nil:
		return ResolvedDependency{Kind: DepInternalBuild, TestHash: d.InternalBuild.Name, ExposeAs: substitute(d.ExposeAs, vars)}
	case d.ExternalBuild != nil:
		return ResolvedDependency{Kind: DepExternalBuild, Repo: d.ExternalBuild.Repo, TestHash: d.ExternalBuild.Name, ExposeAs: substitute(d.ExposeAs, vars)}
	case d.Source != nil:
		return ResolvedDependency{Kind: DepSource, Repo: substitute(d.Source.Repo, vars), Path: substitute(d.Source.Path, vars), ExposeAs: substitute(d.ExposeAs, vars)}
	default:
		return ResolvedDependency{}
	}
}

func substitute(s string, vars map[string]string) string {
	return substitutionPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := substitutionPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

func substituteMap(m map[string]string, vars map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = substitute(v, vars)
	}
	return out
}
