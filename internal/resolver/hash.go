package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalTest is the structural view of a ResolvedTestDefinition that
// feeds the content hash: it deliberately omits Name (two tests with
// different names but identical resolved definitions must hash equal,
// spec §8 "Test-hash stability") and uses only already-hash-resolved
// dependencies (ResolvedDependency.TestHash), never dependency names.
type canonicalTest struct {
	Type          TestType
	OS            string
	Configuration string
	Environment   ResolvedEnvironment
	Stages        []ResolvedStage
	Artifacts     []string
	MinCores      int
	MinRAMGB      int
	TimeoutNanos  int64
	MaxRetries    int
	RetryWaitNanos int64
	Dependencies  []ResolvedDependency
}

// contentHash computes the stable, deterministic hash of a fully resolved
// test (spec §4.2 stage 5, §8 "Determinism of resolution").
func contentHash(def *ResolvedTestDefinition) (string, error) {
	sortedEnv := sortedEnvironment(def.Environment)
	c := canonicalTest{
		Type:           def.Type,
		OS:             def.OS,
		Configuration:  def.Configuration,
		Environment:    sortedEnv,
		Stages:         def.Stages,
		Artifacts:      append([]string(nil), def.Artifacts...),
		MinCores:       def.MinCores,
		MinRAMGB:       def.MinRAMGB,
		TimeoutNanos:   int64(def.Timeout),
		MaxRetries:     def.MaxRetries,
		RetryWaitNanos: int64(def.RetryWait),
		Dependencies:   def.Dependencies,
	}
	sort.Strings(c.Artifacts)

	encoded, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// sortedEnvironment returns a copy of env with map-backed fields flattened
// into a deterministic order, so json.Marshal's (already sorted) map key
// order is not the only thing standing between us and determinism once
// dependency slices are involved.
func sortedEnvironment(env ResolvedEnvironment) ResolvedEnvironment {
	deps := append([]ResolvedDependency(nil), env.Dependencies...)
	sort.Slice(deps, func(i, j int) bool {
		return depSortKey(deps[i]) < depSortKey(deps[j])
	})
	return ResolvedEnvironment{
		Variables:    env.Variables,
		Dependencies: deps,
		Image:        env.Image,
	}
}

func depSortKey(d ResolvedDependency) string {
	return string(rune(d.Kind)) + d.TestHash + d.Repo + d.Hash + d.Path + d.ExposeAs
}
