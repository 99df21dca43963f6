package resolver

// resolveRepoReferences performs stage 2: resolve every symbolic Import ref
// in the merged repos map through its chain until a concrete
// Reference/Pin is reached, rejecting cycles (spec §4.2 stage 2, §8
// "Include cycle rejection" covers file includes; this covers reference
// chains specifically).
func resolveRepoReferences(repos map[string]RawRepoReference) (map[string]ResolvedRepoReference, error) {
	resolved := map[string]ResolvedRepoReference{}
	for name := range repos {
		r, err := resolveOneRepoReference(name, repos, map[string]bool{})
		if err != nil {
			return nil, err
		}
		resolved[name] = r
	}
	return resolved, nil
}

func resolveOneRepoReference(name string, repos map[string]RawRepoReference, visiting map[string]bool) (ResolvedRepoReference, error) {
	if visiting[name] {
		return ResolvedRepoReference{}, newResolutionError("cyclic repo reference chain through %q", name)
	}
	raw, ok := repos[name]
	if !ok {
		return ResolvedRepoReference{}, newResolutionError("undefined repo reference %q", name)
	}

	switch {
	case raw.Pin != nil:
		return ResolvedRepoReference{
			Kind:           RefPin,
			Repo:           raw.Pin.Repo,
			Hash:           raw.Pin.To,
			TrackingBranch: raw.Pin.Branch,
			Auto:           raw.Pin.Auto,
			Prioritize:     raw.Pin.Prioritize,
		}, nil

	case raw.Reference != nil:
		return ResolvedRepoReference{
			Kind: RefReference,
			Repo: raw.Reference.Repo,
			Hash: raw.Reference.Hash,
		}, nil

	case raw.HEAD != nil:
		return ResolvedRepoReference{
			Kind: RefReference,
			Repo: raw.HEAD.Repo,
			Hash: "HEAD",
		}, nil

	case raw.Import != "":
		visiting[name] = true
		target, err := resolveOneRepoReference(raw.Import, repos, visiting)
		if err != nil {
			return ResolvedRepoReference{}, err
		}
		delete(visiting, name)
		chain := append(append([]string(nil), target.ImportSourceChain...), raw.Import)
		return ResolvedRepoReference{
			Kind:              RefImportedReference,
			Repo:              target.Repo,
			Hash:              target.Hash,
			TrackingBranch:    target.TrackingBranch,
			Auto:              target.Auto,
			Prioritize:        target.Prioritize,
			ImportSourceChain: chain,
		}, nil

	default:
		return ResolvedRepoReference{}, newResolutionError("repo reference %q declares none of pin/reference/import/head", name)
	}
}
