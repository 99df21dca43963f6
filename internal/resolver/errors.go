package resolver

import "fmt"

// ResolutionError is a terminal, user-facing misconfiguration (spec §4.2
// "Errors", §7 "Resolution error"). It is stored verbatim on
// CommitData.testDefinitionsError and never retried.
type ResolutionError struct {
	Message string
}

func (e *ResolutionError) Error() string { return e.Message }

func newResolutionError(format string, args ...any) *ResolutionError {
	return &ResolutionError{Message: fmt.Sprintf(format, args...)}
}

// MissingDependencyError signals that a referenced commit has not yet been
// fetched into the Git cache (spec §4.2 "Errors", §7 "Missing dependency").
// The scheduler treats this as a retry signal, not a parse failure.
type MissingDependencyError struct {
	Repo string
	Hash string // empty if the whole repo is unknown
}

func (e *MissingDependencyError) Error() string {
	if e.Hash == "" {
		return fmt.Sprintf("repo %q is not yet available", e.Repo)
	}
	return fmt.Sprintf("commit %s@%s is not yet available", e.Repo, e.Hash)
}
