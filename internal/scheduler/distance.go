package scheduler

import "github.com/mattsgit/test-looper/internal/objdb"

// DistanceForCommitInBranch walks parent edges breadth-first from branch's
// head looking for commit, returning the number of hops on first match.
// Unlike the Python original this takes maxSearchDepth explicitly rather
// than reading an undefined global (spec §9 Open Question 1): the search
// gives up and reports (0, false) once maxSearchDepth hops have been
// explored without a match.
func DistanceForCommitInBranch(v *objdb.View, branch objdb.BranchID, commit objdb.CommitID, maxSearchDepth int) (int, bool) {
	b, ok := v.GetBranch(branch)
	if !ok || b.Head.Repo != commit.Repo {
		return 0, false
	}
	if b.Head == commit {
		return 0, true
	}

	type frontierNode struct {
		id    objdb.CommitID
		depth int
	}
	seen := map[objdb.CommitID]bool{b.Head: true}
	queue := []frontierNode{{id: b.Head, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxSearchDepth {
			continue
		}
		c, ok := v.GetCommit(cur.id)
		if !ok || c.Data == nil {
			continue
		}
		for _, parentHash := range c.Data.Parents {
			parent := objdb.CommitID{Repo: cur.id.Repo, Hash: parentHash}
			if seen[parent] {
				continue
			}
			seen[parent] = true
			if parent == commit {
				return cur.depth + 1, true
			}
			queue = append(queue, frontierNode{id: parent, depth: cur.depth + 1})
		}
	}
	return 0, false
}

// DistanceForCommitInBranch is the Scheduler-bound form, closing over the
// configured MaxSearchDepth so callers never have to thread the bound
// through themselves.
func (s *Scheduler) DistanceForCommitInBranch(v *objdb.View, branch objdb.BranchID, commit objdb.CommitID) (int, bool) {
	return DistanceForCommitInBranch(v, branch, commit, s.MaxSearchDepth)
}

// updateAnyBranch sets Commit.anyBranch to whichever of the repo's
// branches reaches this commit in the fewest hops, the Go equivalent of
// Git.closestBranchFor in the original implementation. It is best-effort
// (spec §3: "not used for lifetime control") and left nil if no tracked
// branch reaches the commit within MaxSearchDepth.
func (s *Scheduler) updateAnyBranch(t *objdb.Txn, id objdb.CommitID) {
	c, ok := t.View().GetCommit(id)
	if !ok {
		return
	}
	var best *objdb.BranchID
	bestDistance := -1
	for _, b := range t.View().BranchesForRepo(id.Repo) {
		distance, found := s.DistanceForCommitInBranch(t.View(), b.ID, id)
		if !found {
			continue
		}
		if bestDistance == -1 || distance < bestDistance {
			bestDistance = distance
			branchID := b.ID
			best = &branchID
		}
	}
	if best != nil {
		c.AnyBranch = best
	}
}
