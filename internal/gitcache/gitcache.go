// Package gitcache provides per-repo local clones and worktree creation,
// plus commit/file/branch queries, for the Definition Resolver and the
// Test Manager's branch-refresh tasks (spec §4, §6 "Git cache interface").
//
// Out-of-process git invocations are shelled out the way
// openshift-ci-tools' pkg/git.Repo does (exec.Command, with
// retry-with-backoff on network operations). The per-repo lock is held
// only by EnsureCloned and IsInitialized, and the bounded fetch pool
// (Cache.fetchSem, taken through Cache.acquire) only by EnsureCloned's
// clone/fetch; the other git commands run outside both.
package gitcache

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CommitData is the subset of git metadata the resolver and scheduler need
// per commit (spec §6 "gitCommitData").
type CommitData struct {
	Hash      string
	Parents   []string
	Timestamp time.Time
	Subject   string
	Message   string
	Author    string
	Email     string
}

// Repo is a single cloned repository. Its mutex (not reentrant) serializes
// EnsureCloned and IsInitialized only; the query, commit and push methods
// do not take it, so their shell-outs can run concurrently against the
// same repository.
type Repo struct {
	name string
	dir  string
	url  string

	mu     sync.Mutex
	cloned bool

	log *logrus.Entry
}

// Cache owns one Repo per name and a bounded pool that EnsureCloned's
// clone/fetch passes through, so a burst of fetches cannot starve the
// scheduler's other I/O (spec §5, default pool size 8). Other git commands
// do not go through the pool.
type Cache struct {
	baseDir string
	log     *logrus.Entry

	mu    sync.Mutex
	repos map[string]*Repo

	fetchSem chan struct{}
}

// New constructs a Cache rooted at baseDir with a bounded concurrent-fetch
// pool of the given size (spec §5 default: 8).
func New(baseDir string, poolSize int, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Cache{
		baseDir:  baseDir,
		log:      log.WithField("component", "gitcache"),
		repos:    map[string]*Repo{},
		fetchSem: make(chan struct{}, poolSize),
	}
}

// Lookup returns the Repo for name, constructing a not-yet-cloned one on
// first use. This is the gitRepoLookup callback the resolver depends on
// (spec §4.2).
func (c *Cache) Lookup(name, cloneURL string) *Repo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.repos[name]; ok {
		return r
	}
	r := &Repo{
		name: name,
		dir:  filepath.Join(c.baseDir, name),
		url:  cloneURL,
		log:  c.log.WithField("repo", name),
	}
	c.repos[name] = r
	return r
}

func (c *Cache) acquire() func() {
	c.fetchSem <- struct{}{}
	return func() { <-c.fetchSem }
}

// EnsureCloned clones the repo if it hasn't been cloned yet, then fetches
// the origin remote (spec §6 "isInitialized", "cloneFrom", "fetchOrigin").
func (r *Repo) EnsureCloned(ctx context.Context, c *Cache) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	release := c.acquire()
	defer release()

	if !r.cloned {
		if err := os.MkdirAll(filepath.Dir(r.dir), 0o755); err != nil {
			return fmt.Errorf("gitcache: creating parent dir for %s: %w", r.name, err)
		}
		if _, err := os.Stat(r.dir); os.IsNotExist(err) {
			if _, err := retryGit(ctx, r.log, "", "clone", "--bare", r.url, r.dir); err != nil {
				return fmt.Errorf("gitcache: cloning %s: %w", r.name, err)
			}
		}
		r.cloned = true
	}
	if _, err := retryGit(ctx, r.log, r.dir, "fetch", "origin", "+refs/heads/*:refs/remotes/origin/*"); err != nil {
		return fmt.Errorf("gitcache: fetching %s: %w", r.name, err)
	}
	return nil
}

// IsInitialized reports whether EnsureCloned has succeeded at least once.
func (r *Repo) IsInitialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cloned
}

// ListBranchesForRemote returns branchname -> hash for the origin remote
// (spec §6 "listBranchesForRemote").
func (r *Repo) ListBranchesForRemote(ctx context.Context) (map[string]string, error) {
	out, err := r.git(ctx, "for-each-ref", "--format=%(refname:short) %(objectname)", "refs/remotes/origin")
	if err != nil {
		return nil, fmt.Errorf("gitcache: listing branches for %s: %w", r.name, err)
	}
	result := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := strings.TrimPrefix(fields[0], "origin/")
		result[name] = fields[1]
	}
	return result, nil
}

// CommitExists reports whether hash is present in the local clone.
func (r *Repo) CommitExists(ctx context.Context, hash string) bool {
	_, err := r.git(ctx, "cat-file", "-e", hash)
	return err == nil
}

// GitCommitData fetches parents/subject/message/author/timestamp for one
// commit (spec §6 "gitCommitData").
func (r *Repo) GitCommitData(ctx context.Context, hash string) (CommitData, error) {
	const sep = "\x1f"
	format := strings.Join([]string{"%H", "%P", "%at", "%s", "%an", "%ae", "%B"}, sep)
	out, err := r.git(ctx, "show", "-s", "--format="+format, hash)
	if err != nil {
		return CommitData{}, fmt.Errorf("gitcache: reading commit %s in %s: %w", hash, r.name, err)
	}
	fields := strings.SplitN(strings.TrimRight(out, "\n"), sep, 7)
	if len(fields) < 7 {
		return CommitData{}, fmt.Errorf("gitcache: malformed git show output for %s", hash)
	}
	var ts time.Time
	if secs, convErr := parseUnix(fields[2]); convErr == nil {
		ts = secs
	}
	var parents []string
	if strings.TrimSpace(fields[1]) != "" {
		parents = strings.Fields(fields[1])
	}
	return CommitData{
		Hash:      fields[0],
		Parents:   parents,
		Timestamp: ts,
		Subject:   fields[3],
		Author:    fields[4],
		Email:     fields[5],
		Message:   fields[6],
	}, nil
}

// GitCommitDataMulti walks `depth` ancestors starting at hash (spec §6
// "gitCommitDataMulti"), ordered nearest-first.
func (r *Repo) GitCommitDataMulti(ctx context.Context, hash string, depth int) ([]CommitData, error) {
	out, err := r.git(ctx, "rev-list", fmt.Sprintf("--max-count=%d", depth), hash)
	if err != nil {
		return nil, fmt.Errorf("gitcache: rev-list for %s in %s: %w", hash, r.name, err)
	}
	var result []CommitData
	for _, h := range strings.Fields(out) {
		data, err := r.GitCommitData(ctx, h)
		if err != nil {
			return nil, err
		}
		result = append(result, data)
	}
	return result, nil
}

// GetFileContents returns the contents of path as it existed at hash (spec
// §6 "getFileContents").
func (r *Repo) GetFileContents(ctx context.Context, hash, path string) ([]byte, error) {
	out, err := r.gitBytes(ctx, "show", fmt.Sprintf("%s:%s", hash, path))
	if err != nil {
		return nil, fmt.Errorf("gitcache: reading %s at %s in %s: %w", path, hash, r.name, err)
	}
	return out, nil
}

// MostRecentHashForSubpath finds the most recent commit that touched path,
// reachable from baseHash (spec §6, and resolver stage 5 Source
// substitution).
func (r *Repo) MostRecentHashForSubpath(ctx context.Context, baseHash, path string) (string, error) {
	out, err := r.git(ctx, "log", "-n1", "--format=%H", baseHash, "--", path)
	if err != nil {
		return "", fmt.Errorf("gitcache: most recent hash for %s in %s: %w", path, r.name, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("gitcache: no commit touched %q reachable from %s", path, baseHash)
	}
	return out, nil
}

// ResetToCommitInDirectory materializes hash's tree into dir via a
// dedicated worktree (spec §6 "resetToCommitInDirectory", §4.5 Source
// dependency materialization).
func (r *Repo) ResetToCommitInDirectory(ctx context.Context, hash, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("gitcache: preparing worktree parent for %s: %w", r.name, err)
	}
	if _, err := r.git(ctx, "worktree", "add", "--detach", "--force", dir, hash); err != nil {
		return fmt.Errorf("gitcache: creating worktree for %s at %s: %w", r.name, hash, err)
	}
	return nil
}

// CreateCommit builds a new commit on top of baseHash with fileContents
// applied, returning its hash (spec §6 "createCommit"; used by
// UpdateBranchPins to author pin-update commits).
func (r *Repo) CreateCommit(ctx context.Context, baseHash string, fileContents map[string][]byte, message, author string, ts time.Time) (string, error) {
	scratch, err := os.MkdirTemp("", "looper-commit-*")
	if err != nil {
		return "", fmt.Errorf("gitcache: scratch dir for commit in %s: %w", r.name, err)
	}
	defer os.RemoveAll(scratch)

	if err := r.ResetToCommitInDirectory(ctx, baseHash, scratch); err != nil {
		return "", err
	}
	for path, contents := range fileContents {
		full := filepath.Join(scratch, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", fmt.Errorf("gitcache: writing %s: %w", path, err)
		}
		if err := os.WriteFile(full, contents, 0o644); err != nil {
			return "", fmt.Errorf("gitcache: writing %s: %w", path, err)
		}
	}
	cmd := exec.CommandContext(ctx, "git", "add", "-A")
	cmd.Dir = scratch
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("gitcache: git add in %s: %w. output: %s", r.name, err, out)
	}
	env := append(os.Environ(),
		"GIT_AUTHOR_NAME="+author, "GIT_COMMITTER_NAME="+author,
		fmt.Sprintf("GIT_AUTHOR_DATE=%d", ts.Unix()), fmt.Sprintf("GIT_COMMITTER_DATE=%d", ts.Unix()))
	cmd = exec.CommandContext(ctx, "git", "commit", "-m", message)
	cmd.Dir = scratch
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("gitcache: git commit in %s: %w. output: %s", r.name, err, out)
	}
	head, err := r.revParseIn(ctx, scratch, "HEAD")
	if err != nil {
		return "", err
	}
	if _, err := r.git(ctx, "fetch", scratch, "HEAD:refs/looper/pending/"+head); err != nil {
		return "", fmt.Errorf("gitcache: importing authored commit into %s: %w", r.name, err)
	}
	return head, nil
}

// PushCommit pushes hash to branch on the origin remote (spec §6
// "pushCommit").
func (r *Repo) PushCommit(ctx context.Context, hash, branch string, force, createBranch bool) (bool, error) {
	refspec := fmt.Sprintf("%s:refs/heads/%s", hash, branch)
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "origin", refspec)
	if _, err := retryGit(ctx, r.log, r.dir, args...); err != nil {
		if !createBranch {
			r.log.WithError(err).WithField("branch", branch).Warn("push failed")
			return false, nil
		}
		return false, fmt.Errorf("gitcache: pushing %s to %s: %w", hash, branch, err)
	}
	return true, nil
}

// recognizedDefinitionNames lists the test-definition filenames/extensions
// the resolver accepts (spec §6 "Test-definition file").
var recognizedDefinitionNames = []string{"testDefinitions.json", "testDefinitions.yml"}

// GetTestDefinitionsPath locates the definition file in a commit: any
// recognized name/extension, or a "*.testlooper.yml" file, preferring the
// shallowest path and, among ties, the lexicographically earliest (spec §6,
// §4.2 stage 1).
func (r *Repo) GetTestDefinitionsPath(ctx context.Context, hash string) (string, bool, error) {
	out, err := r.git(ctx, "ls-tree", "-r", "--name-only", hash)
	if err != nil {
		return "", false, fmt.Errorf("gitcache: listing tree for %s in %s: %w", hash, r.name, err)
	}
	var best string
	bestDepth := -1
	for _, path := range strings.Split(out, "\n") {
		if path == "" {
			continue
		}
		base := filepath.Base(path)
		matches := strings.HasSuffix(base, ".testlooper.yml")
		for _, name := range recognizedDefinitionNames {
			if base == name {
				matches = true
			}
		}
		if !matches {
			continue
		}
		depth := strings.Count(path, "/")
		if best == "" || depth < bestDepth || (depth == bestDepth && path < best) {
			best = path
			bestDepth = depth
		}
	}
	if best == "" {
		return "", false, nil
	}
	return best, true, nil
}

// StandardCommitMessageFor produces the default message used for
// machine-authored commits (pin updates, etc.) (spec §6
// "standardCommitMessageFor").
func (r *Repo) StandardCommitMessageFor(hash string) string {
	return fmt.Sprintf("test-looper: update pin to %s", hash)
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	out, err := r.gitBytes(ctx, args...)
	return string(out), err
}

func (r *Repo) gitBytes(ctx context.Context, args ...string) ([]byte, error) {
	r.log.WithField("args", args).Debug("running git command")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, string(out))
	}
	return out, nil
}

func (r *Repo) revParseIn(ctx context.Context, dir string, rev string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", rev)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gitcache: rev-parse %s: %w. output: %s", rev, err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

// retryGit retries network-facing git subcommands (clone/fetch/push) a
// fixed number of times with exponential backoff, matching
// openshift-ci-tools' pkg/git.retryCmd.
func retryGit(ctx context.Context, log *logrus.Entry, dir string, args ...string) (string, error) {
	var out []byte
	var err error
	sleep := time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		out, err = cmd.CombinedOutput()
		if err == nil {
			return string(out), nil
		}
		log.WithField("attempt", attempt).WithError(err).WithField("output", string(out)).Debug("git command failed, may retry")
		if attempt < 3 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			sleep *= 2
		}
	}
	return "", fmt.Errorf("%w: %s", err, string(out))
}

func parseUnix(s string) (time.Time, error) {
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// FetchAll runs EnsureCloned across every tracked repo concurrently,
// bounded by the cache's fetch pool (spec §5 background refresh).
func (c *Cache) FetchAll(ctx context.Context) error {
	c.mu.Lock()
	repos := make([]*Repo, 0, len(c.repos))
	for _, r := range c.repos {
		repos = append(repos, r)
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range repos {
		r := r
		g.Go(func() error { return r.EnsureCloned(ctx, c) })
	}
	return g.Wait()
}
