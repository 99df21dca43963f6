package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory GitSource: files are keyed by hash then path.
type fakeSource struct {
	files map[string]map[string][]byte
	// subpathHistory[hash][path] is the hash MostRecentHashForSubpath returns.
	subpathHistory map[string]map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{files: map[string]map[string][]byte{}, subpathHistory: map[string]map[string]string{}}
}

func (f *fakeSource) put(hash, path string, contents []byte) {
	if f.files[hash] == nil {
		f.files[hash] = map[string][]byte{}
	}
	f.files[hash][path] = contents
}

func (f *fakeSource) GetTestDefinitionsPath(ctx context.Context, hash string) (string, bool, error) {
	for _, name := range []string{"testDefinitions.json", "testDefinitions.yml"} {
		if _, ok := f.files[hash][name]; ok {
			return name, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeSource) GetFileContents(ctx context.Context, hash, path string) ([]byte, error) {
	contents, ok := f.files[hash][path]
	if !ok {
		return nil, newResolutionError("no such file %s@%s", hash, path)
	}
	return contents, nil
}

func (f *fakeSource) MostRecentHashForSubpath(ctx context.Context, baseHash, path string) (string, error) {
	if h, ok := f.subpathHistory[baseHash][path]; ok {
		return h, nil
	}
	return baseHash, nil
}

func fakeLookup(sources map[string]*fakeSource) GitLookup {
	return func(repoName string) (GitSource, error) {
		s, ok := sources[repoName]
		if !ok {
			return nil, newResolutionError("unknown repo %q", repoName)
		}
		return s, nil
	}
}

const simpleDefs = `{
  "builds": {
    "bin": {
      "stages": [{"command": "make bin"}]
    }
  },
  "tests": {
    "unit": {
      "environment": "",
      "stages": [{"command": "make test"}],
      "dependencies": []
    }
  }
}`

func TestResolveDeterministic(t *testing.T) {
	src := newFakeSource()
	src.put("abc", "testDefinitions.json", []byte(simpleDefs))
	r1 := New(fakeLookup(map[string]*fakeSource{"org/repo": src}))
	r2 := New(fakeLookup(map[string]*fakeSource{"org/repo": src}))

	res1, err := r1.Resolve(context.Background(), "org/repo", "abc")
	require.NoError(t, err)
	res2, err := r2.Resolve(context.Background(), "org/repo", "abc")
	require.NoError(t, err)

	require.Equal(t, res1.Tests["bin"].Hash, res2.Tests["bin"].Hash)
	require.NotEmpty(t, res1.Tests["bin"].Hash)
}

func TestTestHashStableAcrossNameAndRepo(t *testing.T) {
	defs := func(name string) string {
		return `{"builds": {"` + name + `": {"stages": [{"command": "make bin"}]}}}`
	}
	srcA := newFakeSource()
	srcA.put("h1", "testDefinitions.json", []byte(defs("bin")))
	srcB := newFakeSource()
	srcB.put("h2", "testDefinitions.json", []byte(defs("other-name")))

	r := New(fakeLookup(map[string]*fakeSource{"org/a": srcA, "org/b": srcB}))

	resA, err := r.Resolve(context.Background(), "org/a", "h1")
	require.NoError(t, err)
	resB, err := r.Resolve(context.Background(), "org/b", "h2")
	require.NoError(t, err)

	require.Equal(t, resA.Tests["bin"].Hash, resB.Tests["other-name"].Hash)
}

// TestIncludeCycleTerminates exercises a literal a->b->a include cycle.
// Each file is merged only once, but its includes keep being expanded, so
// the cycle terminates by hitting the maxIncludeAttempts cap with a
// ResolutionError.
func TestIncludeCycleTerminates(t *testing.T) {
	src := newFakeSource()
	src.put("abc", "testDefinitions.json", []byte(`{"includes": [{"path": "/a.json"}]}`))
	src.put("abc", "a.json", []byte(`{"includes": [{"path": "/b.json"}]}`))
	src.put("abc", "b.json", []byte(`{"includes": [{"path": "/a.json"}]}`))

	r := New(fakeLookup(map[string]*fakeSource{"org/repo": src}))
	_, err := r.Resolve(context.Background(), "org/repo", "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Exceeded the maximum number of file includes")
}

// TestExcessiveIncludesRejected exercises a chain long enough to defeat
// memoization (each file includes the next, with distinct variables so the
// includeKey dedup never fires), tripping maxIncludeAttempts.
func TestExcessiveIncludesRejected(t *testing.T) {
	src := newFakeSource()
	src.put("abc", "testDefinitions.json", []byte(`{"includes": [{"path": "/f0.json", "variables": {"n": "0"}}]}`))
	for i := 0; i < maxIncludeAttempts+5; i++ {
		next := `{"includes": [{"path": "/f` + itoa(i+1) + `.json", "variables": {"n": "` + itoa(i+1) + `"}}]}`
		src.put("abc", "f"+itoa(i)+".json", []byte(next))
	}

	r := New(fakeLookup(map[string]*fakeSource{"org/repo": src}))
	_, err := r.Resolve(context.Background(), "org/repo", "abc")
	require.Error(t, err)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestCyclicInternalBuildDependencyRejected(t *testing.T) {
	defs := `{
	  "builds": {
	    "a": {"stages": [{"command": "x"}], "environment": "envA"},
	    "b": {"stages": [{"command": "y"}], "environment": "envB"}
	  },
	  "environments": {
	    "envA": {"dependencies": [{"internal_build": {"name": "b"}}]},
	    "envB": {"dependencies": [{"internal_build": {"name": "a"}}]}
	  }
	}`
	src := newFakeSource()
	src.put("abc", "testDefinitions.json", []byte(defs))
	r := New(fakeLookup(map[string]*fakeSource{"org/repo": src}))

	_, err := r.Resolve(context.Background(), "org/repo", "abc")
	require.Error(t, err)
}

func TestDuplicateArtifactNameRejected(t *testing.T) {
	defs := `{
	  "tests": {
	    "t": {"stages": [{"command": "x", "artifacts": [{"name": "out", "path": "/a"}, {"name": "out", "path": "/b"}]}]}
	  }
	}`
	src := newFakeSource()
	src.put("abc", "testDefinitions.json", []byte(defs))
	r := New(fakeLookup(map[string]*fakeSource{"org/repo": src}))

	_, err := r.Resolve(context.Background(), "org/repo", "abc")
	require.Error(t, err)
}

func TestEnablementCascadesToDependencies(t *testing.T) {
	defs := `{
	  "builds": {
	    "base": {"stages": [{"command": "x"}], "disabled": true}
	  },
	  "tests": {
	    "consumer": {
	      "stages": [{"command": "y"}],
	      "environment": "env"
	    }
	  },
	  "environments": {
	    "env": {"dependencies": [{"internal_build": {"name": "base"}}]}
	  }
	}`
	src := newFakeSource()
	src.put("abc", "testDefinitions.json", []byte(defs))
	r := New(fakeLookup(map[string]*fakeSource{"org/repo": src}))

	res, err := r.Resolve(context.Background(), "org/repo", "abc")
	require.NoError(t, err)
	require.True(t, res.Tests["consumer"].Enabled)
	require.True(t, res.Tests["base"].Enabled, "disabled build reachable from an enabled test must be cascaded enabled")
}

func TestNoDefinitionsFileIsNotAnError(t *testing.T) {
	src := newFakeSource()
	r := New(fakeLookup(map[string]*fakeSource{"org/repo": src}))

	res, err := r.Resolve(context.Background(), "org/repo", "abc")
	require.NoError(t, err)
	require.True(t, res.NoTestsFound)
	require.Empty(t, res.Tests)
}
