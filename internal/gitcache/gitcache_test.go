package gitcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupReusesRepo(t *testing.T) {
	c := New(t.TempDir(), 2, nil)
	a := c.Lookup("org/repo", "https://example.invalid/org/repo.git")
	b := c.Lookup("org/repo", "https://example.invalid/org/repo.git")
	require.Same(t, a, b)
	require.False(t, a.IsInitialized())
}

func TestStandardCommitMessage(t *testing.T) {
	c := New(t.TempDir(), 1, nil)
	r := c.Lookup("org/repo", "")
	require.Equal(t, "test-looper: update pin to abc123", r.StandardCommitMessageFor("abc123"))
}
