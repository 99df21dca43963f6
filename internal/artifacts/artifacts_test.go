package artifacts

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArtifactKeySanitizesSlashes(t *testing.T) {
	key := ArtifactKey("bin/myprogram")
	require.Equal(t, "bin__slash__myprogram.tar.gz", key)
	require.Equal(t, "bin/myprogram", UnsanitizeName(strings.TrimSuffix(key, ".tar.gz")))
}

func TestMemoryStoreBuildRoundTrip(t *testing.T) {
	store := NewMemoryStore()

	exists, err := store.BuildExists("hash1", "bin")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, store.UploadBuild("hash1", "bin", strings.NewReader("payload")))

	exists, err = store.BuildExists("hash1", "bin")
	require.NoError(t, err)
	require.True(t, exists)

	var buf bytes.Buffer
	require.NoError(t, store.DownloadBuild("hash1", "bin", &buf))
	require.Equal(t, "payload", buf.String())
}

func TestTestResultKeysForWithSizes(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.UploadIndividualTestArtifacts("hash1", "run1", map[string][]NamedReader{
		"sub1": {{Name: "log.txt", R: strings.NewReader("abc")}},
		"sub2": {{Name: "log.txt", R: strings.NewReader("abcdef")}},
	}))

	keys, err := store.TestResultKeysForWithSizes("hash1", "run1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "sub1/log.txt", keys[0].Name)
	require.EqualValues(t, 3, keys[0].Bytes)
	require.Equal(t, "sub2/log.txt", keys[1].Name)
	require.EqualValues(t, 6, keys[1].Bytes)
}
