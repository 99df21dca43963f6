package worker

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mattsgit/test-looper/internal/artifacts"
	"github.com/mattsgit/test-looper/internal/wire"
)

type fakeRunner struct {
	called []string
	fail   bool
}

func (f *fakeRunner) Run(ctx context.Context, command, workDir string, env map[string]string, out *os.File) error {
	f.called = append(f.called, command)
	if f.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func newTestEngine(t *testing.T, runner StageRunner) (*Engine, *artifacts.MemoryStore) {
	store := artifacts.NewMemoryStore()
	e := New("m1", "x86", "linux", 2, store, nil, runner, logrus.NewEntry(logrus.New()))
	e.ScratchRoot = t.TempDir()
	return e, store
}

func TestOrderedStagesSortsByOrder(t *testing.T) {
	in := []wire.StageDescriptor{{Order: 2, Command: "b"}, {Order: 0, Command: "a"}, {Order: 1, Command: "mid"}}
	out := orderedStages(in)
	require.Equal(t, []string{"a", "mid", "b"}, []string{out[0].Command, out[1].Command, out[2].Command})
}

func TestCheckBuildReuseFalseWhenArtifactsMissing(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRunner{})
	def := &wire.TestDefinitionWire{
		TestHash: "hash1",
		IsBuild:  true,
		Stages:   []wire.StageDescriptor{{Artifacts: []string{"bin"}}},
	}
	reused, err := e.checkBuildReuse(def)
	require.NoError(t, err)
	require.False(t, reused)
}

func TestCheckBuildReuseTrueWhenAllArtifactsPresent(t *testing.T) {
	e, store := newTestEngine(t, &fakeRunner{})
	require.NoError(t, store.UploadBuild("hash1", artifacts.ArtifactKey("bin"), strings.NewReader("x")))
	def := &wire.TestDefinitionWire{
		TestHash: "hash1",
		IsBuild:  true,
		Stages:   []wire.StageDescriptor{{Artifacts: []string{"bin"}}},
	}
	reused, err := e.checkBuildReuse(def)
	require.NoError(t, err)
	require.True(t, reused)
}

func TestBaseEnvironmentIncludesDeclaredVariables(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRunner{})
	def := &wire.TestDefinitionWire{TestHash: "hash1", Variables: map[string]string{"FOO": "bar"}}
	env := e.baseEnvironment("run1", "/tmp/run1", def)
	require.Equal(t, "bar", env["FOO"])
	require.Equal(t, "hash1", env["TEST_LOOPER_TEST_ID"])
	require.Equal(t, "2", env["TEST_CORES_AVAILABLE"])
}

func TestParseTestSummaryMissingFileReturnsNil(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRunner{})
	require.Nil(t, e.parseTestSummary(t.TempDir()))
}

func TestParseTestSummaryParsesEntries(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRunner{})
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(runDir+"/output", 0o755))
	require.NoError(t, os.WriteFile(runDir+"/output/testSummary.json", []byte(`{"sub1":{"success":true,"logPaths":["a.log"]}}`), 0o644))

	summary := e.parseTestSummary(runDir)
	require.True(t, summary["sub1"].Success)
	require.True(t, summary["sub1"].HasLog)
}
