package manager

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mattsgit/test-looper/internal/objdb"
	"github.com/mattsgit/test-looper/internal/resolver"
	"github.com/mattsgit/test-looper/internal/scheduler"
	"github.com/mattsgit/test-looper/internal/wire"
)

type fakeGitSource struct {
	definitions []byte
}

func (f *fakeGitSource) GetTestDefinitionsPath(ctx context.Context, hash string) (string, bool, error) {
	return "testDefinitions.json", true, nil
}

func (f *fakeGitSource) GetFileContents(ctx context.Context, hash, path string) ([]byte, error) {
	return f.definitions, nil
}

func (f *fakeGitSource) MostRecentHashForSubpath(ctx context.Context, baseHash, path string) (string, error) {
	return baseHash, nil
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestServerHandshakeAndDispatchesWork(t *testing.T) {
	store := objdb.New(logrus.NewEntry(logrus.New()))
	src := &fakeGitSource{definitions: []byte(`{
		"tests": {
			"unit": {"stages": [{"command": "go test ./..."}]}
		}
	}`)}
	res := resolver.New(func(repo string) (resolver.GitSource, error) { return src, nil })
	sched := scheduler.New(store, res, nil, nil, logrus.NewEntry(logrus.New()))

	result, err := res.Resolve(context.Background(), "org/repo", "deadbeef")
	require.NoError(t, err)
	require.Len(t, result.Tests, 1)
	var testHash string
	for _, def := range result.Tests {
		testHash = def.Hash
	}
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		cat := objdb.CategoryID{Hardware: "x86", OS: "linux"}
		tx.UpsertCategory(cat)
		tt := tx.UpsertTest(objdb.TestID(testHash), objdb.TestDefinitionSummary{Name: "unit", Type: objdb.TestTypeTest})
		tt.RunsDesired = 1
		return tx.SetTestPriority(objdb.TestID(testHash), objdb.PriorityFirstTest, 10, 1, &cat)
	}))

	srv := New(sched, res, logrus.NewEntry(logrus.New()))
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	conn, err := wire.Dial(wsURL(httpSrv))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(wire.Message{
		Kind:      wire.KindHandshake,
		Handshake: &wire.Handshake{MachineID: "m1", Hardware: "x86", OS: "linux", ProtocolVersion: wire.ProtocolVersion},
	}))
	reply, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, wire.KindHandshakeResult, reply.Kind)
	require.True(t, reply.HandshakeResult.Accepted)

	require.NoError(t, conn.Send(wire.Message{Kind: wire.KindRequestWork}))
	work, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, wire.KindWorkTest, work.Kind)
	require.Equal(t, testHash, work.WorkTest.Definition.TestHash)

	require.NoError(t, store.View(func(v *objdb.View) error {
		run, ok := v.GetRun(objdb.RunID(work.WorkTest.RunID))
		require.True(t, ok)
		require.Equal(t, objdb.MachineID("m1"), run.Machine)
		return nil
	}))

	require.NoError(t, conn.Send(wire.Message{
		Kind: wire.KindTestRunResult,
		TestRunResult: &wire.TestRunResult{
			RunID:     work.WorkTest.RunID,
			Success:   true,
			StartedTS: time.Now(),
			EndedTS:   time.Now(),
		},
	}))
}
