package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattsgit/test-looper/internal/wire"
)

// runTest implements spec §4.5 steps 3-5 for a single assigned test run.
func (e *Engine) runTest(ctx context.Context, work *wire.WorkTest) error {
	def := &work.Definition
	started := time.Now()

	if def.IsBuild {
		reused, err := e.checkBuildReuse(def)
		if err != nil {
			return err
		}
		if reused {
			return e.reportResult(work.RunID, true, nil, started, time.Now())
		}
	}

	runDir := e.runDirFor(work.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}

	if err := e.materializeDependencies(ctx, runDir, work.Dependencies); err != nil {
		return fmt.Errorf("worker: materialize dependencies: %w", err)
	}
	image := resolveImage(def)
	e.log.WithField("run", work.RunID).WithField("containerTag", image.ContainerTag).WithField("ami", image.AMI).Debug("resolved image")

	env := e.baseEnvironment(work.RunID, runDir, def)

	success := true
	for _, stage := range orderedStages(def.Stages) {
		stageOK, err := e.runStage(ctx, work, def, stage, runDir, env)
		if err != nil {
			return err
		}
		if !stageOK {
			success = false
			break
		}
		if def.IsBuild && e.allBuildArtifactsUploaded(def, work.RunID) {
			break // early-stop (spec §4.5 step 4)
		}
	}

	individualTests := e.parseTestSummary(runDir)
	if err := e.uploadFinalArtifacts(def, work.RunID, runDir); err != nil {
		e.log.WithError(err).Warn("failed to upload final artifacts")
	}

	return e.reportResult(work.RunID, success, individualTests, started, time.Now())
}

func orderedStages(stages []wire.StageDescriptor) []wire.StageDescriptor {
	out := make([]wire.StageDescriptor, len(stages))
	copy(out, stages)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Order > out[j].Order; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// runStage launches one stage's command, heartbeating every
// HeartbeatInterval while it runs, enforces the test's timeout, and
// always runs cleanup (spec §4.5 step 4).
func (e *Engine) runStage(ctx context.Context, work *wire.WorkTest, def *wire.TestDefinitionWire, stage wire.StageDescriptor, runDir string, env map[string]string) (bool, error) {
	timeout := time.Duration(def.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopHeartbeat := e.beginStageHeartbeat(stageCtx, work.RunID)
	defer stopHeartbeat()

	logPath := filepath.Join(runDir, fmt.Sprintf("stage-%d.log", stage.Order))
	logFile, err := os.Create(logPath)
	if err != nil {
		return false, err
	}
	defer logFile.Close()

	runErr := e.Runner.Run(stageCtx, stage.Command, runDir, env, logFile)

	if stage.Cleanup != "" {
		cleanupCtx, cleanupCancel := context.WithTimeout(ctx, 5*time.Minute)
		_ = e.Runner.Run(cleanupCtx, stage.Cleanup, runDir, env, logFile)
		cleanupCancel()
	}

	if runErr != nil {
		e.log.WithField("run", work.RunID).WithField("stage", stage.Order).WithError(runErr).Warn("stage failed")
		return false, nil
	}

	if def.IsBuild {
		if err := e.uploadStageArtifacts(def, work.RunID, runDir, stage); err != nil {
			return false, err
		}
	}
	return true, nil
}

// beginStageHeartbeat starts a goroutine that posts heartbeats to the
// manager at least every HeartbeatInterval while a stage runs (spec
// §4.5 step 4 "emit a heartbeat ... at least every H seconds").
func (e *Engine) beginStageHeartbeat(ctx context.Context, runID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sendHeartbeat("run " + runID)
			}
		}
	}()
	return func() { close(done) }
}

func (e *Engine) uploadStageArtifacts(def *wire.TestDefinitionWire, runID, runDir string, stage wire.StageDescriptor) error {
	for _, artifact := range stage.Artifacts {
		dir := filepath.Join(runDir, "output", artifact)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		tarPath := filepath.Join(runDir, sanitizeFileName(artifact)+".tar.gz")
		f, err := os.Create(tarPath)
		if err != nil {
			return err
		}
		if err := tarDirectory(dir, f); err != nil {
			f.Close()
			return err
		}
		f.Close()

		uploadFile, err := os.Open(tarPath)
		if err != nil {
			return err
		}
		err = e.store.UploadBuild(def.TestHash, artifactKeyFor(artifact), uploadFile)
		uploadFile.Close()
		os.Remove(tarPath)
		if err != nil {
			return err
		}
		_ = e.conn.Send(wire.Message{
			Kind:             wire.KindArtifactUploaded,
			ArtifactUploaded: &wire.ArtifactUploaded{RunID: runID, ArtifactName: artifact},
		})
	}
	return nil
}

func sanitizeFileName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func (e *Engine) allBuildArtifactsUploaded(def *wire.TestDefinitionWire, runID string) bool {
	var allArtifacts []string
	for _, stage := range def.Stages {
		allArtifacts = append(allArtifacts, stage.Artifacts...)
	}
	if len(allArtifacts) == 0 {
		return false
	}
	for _, artifact := range allArtifacts {
		ok, err := e.store.BuildExists(def.TestHash, artifactKeyFor(artifact))
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// checkBuildReuse asks the artifact store whether every artifact key for
// this Build's test-hash already exists; if so the Build is declared
// successful without execution (spec §4.5 "Build reuse").
func (e *Engine) checkBuildReuse(def *wire.TestDefinitionWire) (bool, error) {
	var allArtifacts []string
	for _, stage := range def.Stages {
		allArtifacts = append(allArtifacts, stage.Artifacts...)
	}
	if len(allArtifacts) == 0 {
		return false, nil
	}
	for _, artifact := range allArtifacts {
		ok, err := e.store.BuildExists(def.TestHash, artifactKeyFor(artifact))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// baseEnvironment assembles the env vars every stage command sees (spec
// §4.5 step 4, §6 "Environment variables passed into workers").
func (e *Engine) baseEnvironment(runID, runDir string, def *wire.TestDefinitionWire) map[string]string {
	env := map[string]string{
		"TEST_CORES_AVAILABLE":  fmt.Sprintf("%d", e.Cores),
		"TEST_SRC_DIR":          filepath.Join(runDir, "src"),
		"TEST_INPUTS":           filepath.Join(runDir, "inputs"),
		"TEST_SCRATCH_DIR":      filepath.Join(runDir, "scratch"),
		"TEST_OUTPUT_DIR":       filepath.Join(runDir, "output"),
		"TEST_BUILD_OUTPUT_DIR": filepath.Join(runDir, "output"),
		"TEST_CCACHE_DIR":       filepath.Join(runDir, "ccache"),
		"TEST_LOOPER_TEST_ID":   def.TestHash,
	}
	for k, v := range def.Variables {
		env[k] = v
	}
	return env
}

// testSummary is the shape testSummary.json parses into (spec §4.5
// step 5).
type testSummary map[string]struct {
	Success  bool     `json:"success"`
	LogPaths []string `json:"logPaths"`
}

func (e *Engine) parseTestSummary(runDir string) map[string]wire.SubTest {
	path := filepath.Join(runDir, "output", "testSummary.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var summary testSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		e.log.WithError(err).Warn("failed to parse testSummary.json")
		return nil
	}
	out := make(map[string]wire.SubTest, len(summary))
	for name, entry := range summary {
		out[name] = wire.SubTest{Success: entry.Success, HasLog: len(entry.LogPaths) > 0}
	}
	return out
}

// uploadFinalArtifacts uploads the per-sub-test logs referenced by
// testSummary.json (spec §4.5 step 5). It uploads nothing else:
// test_result.json and the stage logs are not uploaded, and without a
// testSummary.json it does nothing.
func (e *Engine) uploadFinalArtifacts(def *wire.TestDefinitionWire, runID, runDir string) error {
	path := filepath.Join(runDir, "output", "testSummary.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var summary testSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return err
	}
	bySubTest := map[string][]struct {
		name string
		path string
	}{}
	for name, entry := range summary {
		for _, p := range entry.LogPaths {
			bySubTest[name] = append(bySubTest[name], struct{ name, path string }{filepath.Base(p), p})
		}
	}
	for subTest, logs := range bySubTest {
		for _, l := range logs {
			f, err := os.Open(l.path)
			if err != nil {
				continue
			}
			err = e.store.UploadSingleTestArtifact(def.TestHash, runID, subTest+"/"+l.name, f)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) reportResult(runID string, success bool, individualTests map[string]wire.SubTest, started, ended time.Time) error {
	return e.conn.Send(wire.Message{
		Kind: wire.KindTestRunResult,
		TestRunResult: &wire.TestRunResult{
			RunID:           runID,
			Success:         success,
			IndividualTests: individualTests,
			StartedTS:       started,
			EndedTS:         ended,
		},
	})
}
