package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/mattsgit/test-looper/internal/wire"
)

// imagePlan is the resolved image for a test (spec §4.5 step 3): exactly
// one of ContainerTag/AMI is set.
type imagePlan struct {
	ContainerTag string // content hash of the Dockerfile contents
	AMI          string
}

// resolveImage picks Dockerfile-build-by-content-hash or bare-machine AMI
// (spec §4.5 step 3 "Resolve the docker image").
func resolveImage(def *wire.TestDefinitionWire) imagePlan {
	if def.Dockerfile != "" {
		return imagePlan{ContainerTag: contentHashTag(def.Dockerfile)}
	}
	return imagePlan{AMI: def.AMI}
}

func contentHashTag(dockerfile string) string {
	return "tlw-" + shortHash(dockerfile)
}

// materializeDependencies fetches every declared dependency concurrently,
// bounded by the worker's core count (spec §4.5 step 3: "Concurrently
// (bounded by hw core count)..."), mirroring the bounded-errgroup pattern
// gitcache.Cache uses for its fetch pool.
func (e *Engine) materializeDependencies(ctx context.Context, runDir string, deps []wire.DependencyRef) error {
	inputsDir := filepath.Join(runDir, "inputs")
	if err := os.MkdirAll(inputsDir, 0o755); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxInt(1, e.Cores))

	for _, dep := range deps {
		dep := dep
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()
			return e.materializeOneDependency(gctx, inputsDir, dep)
		})
	}
	return g.Wait()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// materializeOneDependency downloads a Build's tarball for
// (buildHash, artifactKey) from artifact storage and extracts it under
// <inputsDir>/<dep.Name>, inside the directory TEST_INPUTS names (spec
// §4.5 step 3). Nothing is exposed at a /test_looper/<expose_as> path.
func (e *Engine) materializeOneDependency(ctx context.Context, inputsDir string, dep wire.DependencyRef) error {
	exposeDir := filepath.Join(inputsDir, dep.Name)
	if err := os.MkdirAll(exposeDir, 0o755); err != nil {
		return err
	}

	tarPath := filepath.Join(exposeDir, ".download.tar.gz")
	f, err := os.Create(tarPath)
	if err != nil {
		return err
	}
	defer os.Remove(tarPath)
	defer f.Close()

	if err := e.store.DownloadBuild(dep.BuildHash, artifactKeyFor(dep.Artifact), f); err != nil {
		return fmt.Errorf("worker: download dependency %s/%s: %w", dep.BuildHash, dep.Artifact, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return extractTarGz(tarPath, exposeDir)
}

// extractTarGz is a placeholder seam over the real tar extraction so
// tests can substitute a fake without touching the filesystem; real
// wiring calls archive/tar + compress/gzip the way any Go build tool
// does.
var extractTarGz = func(tarPath, destDir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return untarGzip(f, destDir)
}

func untarGzip(r io.Reader, destDir string) error {
	gz, err := newGzipReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	return untar(gz, destDir)
}
