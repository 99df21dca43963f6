package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigParsesRepoAndCategories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
repos:
  - name: org/repo
    cloneURL: https://example.com/org/repo.git
    branchTemplates:
      - name: release-branches
        includeGlobs: ["release-*"]
        trackedRepo: org/repo
        trackedBranch: main
machineCategories:
  - hardware: x86
    os: linux
    maxMachines: 10
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Repos, 1)
	require.Equal(t, "org/repo", cfg.Repos[0].Name)
	require.Len(t, cfg.Repos[0].BranchTemplates, 1)
	require.Equal(t, "release-*", cfg.Repos[0].BranchTemplates[0].IncludeGlobs[0])
	require.Len(t, cfg.MachineCategories, 1)
	require.Equal(t, 10, cfg.MachineCategories[0].MaxMachines)
}

func TestLoadConfigRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("notAField: true\n"), 0o644))

	_, err := loadConfig(path)
	require.Error(t, err)
}
