package main

import (
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"
	"sigs.k8s.io/yaml"
)

// configSchema is the boundary validator for the manager's own config file
// (spec §4 "Configuration", generalized the same way
// internal/resolver/parse.go validates testDefinitions.json: once at the
// boundary, before anything downstream trusts the shape).
const configSchema = `{
  "type": "object",
  "properties": {
    "repos": {"type": "array"},
    "machineCategories": {"type": "array"}
  },
  "additionalProperties": false
}`

var compiledConfigSchema = gojsonschema.NewStringLoader(configSchema)

// Config is the manager's static bootstrap configuration: the repos to
// track and the hardware/OS categories the Machine-Category Controller is
// allowed to provision (spec §4.1 "Repository", §4.4).
type Config struct {
	Repos             []RepoConfig             `json:"repos"`
	MachineCategories []MachineCategoryConfig `json:"machineCategories"`
}

type RepoConfig struct {
	Name            string                 `json:"name"`
	CloneURL        string                 `json:"cloneURL"`
	BranchTemplates []BranchTemplateConfig `json:"branchTemplates,omitempty"`
}

// BranchTemplateConfig mirrors objdb.BranchCreateTemplate (spec §4.3.1
// CheckBranchAutocreate).
type BranchTemplateConfig struct {
	Name          string   `json:"name"`
	IncludeGlobs  []string `json:"includeGlobs,omitempty"`
	ExcludeGlobs  []string `json:"excludeGlobs,omitempty"`
	TrackedRepo   string   `json:"trackedRepo"`
	TrackedBranch string   `json:"trackedBranch"`
}

type MachineCategoryConfig struct {
	Hardware    string `json:"hardware"`
	OS          string `json:"os"`
	MaxMachines int    `json:"maxMachines"`
}

func loadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: invalid YAML/JSON: %w", path, err)
	}

	result, err := gojsonschema.Validate(compiledConfigSchema, gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("config %s: schema validation failed: %w", path, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("config %s: does not match the manager config schema: %v", path, result.Errors())
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}
