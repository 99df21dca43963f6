package resolver

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"sigs.k8s.io/yaml"
)

// definitionSchema is the boundary validator for testDefinitions.json (spec
// §9 "Dynamic typing of source payloads": validate once at the boundary,
// then deserialize into the closed algebraic RawDefinitionFile). YAML
// inputs are converted to JSON first (sigs.k8s.io/yaml round-trips through
// encoding/json) so the same schema covers both file forms.
const definitionSchema = `{
  "type": "object",
  "properties": {
    "repos": {"type": "object"},
    "environments": {"type": "object"},
    "builds": {"type": "object"},
    "tests": {"type": "object"},
    "deployments": {"type": "object"},
    "includes": {"type": "array"},
    "prioritize": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`

var compiledSchema = gojsonschema.NewStringLoader(definitionSchema)

// parseDefinitionFile validates raw against the schema and deserializes it
// into a RawDefinitionFile. isRoot gates root-only fields (spec §4.2
// "Prioritization globs": "included files may not" carry a Prioritize
// list).
func parseDefinitionFile(path string, raw []byte, isRoot bool) (*RawDefinitionFile, error) {
	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, newResolutionError("%s: invalid YAML/JSON: %v", path, err)
	}

	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return nil, newResolutionError("%s: schema validation failed: %v", path, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, newResolutionError("%s: does not match the test-definition schema: %s", path, strings.Join(msgs, "; "))
	}

	var file RawDefinitionFile
	if err := json.Unmarshal(jsonBytes, &file); err != nil {
		return nil, newResolutionError("%s: %v", path, err)
	}
	if !isRoot && len(file.Prioritize) > 0 {
		return nil, newResolutionError("%s: included files may not declare a prioritize list", path)
	}
	return &file, nil
}
