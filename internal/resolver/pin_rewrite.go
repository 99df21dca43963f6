package resolver

import (
	"encoding/json"

	"sigs.k8s.io/yaml"
)

// RewritePinTarget re-encodes a test-definition file with repos[repoDef]'s
// pin.to hash replaced by newHash, for UpdateBranchPins to author a
// synthetic pin-edit commit (spec §4.3.1 "UpdateBranchPins"). It reports
// changed=false (without re-marshaling) if repoDef isn't a pin reference
// or is already pinned to newHash.
//
// The original file's YAML/JSON formatting is not preserved: the output is
// always produced by sigs.k8s.io/yaml.Marshal, which both file forms this
// resolver accepts can parse back.
func RewritePinTarget(raw []byte, repoDef, newHash string) (rewritten []byte, changed bool, err error) {
	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, false, err
	}
	var file RawDefinitionFile
	if err := json.Unmarshal(jsonBytes, &file); err != nil {
		return nil, false, err
	}
	ref, ok := file.Repos[repoDef]
	if !ok || ref.Pin == nil || ref.Pin.To == newHash {
		return nil, false, nil
	}
	pin := *ref.Pin
	pin.To = newHash
	ref.Pin = &pin
	file.Repos[repoDef] = ref

	out, err := yaml.Marshal(file)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
