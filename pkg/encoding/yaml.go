package encoding

import (
	"gopkg.in/yaml.v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// LoadAndUnmarshalYAML loads data from the specified path and decodes it into
// the specified structure.
func LoadAndUnmarshalYAML(path string, value interface{}) error {
	return LoadAndUnmarshal(path, func(data []byte) error {
		return yaml.UnmarshalStrict(data, value)
	})
}

// MarshalAndSaveYAML marshals value with yaml.v3 (used for newer structures
// that want its tighter indentation and anchor handling) and saves it
// atomically to path.
func MarshalAndSaveYAML(path string, value interface{}) error {
	return MarshalAndSave(path, func() ([]byte, error) {
		return yamlv3.Marshal(value)
	})
}

// UnmarshalYAMLBytes decodes yaml.v3-encoded data into value, for blobs
// loaded from a content-addressed store rather than directly from a path.
func UnmarshalYAMLBytes(data []byte, value interface{}) error {
	return yamlv3.Unmarshal(data, value)
}

// MarshalYAMLBytes encodes value with yaml.v3, for blobs destined for a
// content-addressed store rather than directly to a path.
func MarshalYAMLBytes(value interface{}) ([]byte, error) {
	return yamlv3.Marshal(value)
}
