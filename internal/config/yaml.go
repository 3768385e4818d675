package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrFileNotFound is returned by ReadYAML when the file does not exist.
var ErrFileNotFound = errors.New("config: file not found")

// Mapping is a decoded YAML mapping. Nested mappings decode as Mapping-compatible
// map[string]any values; sequences decode as []any.
type Mapping = map[string]any

// ReadYAML decodes the file at path into out.
func ReadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: decode yaml %s: %w", path, err)
	}
	return nil
}

// ReadMapping reads a YAML file whose root must be a mapping. Merge keys
// (<<) are resolved by the decoder, so anchors never leak into the result.
func ReadMapping(path string) (Mapping, error) {
	var root any
	if err := ReadYAML(path, &root); err != nil {
		return nil, err
	}
	if root == nil {
		return Mapping{}, nil
	}
	m, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config: %s is not a yaml mapping", path)
	}
	return m, nil
}

// SaveYAML encodes data and atomically replaces path. A non-empty header is
// written as a leading comment block.
func SaveYAML(path string, data any, header string) error {
	var buf bytes.Buffer
	if header != "" {
		buf.WriteString(header)
		buf.WriteString("\n\n")
	}

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("config: encode yaml %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode yaml %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: replace %s: %w", path, err)
	}
	return nil
}

// CloneMapping returns a deep copy of m. Nested mappings and sequences are
// copied; scalars are shared.
func CloneMapping(m Mapping) Mapping {
	if m == nil {
		return nil
	}
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMapping(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
