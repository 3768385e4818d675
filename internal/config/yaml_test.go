package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadMappingResolvesMergeKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.yaml")
	doc := `
base: &base
  type: ss
  port: 443
proxy:
  <<: *base
  port: 8443
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, err := ReadMapping(path)
	if err != nil {
		t.Fatalf("ReadMapping: %v", err)
	}
	proxy, ok := m["proxy"].(map[string]any)
	if !ok {
		t.Fatalf("proxy = %T; want mapping", m["proxy"])
	}
	if proxy["type"] != "ss" {
		t.Errorf("type = %v; want ss", proxy["type"])
	}
	if proxy["port"] != 8443 {
		t.Errorf("port = %v; want 8443", proxy["port"])
	}
	if _, leaked := proxy["<<"]; leaked {
		t.Error("merge key leaked into result")
	}
}

func TestReadMappingRejectsSequenceRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.yaml")
	if err := os.WriteFile(path, []byte("- a\n- b\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadMapping(path); err == nil {
		t.Fatal("expected error for sequence root")
	}
}

func TestReadYAMLMissingFile(t *testing.T) {
	var out map[string]any
	err := ReadYAML(filepath.Join(t.TempDir(), "nope.yaml"), &out)
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v; want ErrFileNotFound", err)
	}
}

func TestSaveYAMLWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.yaml")
	if err := SaveYAML(path, Mapping{"mixed-port": 7890}, "# corevisor test"); err != nil {
		t.Fatalf("SaveYAML: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(data), "# corevisor test\n\n") {
		t.Errorf("missing header: %q", data)
	}

	m, err := ReadMapping(path)
	if err != nil {
		t.Fatalf("ReadMapping: %v", err)
	}
	if m["mixed-port"] != 7890 {
		t.Errorf("mixed-port = %v; want 7890", m["mixed-port"])
	}
}

func TestCloneMappingIsDeep(t *testing.T) {
	orig := Mapping{
		"dns":   map[string]any{"enable": true},
		"rules": []any{"MATCH,DIRECT"},
	}
	cp := CloneMapping(orig)
	cp["dns"].(map[string]any)["enable"] = false
	cp["rules"].([]any)[0] = "MATCH,REJECT"

	if orig["dns"].(map[string]any)["enable"] != true {
		t.Error("nested mapping aliased")
	}
	if orig["rules"].([]any)[0] != "MATCH,DIRECT" {
		t.Error("sequence aliased")
	}
}
