package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultHomeHonoursEnv(t *testing.T) {
	t.Setenv(HomeEnv, "/tmp/corevisor-home")

	if got := DefaultHome(); got != "/tmp/corevisor-home" {
		t.Errorf("DefaultHome() = %s; want /tmp/corevisor-home", got)
	}
}

func TestDefaultHomeFallsBackToUserHome(t *testing.T) {
	t.Setenv(HomeEnv, "")

	userHome, _ := os.UserHomeDir()
	expected := filepath.Join(userHome, ".corevisor")
	if got := DefaultHome(); got != expected {
		t.Errorf("DefaultHome() = %s; want %s", got, expected)
	}
}

func TestGetPaths(t *testing.T) {
	paths := GetPaths("/data/cv")

	tests := map[string]string{
		"Settings":    paths.Settings,
		"Clash":       paths.Clash,
		"Runtime":     paths.Runtime,
		"Check":       paths.Check,
		"PidFile":     paths.PidFile,
		"ProfilesDir": paths.ProfilesDir,
		"ProfilesDB":  paths.ProfilesDB,
	}
	want := map[string]string{
		"Settings":    "/data/cv/settings.yaml",
		"Clash":       "/data/cv/clash.yaml",
		"Runtime":     "/data/cv/runtime.yaml",
		"Check":       "/data/cv/check.yaml",
		"PidFile":     "/data/cv/core.pid",
		"ProfilesDir": "/data/cv/profiles",
		"ProfilesDB":  "/data/cv/profiles.db",
	}
	for name, got := range tests {
		if filepath.ToSlash(got) != want[name] {
			t.Errorf("%s = %s; want %s", name, got, want[name])
		}
	}
	if paths.Runtime == paths.Check {
		t.Error("runtime and check configs must not share a path")
	}
}

func TestExpandPath(t *testing.T) {
	tests := []struct {
		input    string
		contains string
	}{
		{"~/test", "/test"},
		{"~", ""},
		{"/absolute/path", "/absolute/path"},
		{"", ""},
	}

	for _, tt := range tests {
		result := ExpandPath(tt.input)
		if tt.input == "~" {
			home, _ := os.UserHomeDir()
			if result != home {
				t.Errorf("ExpandPath(%q) = %q; want home directory", tt.input, result)
			}
		} else if tt.input != "" && !strings.Contains(result, tt.contains) {
			t.Errorf("ExpandPath(%q) = %q; should contain %q", tt.input, result, tt.contains)
		}
	}
}

func TestEnsureDirs(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cv")

	paths, err := EnsureDirs(home)
	if err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	for _, dir := range []string{paths.Home, paths.ProfilesDir, paths.Logs, paths.BinDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestBinaryPath(t *testing.T) {
	if got := BinaryPath("", "mihomo"); !strings.HasPrefix(got, "mihomo") {
		t.Errorf("BinaryPath without dir = %q; want bare name", got)
	}
	got := BinaryPath("/opt/bin", "mihomo")
	if !strings.HasPrefix(filepath.ToSlash(got), "/opt/bin/mihomo") {
		t.Errorf("BinaryPath = %q; want under /opt/bin", got)
	}
}
