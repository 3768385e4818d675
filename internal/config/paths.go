package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// HomeEnv overrides the corevisor home directory when set.
const HomeEnv = "COREVISOR_HOME"

const (
	settingsFileName = "settings.yaml"
	clashFileName    = "clash.yaml"
	runtimeFileName  = "runtime.yaml"
	checkFileName    = "check.yaml"
	pidFileName      = "core.pid"
	profilesDBName   = "profiles.db"
)

// Paths contains every location corevisor reads or writes.
type Paths struct {
	Home        string // Data directory handed to the core with -d
	Settings    string // Application settings (YAML)
	Clash       string // Core-facing guard settings (YAML)
	Runtime     string // Generated config the running core consumes
	Check       string // Generated config used only for validation
	PidFile     string // Decimal pid of the last launched sidecar
	ProfilesDir string // Profile item files (local, remote, merge, script)
	ProfilesDB  string // SQLite registry of profile items and chains
	Logs        string // Logs directory
	BinDir      string // Core binaries (mihomo, mihomo-alpha)
}

// GetPaths returns the layout rooted at home. Empty home falls back to
// DefaultHome.
func GetPaths(home string) Paths {
	if strings.TrimSpace(home) == "" {
		home = DefaultHome()
	}
	home = ExpandPath(home)

	return Paths{
		Home:        home,
		Settings:    filepath.Join(home, settingsFileName),
		Clash:       filepath.Join(home, clashFileName),
		Runtime:     filepath.Join(home, runtimeFileName),
		Check:       filepath.Join(home, checkFileName),
		PidFile:     filepath.Join(home, pidFileName),
		ProfilesDir: filepath.Join(home, "profiles"),
		ProfilesDB:  filepath.Join(home, profilesDBName),
		Logs:        filepath.Join(home, "logs"),
		BinDir:      filepath.Join(home, "bin"),
	}
}

// DefaultHome returns $COREVISOR_HOME or ~/.corevisor.
func DefaultHome() string {
	if env := strings.TrimSpace(os.Getenv(HomeEnv)); env != "" {
		return env
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".corevisor")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureDirs creates the directory structure if it does not exist.
func EnsureDirs(home string) (Paths, error) {
	paths := GetPaths(home)

	dirs := []string{
		paths.Home,
		paths.ProfilesDir,
		paths.Logs,
		paths.BinDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}

// BinaryPath returns the expected location of a core binary inside dir.
// An empty dir resolves the bare name against PATH at exec time.
func BinaryPath(dir, name string) string {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if strings.TrimSpace(dir) == "" {
		return name
	}
	return filepath.Join(dir, name)
}
