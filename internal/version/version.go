// Package version reports the corevisor build version.
package version

import (
	"fmt"
	"regexp"
	"strings"
)

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// gitDescribeSuffix matches the trailing "-N-gHASH" added by git describe.
var gitDescribeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

func normalizeVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	return gitDescribeSuffix.ReplaceAllString(v, "")
}

// FormatVersion ensures a "v" prefix on release versions. "dev" and empty
// strings are returned as-is.
func FormatVersion(v string) string {
	if v == "" || v == "dev" {
		return v
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// CheckDaemonMismatch returns a warning when the running daemon was built
// from a different release than this CLI. Development builds never warn.
func CheckDaemonMismatch(daemonVersion string) string {
	client := version
	if client == "" || daemonVersion == "" {
		return ""
	}
	if client == "dev" || daemonVersion == "dev" {
		return ""
	}
	if normalizeVersion(client) == normalizeVersion(daemonVersion) {
		return ""
	}
	return fmt.Sprintf(
		"warning: corevisor %s is talking to daemon %s, restart the daemon after upgrading",
		FormatVersion(client), FormatVersion(daemonVersion),
	)
}
