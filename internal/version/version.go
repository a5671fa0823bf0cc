// Package version exposes build metadata injected via ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version, injected at build time.
	Version = "dev"

	// GitCommit is the git commit hash, injected at build time.
	GitCommit = "unknown"

	// BuildDate is the build date, injected at build time.
	BuildDate = "unknown"

	// GoVersion is the Go version used to build.
	GoVersion = runtime.Version()
)

// Full returns the version with the short commit when one is known.
func Full() string {
	if GitCommit != "" && GitCommit != "unknown" && len(GitCommit) >= 7 {
		return fmt.Sprintf("%s (%s)", Version, GitCommit[:7])
	}
	return Version
}

// BuildInfo is the structured build metadata.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// GetBuildInfo returns the structured build metadata.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
	}
}
