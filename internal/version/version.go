// Package version reports build information of the cardformula binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	unknownValue     = "unknown"
	commitHashLength = 7
)

// Build-time variables set by ldflags
var (
	Version   = "dev"
	BuildDate = unknownValue
	GitCommit = unknownValue
	GoVersion = runtime.Version()
)

// BuildInfo contains build information
type BuildInfo struct {
	Version   string   `json:"version"`
	BuildDate string   `json:"build_date"`
	GitCommit string   `json:"git_commit"`
	GoVersion string   `json:"go_version"`
	Dirty     bool     `json:"dirty"`
	Module    string   `json:"module,omitempty"`
	Deps      []Module `json:"deps,omitempty"`
}

// Module is a dependency compiled into the binary
type Module struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Info returns the build information of the running binary.
func Info() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
		GoVersion: GoVersion,
		Dirty:     strings.HasSuffix(GitCommit, "-dirty"),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Module = bi.Main.Path
		for _, dep := range bi.Deps {
			info.Deps = append(info.Deps, Module{Path: dep.Path, Version: dep.Version})
		}
	}
	return info
}

// String returns a formatted version banner
func (b BuildInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cardformula %s", b.Version)
	if b.Dirty {
		sb.WriteString(" (dirty)")
	}
	sb.WriteString("\n")

	if b.GitCommit != unknownValue {
		commit := strings.TrimSuffix(b.GitCommit, "-dirty")
		if len(commit) > commitHashLength {
			commit = commit[:commitHashLength]
		}
		fmt.Fprintf(&sb, "commit: %s\n", commit)
	}
	if b.BuildDate != unknownValue {
		fmt.Fprintf(&sb, "built:  %s\n", b.BuildDate)
	}
	fmt.Fprintf(&sb, "go:     %s\n", b.GoVersion)
	return sb.String()
}

// UserAgent returns the user agent of the API server
func UserAgent() string {
	return "cardformula/" + Version
}

// IsRelease returns true if this is a release version (not dev)
func IsRelease() bool {
	return Version != "dev" && !strings.Contains(Version, "-")
}
