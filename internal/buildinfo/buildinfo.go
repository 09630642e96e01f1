// Package buildinfo holds version and build metadata stamped at compile time via ldflags:
//
//	go build -ldflags "-X github.com/nugget/printwatch/internal/buildinfo.Version=v1.2.0 \
//	    -X github.com/nugget/printwatch/internal/buildinfo.GitCommit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"runtime"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns all build and runtime info as a map.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("printwatch %s (%s) built %s", Version, GitCommit, BuildTime)
}
