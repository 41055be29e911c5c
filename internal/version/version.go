// Package version holds build metadata injected via ldflags.
package version

var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)
