package version

import "runtime"

var (
	// Version is the release tag of the scheduling backend.
	Version = "0.1.0"

	// GitCommit is overridden at build time via -ldflags.
	GitCommit = "unknown"
)

// Info is the build metadata reported in the startup log and on /health.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
	}
}
