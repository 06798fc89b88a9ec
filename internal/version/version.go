// Package version carries the build metadata stamped in via -ldflags.
package version

import "fmt"

var (
	AppVersion = "dev"
	GitCommit  = "unknown"
	BuildTime  = "unknown"
)

// Info is the build metadata of the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Current returns the stamped metadata.
func Current() Info {
	return Info{Version: AppVersion, Commit: GitCommit, BuildTime: BuildTime}
}

func (i Info) String() string {
	return fmt.Sprintf("dockhand %s (commit %s, built %s)", i.Version, i.Commit, i.BuildTime)
}
