// Package version carries build metadata stamped in with -ldflags -X.
package version

import "runtime"

var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

// Info is the build metadata reported by /version and `qhist --version`.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"gitCommit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
	Go        string `json:"goVersion"`
}

func Get(service string) Info {
	return Info{Service: service, Version: Version, Commit: Commit, BuildDate: BuildDate, Go: runtime.Version()}
}

// Full is the version with the commit appended as semver build metadata.
func Full() string {
	if Commit == "" {
		return Version
	}
	return Version + "+" + Commit
}
