// Package version reports the kvpool build version.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/kvpool/version.Version=1.0.0 \
//	    -X github.com/go-i2p/kvpool/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Builds without ldflags fall back to the module and VCS data the Go
// toolchain embeds, and finally to "dev".
package version

import "runtime/debug"

var (
	// Version is the release version.
	Version = "dev"
	// GitCommit is the short commit hash.
	GitCommit = ""
	// BuildTime is an RFC 3339 timestamp.
	BuildTime = ""
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

func init() {
	fillFromBuildInfo()
}

// fillFromBuildInfo completes unset fields from the embedded build info.
func fillFromBuildInfo() {
	info, ok := readBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "" {
				GitCommit = s.Value
				if len(GitCommit) > 7 {
					GitCommit = GitCommit[:7]
				}
			}
		case "vcs.time":
			if BuildTime == "" {
				BuildTime = s.Value
			}
		}
	}
}

// Full returns the version with the commit and build time when known,
// e.g. "1.0.0-abc1234 (2026-01-29T12:00:00Z)".
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}
