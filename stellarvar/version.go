// Package stellarvar provides the version number of a stellarmail build.
package stellarvar

import (
	"runtime/debug"
)

// Version is set at runtime based on the Go module used to build. It is
// included in discovery answers and the admin API.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = buildInfo.Main.Version
	if Version != "(devel)" {
		return
	}
	var rev string
	var modified bool
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if rev == "" {
		return
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	Version = rev
	if modified {
		Version += "+modifications"
	}
}
