package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Release builds set these with -ldflags "-X .../internal/version.Version=...".
// Otherwise Commit and Date are filled from the VCS stamp the go command
// embeds, when there is one.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		fromBuildInfo(info)
	}
}

func fromBuildInfo(info *debug.BuildInfo) {
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "unknown" {
				Commit = s.Value
			}
		case "vcs.time":
			if Date == "unknown" {
				Date = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && Commit != "unknown" {
		Commit += "-dirty"
	}
}

// Info returns the one-line version banner.
func Info() string {
	return fmt.Sprintf("docchat %s (commit: %s, built: %s, %s, %s/%s)",
		Version, short(Commit), Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
