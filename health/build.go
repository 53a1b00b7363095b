package health

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

// getBuildInfo describes the running binary from vcs stamps, overridable
// through BUILD_VERSION and BUILD_COMMIT.
func getBuildInfo() string {
	version := os.Getenv("BUILD_VERSION")
	commit := os.Getenv("BUILD_COMMIT")
	var built time.Time

	if info, ok := debug.ReadBuildInfo(); ok {
		if version == "" && info.Main.Version != "" {
			version = info.Main.Version
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if commit == "" {
					commit = setting.Value
				}
			case "vcs.time":
				built, _ = time.Parse(time.RFC3339, setting.Value)
			}
		}
	}

	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = "unknown"
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}

	if built.IsZero() {
		return fmt.Sprintf("%s-%s %s", version, commit, runtime.Version())
	}
	return fmt.Sprintf("%s-%s (%s) %s", version, commit, built.Format("2006-01-02"), runtime.Version())
}
