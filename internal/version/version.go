package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/aatumaykin/seorunner/internal/version.Version=...".
var (
	Version   = "0.1.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

func SetInfo(v, bt, gc, gv string) {
	if v != "" {
		Version = v
	}
	if bt != "" {
		BuildTime = bt
	}
	if gc != "" {
		GitCommit = gc
	}
	if gv != "" {
		GoVersion = gv
	}
}

// String is the one-line form printed by the version command.
func String() string {
	return fmt.Sprintf("seorunner %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}

func FormatStartupMessage() string {
	return fmt.Sprintf("seorunner started: version %s, build %s", Version, BuildTime)
}
