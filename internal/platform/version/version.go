// Package version identifies the running relay build.
package version

import (
	"fmt"
	"log/slog"
	"runtime"
)

// Set with -ldflags "-X github.com/pscheid92/chanrelay/internal/platform/version.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is what /version returns.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// Labels identifies the build on metrics. BuildTime is left out since it
// would split series between otherwise identical binaries.
func (i Info) Labels() map[string]string {
	return map[string]string{
		"version":    i.Version,
		"commit":     i.ShortCommit(),
		"go_version": i.GoVersion,
	}
}

// ShortCommit trims a full git hash to the usual seven characters.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 7 && i.Commit != "unknown" {
		return i.Commit[:7]
	}
	return i.Commit
}

// LogValue renders the build as a slog group.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", i.Version),
		slog.String("commit", i.ShortCommit()),
		slog.String("built", i.BuildTime),
		slog.String("go", i.GoVersion),
	)
}

func (i Info) String() string {
	return fmt.Sprintf("chanrelay %s (%s, built %s, %s)", i.Version, i.ShortCommit(), i.BuildTime, i.GoVersion)
}
