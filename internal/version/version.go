package version

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time via -ldflags "-X .../internal/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get collects the build information. BuildTime is rendered in a readable
// form when it parses as RFC 3339.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    CommitID,
		BuildTime: buildTime(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func buildTime() string {
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.UTC().Format("Mon Jan 2 15:04:05 2006")
}

// Short is the one-line form printed by --version.
func Short() string {
	return fmt.Sprintf("gbox-recorder version %s, build %s", Version, CommitID)
}
