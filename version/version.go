// Package version carries build information stamped in with -ldflags:
//
//	go build -ldflags "-X github.com/teranos/pulse/version.Version=v1.2.0 \
//	  -X github.com/teranos/pulse/version.CommitHash=$(git rev-parse HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// Set at build time.
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info describes the running binary.
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String is the one-line form printed by pulse version.
func (i Info) String() string {
	return fmt.Sprintf("pulse %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short is the abbreviated commit hash, also reported in scheduler metadata.
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// Fields returns the build information as structured log key/values.
func (i Info) Fields() []interface{} {
	return []interface{}{
		"version", i.Version,
		"commit", i.Short(),
		"go", i.GoVersion,
		"platform", i.Platform,
	}
}
