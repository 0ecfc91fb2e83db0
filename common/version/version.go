// Package version carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/nmattis/ehrlichgpt/common/version.Version=v1.2.0"
//
// Unset fields fall back to the VCS stamp the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version   = "v0.0.0-dev"
	GitCommit = ""
	BuildTime = ""
)

// Info is the one-line form printed by `ehrlich version`, e.g.
// "v1.2.0 (3f2a9c1) built 2026-01-02T15:04:05Z".
func Info() string {
	return fmt.Sprintf("%s (%s) built %s", Version, Commit(), Built())
}

// Commit returns GitCommit, or the short VCS revision when it was not linked.
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	commit, _ := vcsStamp()
	return commit
}

// Built returns BuildTime, or the VCS commit time when it was not linked.
func Built() string {
	if BuildTime != "" {
		return BuildTime
	}
	_, built := vcsStamp()
	return built
}

func vcsStamp() (commit, built string) {
	commit, built = "unknown", "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, built
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				commit = s.Value[:7]
			} else if s.Value != "" {
				commit = s.Value
			}
		case "vcs.time":
			if s.Value != "" {
				built = s.Value
			}
		}
	}
	return commit, built
}
