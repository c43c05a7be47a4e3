// Package version resolves the daemon's version string from build metadata.
package version

import (
	"runtime/debug"
	"strings"
)

// buildVersion is set via -ldflags "-X pkt.systems/kvlockd/internal/version.buildVersion=...".
var buildVersion = ""

// Module returns the module path from build metadata, falling back to the
// bare binary name.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if p := strings.TrimSpace(info.Main.Path); p != "" {
			return p
		}
	}
	return "kvlockd"
}

// Current returns the best available version string.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		var revision, modified string
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				revision = setting.Value
			case "vcs.modified":
				modified = setting.Value
			}
		}
		if revision != "" {
			v := "v0.0.0-" + revision[:min(len(revision), 12)]
			if modified == "true" {
				v += "-dirty"
			}
			return v
		}
	}
	return "v0.0.0-unknown"
}
