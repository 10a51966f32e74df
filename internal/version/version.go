// Package version reports what binary is running.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "github.com/hmcts/bulk-scan-processor-sub002"

// buildVersion is set via -ldflags "-X github.com/hmcts/bulk-scan-processor-sub002/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	BuiltAt   string `json:"built_at,omitempty" yaml:"built_at,omitempty"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// Current returns the best available version string.
func Current() string {
	return Get().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Get().Module
}

// Get collects build information.
func Get() Info {
	out := Info{Module: defaultModule, GoVersion: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		vcs := readVCS(info)
		out.Revision, out.BuiltAt, out.Modified = vcs.revision, vcs.time, vcs.modified
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		out.Version = strings.TrimSpace(buildVersion)
	case ok && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	default:
		out.Version = pseudoVersion(out.Revision, out.BuiltAt, out.Modified)
	}
	return out
}

type vcsSettings struct {
	revision string
	time     string
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsSettings {
	var s vcsSettings
	if info == nil {
		return s
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			s.revision = setting.Value
		case "vcs.time":
			s.time = setting.Value
		case "vcs.modified":
			s.modified = setting.Value == "true"
		}
	}
	return s
}

func pseudoVersion(revision, vcsTime string, modified bool) string {
	if revision == "" || vcsTime == "" {
		return "v0.0.0-unknown"
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return "v0.0.0-unknown"
	}
	rev := revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if modified {
		ver += "+dirty"
	}
	return ver
}
