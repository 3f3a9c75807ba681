package version

import (
	"runtime/debug"
	"strings"
	"time"
)

// Module is the module path reported when build info is unavailable.
const Module = "pkt.systems/devgate"

// buildVersion is set via -ldflags "-X pkt.systems/devgate/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version  string
	Revision string
	Modified bool
	Go       string
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Read collects version details from the linker flag and the embedded build info.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	out := fromBuildInfo(info)
	if v := strings.TrimSpace(buildVersion); v != "" {
		out.Version = v
	}
	if out.Version == "" {
		out.Version = "v0.0.0-unknown"
	}
	return out
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	var out Info
	if info == nil {
		return out
	}
	out.Go = info.GoVersion
	var stamp time.Time
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.time":
			stamp, _ = time.Parse(time.RFC3339, setting.Value)
		case "vcs.modified":
			out.Modified = setting.Value == "true"
		}
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		out.Version = v
		return out
	}
	if out.Revision != "" && !stamp.IsZero() {
		rev := out.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		out.Version = "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + rev
	}
	return out
}

// String renders the info on one line.
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(Module)
	b.WriteString(" ")
	b.WriteString(i.Version)
	if i.Modified {
		b.WriteString(" (modified)")
	}
	if i.Go != "" {
		b.WriteString(" ")
		b.WriteString(i.Go)
	}
	return b.String()
}
