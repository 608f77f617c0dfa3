package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String returns Build with the VCS revision when the binary carries one.
func String() string {
	rev := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				rev = s.Value[:12]
			}
		}
	}
	if rev == "" {
		return fmt.Sprintf("%s (%s)", Build, runtime.Version())
	}
	return fmt.Sprintf("%s-%s (%s)", Build, rev, runtime.Version())
}
