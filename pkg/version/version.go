// Package version reports which build of agentd is running.
package version

import (
	"runtime/debug"
	"sync"
)

// commit can be injected at build time for container builds without VCS
// metadata: -ldflags "-X .../pkg/version.commit=<sha>".
var commit string

// Full returns the "agentd/<revision>" identifier shown in the startup log
// and /server_info.
func Full() string {
	return "agentd/" + revision()
}

// revision resolves once: the injected commit, the VCS revision baked into
// the binary, or "dev", in that order. Hashes are shortened to 8 chars.
var revision = sync.OnceValue(func() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return short(setting.Value)
			}
		}
	}
	return "dev"
})

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
