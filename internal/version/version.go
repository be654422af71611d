package version

import "runtime/debug"

// Get returns the module version baked into the binary, or the VCS revision
// when built from source.
func Get() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unavailable"
	}

	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}

	return "unavailable"
}
