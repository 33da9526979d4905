// Package version reports the build version stamped by the Go
// toolchain.
package version

import "runtime/debug"

var Version = "devel"

func init() {
	inf, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if inf.Main.Version != "" && inf.Main.Version != "(devel)" {
		Version = inf.Main.Version
	}
}
