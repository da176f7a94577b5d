// Package version exposes the build version stamped at link time.
package version

// Version is overridden via -ldflags at build time.
var Version = "dev"

// Get returns the current build version.
func Get() string {
	return Version
}
