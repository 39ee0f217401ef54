// Package version holds the build-time version string, overridable via
// -ldflags "-X github.com/brinklane/revtun/internal/version.Version=...".
package version

var Version = "dev"
