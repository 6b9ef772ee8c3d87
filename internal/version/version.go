// Package version holds build version information.
package version

// Version is the current casualmcp version. Overridden at build time via
// -ldflags "-X github.com/casualmcp/casualmcp/internal/version.Version=...".
var Version = "0.1.0"
