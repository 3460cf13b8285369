// Package version holds build information set through -ldflags -X.
package version

// Version is the released version, bumped by the release tooling.
var Version = "0.0.0"

// GitCommit is the commit the binary was built from.
var GitCommit = "unknown"

// BuildDate is the UTC build timestamp.
var BuildDate = "unknown"

// String formats the build information for humans.
func String() string {
	return Version + " (commit " + GitCommit + ", built " + BuildDate + ")"
}
