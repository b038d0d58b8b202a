// Package cmd holds build metadata for the hbak binary.
//
//	go build -ldflags "-X github.com/thoreinstein/hbak/cmd.Version=v1.2.0 -X github.com/thoreinstein/hbak/cmd.Commit=$(git rev-parse --short HEAD)"
package cmd

// Set via ldflags at release time.
var (
	// Version is the release tag.
	Version = "dev"
	// Commit is the short commit hash.
	Commit = "none"
	// Date is the build timestamp in RFC 3339.
	Date = "unknown"
)
