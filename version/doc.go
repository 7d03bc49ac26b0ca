// Package version reports the version and build metadata of sqlarfs.
//
// Release builds inject Version, Commit and Date through -ldflags:
//
//	-ldflags "-X github.com/dendrascience/sqlarfs/version.Version=v1.0.0 -X github.com/dendrascience/sqlarfs/version.Commit=abc123"
//
// Otherwise the values come from the build info recorded by the Go
// toolchain, falling back to development defaults.
package version
