// Package main provides the sqlarfs command-line interface.
//
// sqlarfs reads, writes and mounts SQLite Archive ("sqlar") files. An
// archive is a single SQLite database holding a tree of files, directories
// and symlinks, with file content compressed where that saves space.
//
// The binary supports these subcommands:
//   - create: Create a new archive from host files
//   - extract: Extract an archive to the host
//   - archive: Add host files to an existing archive
//   - list: List the entries of an archive
//   - remove: Remove entries from an archive
//   - mount: Mount an archive as a FUSE filesystem
//   - version: Print version information
package main
