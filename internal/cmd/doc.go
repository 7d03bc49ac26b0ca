// Package cmd provides the command-line interface implementation for sqlarfs.
//
// It uses the Cobra library for command structure and Fang for styling.
// Each subcommand lives in its own file with a constructor that returns a
// *cobra.Command:
//   - create, archive: copy host trees into an archive
//   - extract: copy archive entries to the host
//   - list, remove: inspect and edit an archive in place
//   - mount: serve an archive over FUSE
//   - version: print build information
//
// The persistent --archive flag names the archive file for every
// subcommand; the --log-* flags configure the slog logger passed down to
// the sqlar and fusefs packages.
package cmd
