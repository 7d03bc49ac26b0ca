// Package util provides small building blocks shared by the sqlar and fusefs
// packages.
//
//   - IDTable hands out recycled numeric identifiers, used for inode and file
//     handle numbers.
//   - Spool is a random-access byte buffer that starts in memory and moves to
//     a temporary file once it grows past a limit, used to stage file content
//     before it is compressed into the archive.
package util
