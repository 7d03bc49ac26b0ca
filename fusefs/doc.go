// Package fusefs serves a sqlar archive as a FUSE filesystem using
// bazil.org/fuse.
//
// Every kernel request becomes one archive transaction, and requests are
// handled one at a time. Inode numbers are assigned to archive paths on
// first sight and follow entries across renames; an inode whose entry was
// removed answers ENOENT until the kernel forgets it.
//
// Writes go to a working copy shared by every writable handle on a file and
// are stored, compressed with the archive's codec, on flush, fsync and the
// last release.
package fusefs
