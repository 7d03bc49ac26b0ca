// Package sqlar implements a transactional file tree stored in a SQLite
// Archive ("sqlar") file.
//
// An archive is a single SQLite database with one table:
//
//	CREATE TABLE sqlar(name TEXT PRIMARY KEY, mode INT, mtime INT, sz INT, data BLOB)
//
// Each row is one file, directory or symlink, keyed by its relative path.
// The root directory is implicit. Directories have NULL data, symlinks have
// a size of -1 and keep their target in data, and regular files keep their
// content in data, compressed whenever that makes it smaller. Archives
// written with the default codec can be read by the reference sqlite3 -A
// tool and vice versa.
//
// Everything happens inside a transaction:
//
//	conn, err := sqlar.Open(ctx, "photos.sqlar", sqlar.OpenOptions{Create: true})
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	err = conn.Exec(ctx, func(ar *sqlar.Archive) error {
//		f, err := ar.Open("albums/2024")
//		if err != nil {
//			return err
//		}
//		if err := f.CreateDirAll(ctx); err != nil {
//			return err
//		}
//		img, err := ar.Open("albums/2024/cover.jpg")
//		if err != nil {
//			return err
//		}
//		if err := img.CreateFile(ctx); err != nil {
//			return err
//		}
//		return img.WriteFrom(ctx, src)
//	})
//
// Exec commits when the closure returns nil and rolls back otherwise, so
// multi-entry operations such as recursive removal, directory renames and
// tree imports are all-or-nothing.
//
// Compression codecs other than "none" can be left out of a build with the
// sqlar_nocompress build tag. Opening compressed content in such a build
// fails with ErrUnsupportedCodec.
package sqlar
