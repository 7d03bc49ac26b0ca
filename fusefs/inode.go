package fusefs

import (
	"strings"

	"github.com/dendrascience/sqlarfs/util"
	"github.com/tidwall/btree"
)

// rootInode is the inode number the kernel expects for the mount root.
const rootInode = 1

// inodeTable maps archive paths to inode numbers and back. Paths are kept in
// an ordered map so a directory and everything below it can be found with
// one range scan.
type inodeTable struct {
	ids   *util.IDTable
	paths *btree.Map[string, uint64]
	inos  map[uint64]string
}

func newInodeTable(root string) *inodeTable {
	t := &inodeTable{
		ids:   util.NewIDTable(rootInode),
		paths: btree.NewMap[string, uint64](0),
		inos:  make(map[uint64]string),
	}
	t.paths.Set(root, rootInode)
	t.inos[rootInode] = root
	return t
}

// ino returns the inode for path, allocating one on first sight.
func (t *inodeTable) ino(path string) uint64 {
	if ino, ok := t.paths.Get(path); ok {
		return ino
	}
	ino := t.ids.Next()
	t.paths.Set(path, ino)
	t.inos[ino] = path
	return ino
}

// path returns the current path of ino. It fails for inodes whose entry
// has been removed.
func (t *inodeTable) path(ino uint64) (string, bool) {
	p, ok := t.inos[ino]
	return p, ok
}

// subtree returns path and every mapped path below it.
func (t *inodeTable) subtree(path string) []string {
	out := []string{}
	if _, ok := t.paths.Get(path); ok {
		out = append(out, path)
	}
	prefix := path + "/"
	if path == "" {
		prefix = ""
	}
	t.paths.Ascend(prefix, func(p string, _ uint64) bool {
		if !strings.HasPrefix(p, prefix) {
			return false
		}
		if p != path {
			out = append(out, p)
		}
		return true
	})
	return out
}

// unlink detaches path and its descendants from their inodes. The inode
// numbers stay allocated until the kernel forgets them, but no longer
// resolve to a path.
func (t *inodeTable) unlink(path string) {
	for _, p := range t.subtree(path) {
		if ino, _ := t.paths.Get(p); ino == rootInode {
			continue
		}
		ino, _ := t.paths.Delete(p)
		delete(t.inos, ino)
	}
}

// rename moves the inodes of oldPath and its descendants under newPath.
// Whatever was mapped at newPath is unlinked first.
func (t *inodeTable) rename(oldPath, newPath string) {
	if oldPath == newPath {
		return
	}
	t.unlink(newPath)
	for _, p := range t.subtree(oldPath) {
		ino, _ := t.paths.Delete(p)
		np := newPath + strings.TrimPrefix(p, oldPath)
		t.paths.Set(np, ino)
		t.inos[ino] = np
	}
}

// forget releases ino once the kernel holds no more references to it.
func (t *inodeTable) forget(ino uint64) {
	if ino == rootInode {
		return
	}
	if p, ok := t.inos[ino]; ok {
		if cur, _ := t.paths.Get(p); cur == ino {
			t.paths.Delete(p)
		}
		delete(t.inos, ino)
	}
	t.ids.Release(ino)
}

// len returns the number of inodes that still resolve to a path.
func (t *inodeTable) len() int {
	return len(t.inos)
}
