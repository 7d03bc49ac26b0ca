package fusefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInodeTableAllocation(t *testing.T) {
	tbl := newInodeTable("")

	p, ok := tbl.path(rootInode)
	require.True(t, ok)
	assert.Equal(t, "", p)
	assert.Equal(t, uint64(rootInode), tbl.ino(""))

	a := tbl.ino("a")
	b := tbl.ino("a/b")
	assert.Greater(t, a, uint64(rootInode))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, tbl.ino("a"), "same path keeps its inode")
	assert.Equal(t, 3, tbl.len())
}

func TestInodeTableSubtree(t *testing.T) {
	tbl := newInodeTable("")
	for _, p := range []string{"a", "a/x", "a/x/y", "ab", "a.txt", "b"} {
		tbl.ino(p)
	}

	assert.Equal(t, []string{"a", "a/x", "a/x/y"}, tbl.subtree("a"))
	assert.Equal(t, []string{"b"}, tbl.subtree("b"))
	assert.Empty(t, tbl.subtree("missing"))
	assert.Len(t, tbl.subtree(""), 7)
}

func TestInodeTableRename(t *testing.T) {
	tbl := newInodeTable("")
	dir := tbl.ino("dir")
	child := tbl.ino("dir/child")
	sibling := tbl.ino("dirty")
	replaced := tbl.ino("other")

	tbl.rename("dir", "other")

	p, ok := tbl.path(dir)
	require.True(t, ok)
	assert.Equal(t, "other", p)
	p, ok = tbl.path(child)
	require.True(t, ok)
	assert.Equal(t, "other/child", p)
	p, ok = tbl.path(sibling)
	require.True(t, ok)
	assert.Equal(t, "dirty", p)

	_, ok = tbl.path(replaced)
	assert.False(t, ok, "inode of the replaced entry no longer resolves")
	assert.Equal(t, dir, tbl.ino("other"))
	assert.NotEqual(t, dir, tbl.ino("dir"), "old path gets a fresh inode")
}

func TestInodeTableUnlinkAndForget(t *testing.T) {
	tbl := newInodeTable("")
	dir := tbl.ino("d")
	file := tbl.ino("d/f")

	tbl.unlink("d")
	_, ok := tbl.path(dir)
	assert.False(t, ok)
	_, ok = tbl.path(file)
	assert.False(t, ok)
	assert.True(t, tbl.ids.Live(file), "ids stay allocated until forgotten")

	tbl.forget(file)
	assert.False(t, tbl.ids.Live(file))
	assert.Equal(t, file, tbl.ino("new"), "forgotten ids are reused")

	tbl.unlink("")
	p, ok := tbl.path(rootInode)
	require.True(t, ok, "root survives")
	assert.Equal(t, "", p)
	tbl.forget(rootInode)
	_, ok = tbl.path(rootInode)
	assert.True(t, ok)
}

func TestInodeTableForgetStaleMapping(t *testing.T) {
	tbl := newInodeTable("root")
	a := tbl.ino("root/a")
	b := tbl.ino("root/b")

	// b replaces a; forgetting a must not drop b's mapping.
	tbl.rename("root/b", "root/a")
	tbl.forget(a)
	assert.Equal(t, b, tbl.ino("root/a"))
	p, ok := tbl.path(b)
	require.True(t, ok)
	assert.Equal(t, "root/a", p)
}
