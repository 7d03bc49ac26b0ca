package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dendrascience/sqlarfs/sqlar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

// writeTree creates a small host tree and returns its root:
//
//	src/a.txt
//	src/sub/b.txt
//	src/sub/link -> ../a.txt
func writeTree(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte(strings.Repeat("bravo ", 1000)), 0o600))
	require.NoError(t, os.Symlink("../a.txt", filepath.Join(src, "sub", "link")))
	return src
}

func lines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func TestCreateAndList(t *testing.T) {
	src := writeTree(t)
	archive := filepath.Join(t.TempDir(), "test.sqlar")

	out, err := runCLI(t, "create", "-a", archive, src)
	require.NoError(t, err)
	assert.Contains(t, out, archive)

	out, err = runCLI(t, "list", "-a", archive)
	require.NoError(t, err)
	assert.Equal(t, []string{"src", "src/a.txt", "src/sub", "src/sub/b.txt", "src/sub/link"}, lines(out))

	out, err = runCLI(t, "ls", "-a", archive, "-c", "src")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.txt", "src/sub"}, lines(out))

	out, err = runCLI(t, "ls", "-a", archive, "--type", "file", "--sort", "size", "--desc")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/sub/b.txt", "src/a.txt"}, lines(out))

	out, err = runCLI(t, "ls", "-a", archive, "-l", "-t", "symlink")
	require.NoError(t, err)
	assert.Contains(t, out, "src/sub/link -> ../a.txt")

	_, err = runCLI(t, "create", "-a", archive, src)
	assert.ErrorIs(t, err, sqlar.ErrAlreadyExists, "create never reuses an archive")
}

func TestCreateDefaultArchiveName(t *testing.T) {
	src := writeTree(t)

	_, err := runCLI(t, "c", "--compression", "zstd", src+string(filepath.Separator))
	require.NoError(t, err)
	_, err = os.Stat(src + ".sqlar")
	require.NoError(t, err)

	out, err := runCLI(t, "ls", "-a", src+".sqlar", "-c")
	require.NoError(t, err)
	assert.Equal(t, []string{"src"}, lines(out))
}

func TestListFlagErrors(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "test.sqlar")
	_, err := runCLI(t, "create", "-a", archive, writeTree(t))
	require.NoError(t, err)

	_, err = runCLI(t, "ls", "-a", archive, "--type", "socket")
	assert.ErrorIs(t, err, sqlar.ErrInvalidArgs)
	_, err = runCLI(t, "ls", "-a", archive, "--sort", "color")
	assert.ErrorIs(t, err, sqlar.ErrInvalidArgs)
	_, err = runCLI(t, "ls", "-a", archive, "--tree", "--children")
	assert.Error(t, err)
	_, err = runCLI(t, "ls", "-a", archive, "missing")
	assert.ErrorIs(t, err, sqlar.ErrNotFound)
}

func TestArchiveAndRemove(t *testing.T) {
	src := writeTree(t)
	archive := filepath.Join(t.TempDir(), "test.sqlar")
	_, err := runCLI(t, "create", "-a", archive, filepath.Join(src, "a.txt"))
	require.NoError(t, err)

	_, err = runCLI(t, "archive", "-a", archive, filepath.Join(src, "sub"), "deep/nested/sub")
	require.NoError(t, err)
	_, err = runCLI(t, "ar", "-a", archive, "--no-recursive", src)
	require.NoError(t, err)

	out, err := runCLI(t, "ls", "-a", archive)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"a.txt",
		"deep",
		"deep/nested",
		"deep/nested/sub",
		"deep/nested/sub/b.txt",
		"deep/nested/sub/link",
		"src",
	}, lines(out))

	_, err = runCLI(t, "rm", "-a", archive, "deep", "a.txt")
	require.NoError(t, err)
	out, err = runCLI(t, "ls", "-a", archive)
	require.NoError(t, err)
	assert.Equal(t, []string{"src"}, lines(out))

	_, err = runCLI(t, "rm", "-a", archive, "src", "missing")
	assert.ErrorIs(t, err, sqlar.ErrNotFound)
	out, err = runCLI(t, "ls", "-a", archive)
	require.NoError(t, err)
	assert.Equal(t, []string{"src"}, lines(out), "a failed remove changes nothing")
}

func TestExtract(t *testing.T) {
	src := writeTree(t)
	archive := filepath.Join(t.TempDir(), "test.sqlar")
	_, err := runCLI(t, "create", "-a", archive, src)
	require.NoError(t, err)

	all := t.TempDir()
	_, err = runCLI(t, "extract", "-a", archive, all)
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(all, "src", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("bravo ", 1000), string(b))
	target, err := os.Readlink(filepath.Join(all, "src", "sub", "link"))
	require.NoError(t, err)
	assert.Equal(t, "../a.txt", target)
	info, err := os.Stat(filepath.Join(all, "src", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	some := t.TempDir()
	_, err = runCLI(t, "ex", "-a", archive, "-s", "src/a.txt", "-s", "src/sub", "--no-recursive", some)
	require.NoError(t, err)
	b, err = os.ReadFile(filepath.Join(some, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(b))
	entries, err := os.ReadDir(filepath.Join(some, "sub"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = runCLI(t, "ex", "-a", archive, "-s", "src/a.txt", some)
	assert.ErrorIs(t, err, sqlar.ErrAlreadyExists, "existing host files are kept")

	_, err = runCLI(t, "ex", "-a", archive, filepath.Join(some, "a.txt"))
	assert.ErrorIs(t, err, sqlar.ErrNotADirectory)
}

func TestArchiveRequired(t *testing.T) {
	_, err := runCLI(t, "ls")
	assert.ErrorIs(t, err, errArchiveRequired)
	_, err = runCLI(t, "rm", "x")
	assert.ErrorIs(t, err, errArchiveRequired)
}

func TestLoggingFlags(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "test.sqlar")
	logFile := filepath.Join(t.TempDir(), "sqlarfs.log")

	_, err := runCLI(t, "create", "-a", archive, "--log-level", "info", "--log-format", "json", "--log-file", logFile, writeTree(t))
	require.NoError(t, err)
	b, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"archiving"`)

	_, err = runCLI(t, "ls", "-a", archive, "--log-level", "loud")
	assert.ErrorContains(t, err, "--log-level")
	_, err = runCLI(t, "ls", "-a", archive, "--log-format", "xml")
	assert.ErrorContains(t, err, "--log-format")
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "sqlarfs version "))
}
