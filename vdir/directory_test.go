package vdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildstream-dev/artifactcache/cas"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *cas.Store {
	t.Helper()
	s, err := cas.NewStore(cas.Options{Root: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestNewRootIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d, err := NewRoot(ctx, s)
	require.NoError(t, err)

	ok, err := d.Exists(ctx, "anything")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDescendCreateThenReopenFromRoot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := NewRoot(ctx, s)
	require.NoError(t, err)

	child, err := root.Descend(ctx, "buildtree", true)
	require.NoError(t, err)
	require.NotNil(t, child)

	ok, err := root.Exists(ctx, "buildtree")
	require.NoError(t, err)
	require.True(t, ok, "creating a child must cascade to the parent's manifest")

	reopened, err := OpenRoot(ctx, s, root.GetDigest())
	require.NoError(t, err)
	ok, err = reopened.Exists(ctx, "buildtree")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDescendWithoutCreateNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := NewRoot(ctx, s)
	require.NoError(t, err)

	_, err = root.Descend(ctx, "missing", false)
	require.Error(t, err)
	require.IsType(t, cas.NotFoundError{}, err)
}

func TestDescendOnNonDirectoryErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := NewRoot(ctx, s)
	require.NoError(t, err)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "file.txt"), []byte("x"), 0o644))
	require.NoError(t, root.ImportFiles(ctx, FromFilesystem(srcDir)))

	_, err = root.Descend(ctx, "file.txt", false)
	require.Error(t, err)
}

func TestImportFilesFromFilesystem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "nested.txt"), []byte("nested"), 0o755))
	require.NoError(t, os.Symlink("/target", filepath.Join(srcDir, "link")))

	root, err := NewRoot(ctx, s)
	require.NoError(t, err)
	require.NoError(t, root.ImportFiles(ctx, FromFilesystem(srcDir)))

	ok, err := root.Exists(ctx, "top.txt")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = root.Exists(ctx, "sub", "nested.txt")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = root.Exists(ctx, "link")
	require.NoError(t, err)
	require.True(t, ok)

	path, err := root.ObjPath(ctx, "top.txt")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "top", string(data))

	sub, err := root.Descend(ctx, "sub", false)
	require.NoError(t, err)
	nestedPath, err := sub.ObjPath(ctx, "nested.txt")
	require.NoError(t, err)
	fi, err := os.Stat(nestedPath)
	require.NoError(t, err)
	_ = fi
}

func TestImportFilesMergesRatherThanReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := NewRoot(ctx, s)
	require.NoError(t, err)

	firstDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(firstDir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, root.ImportFiles(ctx, FromFilesystem(firstDir)))

	secondDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(secondDir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, root.ImportFiles(ctx, FromFilesystem(secondDir)))

	okA, err := root.Exists(ctx, "a.txt")
	require.NoError(t, err)
	okB, err := root.Exists(ctx, "b.txt")
	require.NoError(t, err)
	require.True(t, okA, "second import must not drop entries from the first")
	require.True(t, okB)
}

func TestImportFilesFromAnotherDirectory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	srcRoot, err := NewRoot(ctx, s)
	require.NoError(t, err)
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "copy-me.txt"), []byte("copy"), 0o644))
	require.NoError(t, srcRoot.ImportFiles(ctx, FromFilesystem(srcDir)))

	dstRoot, err := NewRoot(ctx, s)
	require.NoError(t, err)
	require.NoError(t, dstRoot.ImportFiles(ctx, FromDirectory(srcRoot)))

	ok, err := dstRoot.Exists(ctx, "copy-me.txt")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetSizeSumsFilesAndManifests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := NewRoot(ctx, s)
	require.NoError(t, err)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, root.ImportFiles(ctx, FromFilesystem(srcDir)))

	size, err := root.GetSize(ctx)
	require.NoError(t, err)
	require.Greater(t, size, int64(len("hello")), "total size must include manifest overhead, not just file bytes")
}

func TestGetChildDigestAndGetDigestStable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := NewRoot(ctx, s)
	require.NoError(t, err)
	before := root.GetDigest()

	_, err = root.Descend(ctx, "x", true)
	require.NoError(t, err)
	after := root.GetDigest()
	require.NotEqual(t, before, after, "creating a child must rebind the parent's digest")

	dgst, ok := root.GetChildDigest("x")
	require.True(t, ok)
	require.Equal(t, after, root.GetDigest())
	require.NotEmpty(t, dgst)
}
