package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildstream-dev/artifactcache/cas"
	"github.com/buildstream-dev/artifactcache/refidx"
	"github.com/buildstream-dev/artifactcache/vdir"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*cas.Store, *refidx.Index) {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	store, err := cas.NewStore(cas.Options{Root: filepath.Join(root, "cas")})
	require.NoError(t, err)

	idx, err := refidx.NewIndex(ctx, refidx.Options{Store: store, RefsRoot: filepath.Join(root, "refs")})
	require.NoError(t, err)

	return store, idx
}

func strongWeakPolicy() MaterializationPolicy {
	return MaterializationPolicy{RequireDirectories: true, RequireFiles: true}
}

func newCollectedFiles(t *testing.T, ctx context.Context, store *cas.Store, content map[string]string) *vdir.Directory {
	t.Helper()
	srcDir := t.TempDir()
	for name, data := range content {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), []byte(data), 0o644))
	}
	dir, err := vdir.NewRoot(ctx, store)
	require.NoError(t, err)
	require.NoError(t, dir.ImportFiles(ctx, vdir.FromFilesystem(srcDir)))
	return dir
}

func TestCommitThenResolveScenario(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestEnv(t)

	files := newCollectedFiles(t, ctx, store, map[string]string{"hello": "hello"})

	art, err := Commit(ctx, store, idx, strongWeakPolicy(), CommitInput{
		CollectedFiles: files,
		Success:        true,
		Summary:        "succeeded",
		StrongKey:      "aaaa",
		WeakKey:        "bbbb",
	})
	require.NoError(t, err)

	strongDigest, err := idx.Resolve(ctx, "aaaa")
	require.NoError(t, err)
	weakDigest, err := idx.Resolve(ctx, "bbbb")
	require.NoError(t, err)
	require.Equal(t, strongDigest, weakDigest)
	require.Equal(t, art.GetRootDigest(), strongDigest)

	cached, err := art.Cached(ctx)
	require.NoError(t, err)
	require.True(t, cached)

	strong, weak, err := art.GetKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, "aaaa", strong)
	require.Equal(t, "bbbb", weak)

	require.Equal(t, "aaaa", art.GetExtractKey())
}

func TestPartialMaterializationScenario(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestEnv(t)

	files := newCollectedFiles(t, ctx, store, map[string]string{"hello": "hello"})
	art, err := Commit(ctx, store, idx, strongWeakPolicy(), CommitInput{
		CollectedFiles: files,
		Success:        true,
		Summary:        "succeeded",
		StrongKey:      "aaaa",
		WeakKey:        "bbbb",
	})
	require.NoError(t, err)

	filesDigest, ok := art.root.GetChildDigest("files")
	require.True(t, ok)
	filesEntries, err := store.GetManifest(ctx, filesDigest)
	require.NoError(t, err)
	require.Len(t, filesEntries, 1)

	path, err := store.BlobPath(filesEntries[0].Digest)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	ok, err = store.ContainsDirectory(ctx, filesDigest, false)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.ContainsDirectory(ctx, filesDigest, true)
	require.NoError(t, err)
	require.False(t, ok)

	laxArt, err := Open(ctx, store, MaterializationPolicy{RequireDirectories: true, RequireFiles: false}, art.GetRootDigest(), "aaaa", "bbbb")
	require.NoError(t, err)
	cached, err := laxArt.Cached(ctx)
	require.NoError(t, err)
	require.True(t, cached, "require_files=false must not care that the file blob is gone")

	strictArt, err := Open(ctx, store, strongWeakPolicy(), art.GetRootDigest(), "aaaa", "bbbb")
	require.NoError(t, err)
	cached, err = strictArt.Cached(ctx)
	require.NoError(t, err)
	require.False(t, cached)
}

func TestMissingBuildResultDefaultsToSuccess(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestEnv(t)

	root, err := vdir.NewRoot(ctx, store)
	require.NoError(t, err)
	meta, err := root.Descend(ctx, "meta", true)
	require.NoError(t, err)

	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "keys.yaml"), []byte("strong: x\nweak: y\n"), 0o644))
	require.NoError(t, meta.ImportFiles(ctx, vdir.FromFilesystem(tmp)))

	require.NoError(t, idx.Commit(ctx, []string{"ref-no-result"}, root.GetDigest()))

	art, err := Open(ctx, store, strongWeakPolicy(), root.GetDigest(), "ref-no-result", "")
	require.NoError(t, err)

	result, err := art.GetBuildResult(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "succeeded", result.Summary)
	require.Nil(t, result.Detail)
}

func TestBuildtreePredicates(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestEnv(t)

	buildTree := newCollectedFiles(t, ctx, store, map[string]string{"sandbox-file": "x"})
	art, err := Commit(ctx, store, idx, strongWeakPolicy(), CommitInput{
		BuildTree: buildTree,
		Success:   true,
		Summary:   "succeeded",
		StrongKey: "with-buildtree",
	})
	require.NoError(t, err)

	require.True(t, art.BuildtreeExists())
	cachedBt, err := art.CachedBuildtree(ctx)
	require.NoError(t, err)
	require.True(t, cachedBt)

	noBuildTree, err := Commit(ctx, store, idx, strongWeakPolicy(), CommitInput{
		Success:   true,
		Summary:   "succeeded",
		StrongKey: "without-buildtree",
	})
	require.NoError(t, err)
	require.False(t, noBuildTree.BuildtreeExists())
}

func TestDiffDetectsAddedRemovedModified(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestEnv(t)

	filesA := newCollectedFiles(t, ctx, store, map[string]string{"same.txt": "same", "removed.txt": "gone", "changed.txt": "before"})
	artA, err := Commit(ctx, store, idx, strongWeakPolicy(), CommitInput{CollectedFiles: filesA, Success: true, Summary: "succeeded", StrongKey: "A"})
	require.NoError(t, err)

	filesB := newCollectedFiles(t, ctx, store, map[string]string{"same.txt": "same", "added.txt": "new", "changed.txt": "after"})
	artB, err := Commit(ctx, store, idx, strongWeakPolicy(), CommitInput{CollectedFiles: filesB, Success: true, Summary: "succeeded", StrongKey: "B"})
	require.NoError(t, err)

	diff, err := artA.Diff(ctx, artB)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"added.txt"}, diff.Added)
	require.ElementsMatch(t, []string{"removed.txt"}, diff.Removed)
	require.ElementsMatch(t, []string{"changed.txt"}, diff.Modified)
}

func TestOpenRefReportsCacheMissWithoutError(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestEnv(t)

	art, err := OpenRef(ctx, store, idx, strongWeakPolicy(), "never-built", "")
	require.NoError(t, err)

	cached, err := art.Cached(ctx)
	require.NoError(t, err)
	require.False(t, cached)
}

func TestOpenRefResolvesCommittedArtifact(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestEnv(t)

	files := newCollectedFiles(t, ctx, store, map[string]string{"hello": "hello"})
	committed, err := Commit(ctx, store, idx, strongWeakPolicy(), CommitInput{
		CollectedFiles: files,
		Success:        true,
		Summary:        "succeeded",
		StrongKey:      "aaaa",
		WeakKey:        "bbbb",
	})
	require.NoError(t, err)

	art, err := OpenRef(ctx, store, idx, strongWeakPolicy(), "aaaa", "bbbb")
	require.NoError(t, err)

	cached, err := art.Cached(ctx)
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, committed.GetRootDigest(), art.GetRootDigest())
}

func TestGetFilesAndGetBuildtree(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestEnv(t)

	files := newCollectedFiles(t, ctx, store, map[string]string{"hello": "hello"})
	buildTree := newCollectedFiles(t, ctx, store, map[string]string{"sandbox-file": "x"})
	art, err := Commit(ctx, store, idx, strongWeakPolicy(), CommitInput{
		CollectedFiles: files,
		BuildTree:      buildTree,
		Success:        true,
		Summary:        "succeeded",
		StrongKey:      "with-both",
	})
	require.NoError(t, err)

	filesDir, err := art.GetFiles(ctx)
	require.NoError(t, err)
	require.Equal(t, files.GetDigest(), filesDir.GetDigest())

	buildtreeDir, err := art.GetBuildtree(ctx)
	require.NoError(t, err)
	require.Equal(t, buildTree.GetDigest(), buildtreeDir.GetDigest())
}

func TestWorkspacedDefaultsAreNotAnomalies(t *testing.T) {
	ctx := context.Background()
	store, idx := newTestEnv(t)

	art, err := Commit(ctx, store, idx, strongWeakPolicy(), CommitInput{
		Success:   true,
		Summary:   "succeeded",
		StrongKey: "plain",
	})
	require.NoError(t, err)

	workspaced, err := art.GetWorkspaced(ctx)
	require.NoError(t, err)
	require.False(t, workspaced)

	deps, err := art.GetWorkspacedDependencies(ctx)
	require.NoError(t, err)
	require.Empty(t, deps)
}
