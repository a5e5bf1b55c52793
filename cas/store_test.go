package cas

import (
	"context"
	"os"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Options{Root: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestPutBlobThenGetBlob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dgst, err := s.PutBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, digest.SHA256, dgst.Algorithm())

	got, err := s.GetBlob(ctx, dgst)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestPutBlobIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d1, err := s.PutBlob(ctx, []byte("same content"))
	require.NoError(t, err)
	d2, err := s.PutBlob(ctx, []byte("same content"))
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestGetBlobNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetBlob(ctx, digest.FromString("nope"))
	require.Error(t, err)
	require.IsType(t, NotFoundError{}, err)
}

func TestManifestCanonicalOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fileDgst, err := s.PutBlob(ctx, []byte("data"))
	require.NoError(t, err)

	entries := []Entry{
		{Name: "b", Kind: EntryFile, Digest: fileDgst},
		{Name: "a", Kind: EntryFile, Digest: fileDgst},
	}
	reversed := []Entry{entries[1], entries[0]}

	d1, err := s.PutManifest(ctx, entries)
	require.NoError(t, err)
	d2, err := s.PutManifest(ctx, reversed)
	require.NoError(t, err)
	require.Equal(t, d1, d2, "put_manifest must be invariant to entry order")
}

func TestGetManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	childDgst, err := s.PutBlob(ctx, []byte("child"))
	require.NoError(t, err)

	entries := []Entry{
		{Name: "file.txt", Kind: EntryFile, Digest: childDgst, Executable: true},
		{Name: "link", Kind: EntrySymlink, Target: "/somewhere"},
	}

	root, err := s.PutManifest(ctx, entries)
	require.NoError(t, err)

	got, err := s.GetManifest(ctx, root)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "file.txt", got[0].Name)
	require.True(t, got[0].Executable)
	require.Equal(t, "link", got[1].Name)
	require.Equal(t, "/somewhere", got[1].Target)
}

func TestGetBlobMalformedOnCorruption(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dgst, err := s.PutBlob(ctx, []byte("hello"))
	require.NoError(t, err)

	path, err := s.blobPath(dgst)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, 'X'), 0o644))

	_, err = s.GetBlob(ctx, dgst)
	require.Error(t, err)
	require.IsType(t, MalformedError{}, err)
}

func TestContainsDirectoryManifestOnlyVsDeep(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fileDgst, err := s.PutBlob(ctx, []byte("hello"))
	require.NoError(t, err)

	root, err := s.PutManifest(ctx, []Entry{
		{Name: "hello.txt", Kind: EntryFile, Digest: fileDgst},
	})
	require.NoError(t, err)

	ok, err := s.ContainsDirectory(ctx, root, false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ContainsDirectory(ctx, root, true)
	require.NoError(t, err)
	require.True(t, ok)

	path, err := s.blobPath(fileDgst)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	ok, err = s.ContainsDirectory(ctx, root, false)
	require.NoError(t, err)
	require.True(t, ok, "manifest-only mode doesn't care that the file blob is gone")

	ok, err = s.ContainsDirectory(ctx, root, true)
	require.NoError(t, err)
	require.False(t, ok, "deep mode requires the file blob to be present")
}

func TestContainsDirectoryMissingManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.ContainsDirectory(ctx, digest.FromString("no-such-manifest"), false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSizeSumsBlobsAndManifests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fileDgst, err := s.PutBlob(ctx, []byte("hello"))
	require.NoError(t, err)

	entries := []Entry{{Name: "hello.txt", Kind: EntryFile, Digest: fileDgst}}
	manifestBytes := encodeManifest(entries)
	root, err := s.PutManifest(ctx, entries)
	require.NoError(t, err)

	total, err := s.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len("hello")+len(manifestBytes)), total)
	_ = root
}
