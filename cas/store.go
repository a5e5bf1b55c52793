// Package cas implements the content-addressable store: durable storage of
// opaque blobs and directory manifests keyed by digest, with containment
// queries that discriminate full from partial (metadata-only) presence.
//
// Writes land on a temporary path in the same directory as the final path
// and are atomically renamed in, following the same pattern as the
// filesystem storage driver this package is grounded on: readers that
// observe a rename-in-progress see either the old absence or the new
// presence, never a partial file.
package cas

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildstream-dev/artifactcache/internal/dcontext"
	"github.com/buildstream-dev/artifactcache/internal/metrics"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// Store is a content-addressable store rooted at a single directory on the
// local filesystem. A Store instance owns its root exclusively; the hash
// algorithm is pinned per instance and never mixed within it.
type Store struct {
	root    string
	alg     digest.Algorithm
	metrics *metrics.Recorder
}

// Options configures a Store.
type Options struct {
	// Root is the filesystem path the store owns exclusively.
	Root string
	// Algorithm is the one hash algorithm used for every digest this
	// store produces. Defaults to digest.SHA256 if empty.
	Algorithm digest.Algorithm
	// Metrics is optional; a nil Recorder disables instrumentation.
	Metrics *metrics.Recorder
}

// NewStore opens (creating if necessary) a content-addressable store at
// opts.Root.
func NewStore(opts Options) (*Store, error) {
	alg := opts.Algorithm
	if alg == "" {
		alg = digest.SHA256
	}
	if !alg.Available() {
		return nil, fmt.Errorf("cas: hash algorithm %s is not available", alg)
	}

	if err := os.MkdirAll(filepath.Join(opts.Root, "objects"), 0o777); err != nil {
		return nil, IOError{Op: "mkdir", Path: opts.Root, Err: err}
	}

	return &Store{root: opts.Root, alg: alg, metrics: opts.Metrics}, nil
}

// Algorithm returns the hash algorithm pinned to this store.
func (s *Store) Algorithm() digest.Algorithm { return s.alg }

// Root returns the filesystem path this store owns.
func (s *Store) Root() string { return s.root }

// BlobPath returns the real filesystem path backing d's blob, for callers
// that want to hand a path to something outside the store (e.g. a sandboxed
// build process) rather than read the content through Store.
func (s *Store) BlobPath(d digest.Digest) (string, error) {
	return s.blobPath(d)
}

// blobPath returns objects/<alg>/<first-two-hex>/<rest-hex> for d.
func (s *Store) blobPath(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("cas: invalid digest %q: %w", d, err)
	}
	hex := d.Encoded()
	if len(hex) < 3 {
		return "", fmt.Errorf("cas: digest %q too short to shard", d)
	}
	return filepath.Join(s.root, "objects", d.Algorithm().String(), hex[:2], hex[2:]), nil
}

// exists reports whether a regular file exists at path.
func exists(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err == nil {
		return !fi.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, IOError{Op: "stat", Path: path, Err: err}
}

// PutBlob writes p under its computed digest. Writing a blob whose content
// already hashes to an existing digest is a no-op save for computing the
// digest: the call is idempotent and safe under concurrent callers, since
// the final rename is atomic and losers simply overwrite an
// already-identical file.
func (s *Store) PutBlob(ctx context.Context, p []byte) (digest.Digest, error) {
	dgst := s.alg.FromBytes(p)

	path, err := s.blobPath(dgst)
	if err != nil {
		return "", err
	}

	if ok, err := exists(path); err != nil {
		return "", err
	} else if ok {
		return dgst, nil
	}

	if err := s.writeAtomic(path, p); err != nil {
		return "", err
	}

	dcontext.GetLogger(ctx).Debugf("cas: stored blob %s (%d bytes)", dgst, len(p))
	s.metrics.IncBlobPut()
	return dgst, nil
}

// writeAtomic writes data to a temp file beside path and renames it into
// place, creating parent directories as needed.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return IOError{Op: "mkdir", Path: dir, Err: err}
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp", uuid.NewString()))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return IOError{Op: "create", Path: tmpPath, Err: err}
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return IOError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return IOError{Op: "close", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return IOError{Op: "rename", Path: path, Err: err}
	}

	return nil
}

// GetBlob retrieves the blob addressed by dgst. It returns NotFoundError if
// absent, and MalformedError if the bytes on disk do not hash to dgst.
func (s *Store) GetBlob(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	path, err := s.blobPath(dgst)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFoundError{Digest: dgst, Path: path}
		}
		return nil, IOError{Op: "read", Path: path, Err: err}
	}

	if verifier := dgst.Verifier(); true {
		verifier.Write(data)
		if !verifier.Verified() {
			return nil, MalformedError{Digest: dgst, Reason: fmt.Errorf("content does not match digest")}
		}
	}

	s.metrics.IncBlobGet()

	return data, nil
}

// BlobExists reports whether dgst's blob is present locally, without
// reading or verifying its content.
func (s *Store) BlobExists(ctx context.Context, dgst digest.Digest) (bool, error) {
	path, err := s.blobPath(dgst)
	if err != nil {
		return false, err
	}
	return exists(path)
}

// BlobSize returns the on-disk size of dgst's blob without reading its
// content, for callers (get_size) that only need a byte count.
func (s *Store) BlobSize(ctx context.Context, dgst digest.Digest) (int64, error) {
	path, err := s.blobPath(dgst)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, NotFoundError{Digest: dgst}
		}
		return 0, IOError{Op: "stat", Path: path, Err: err}
	}
	return fi.Size(), nil
}

// DeleteBlob removes dgst's blob from disk. It is a no-op if the blob is
// already absent, and is the primitive the reference index builds garbage
// collection on: a blob is only ever deleted once nothing in the reference
// table can reach it anymore.
func (s *Store) DeleteBlob(ctx context.Context, dgst digest.Digest) error {
	path, err := s.blobPath(dgst)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// PutManifest serializes entries in canonical form and stores the result
// as an ordinary blob.
func (s *Store) PutManifest(ctx context.Context, entries []Entry) (digest.Digest, error) {
	return s.PutBlob(ctx, encodeManifest(entries))
}

// GetManifest retrieves and decodes the manifest blob at dgst.
func (s *Store) GetManifest(ctx context.Context, dgst digest.Digest) ([]Entry, error) {
	data, err := s.GetBlob(ctx, dgst)
	if err != nil {
		return nil, err
	}

	entries, err := decodeManifest(data)
	if err != nil {
		return nil, MalformedError{Digest: dgst, Reason: err}
	}
	return entries, nil
}

// Walk invokes fn for every blob (including manifest blobs) locally held,
// passing its digest and on-disk size. It is the basis for Size and for
// the reference index's compute_cache_size.
func (s *Store) Walk(ctx context.Context, fn func(d digest.Digest, size int64) error) error {
	objectsRoot := filepath.Join(s.root, "objects")
	err := filepath.WalkDir(objectsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		alg, hex, ok := splitObjectPath(objectsRoot, path)
		if !ok {
			return nil
		}

		dgst := digest.NewDigestFromEncoded(digest.Algorithm(alg), hex)
		info, err := d.Info()
		if err != nil {
			return err
		}

		return fn(dgst, info.Size())
	})
	if err != nil && !os.IsNotExist(err) {
		return IOError{Op: "walk", Path: objectsRoot, Err: err}
	}
	return nil
}

// splitObjectPath recovers (algorithm, hex) from a path under
// objects/<alg>/<2-hex>/<rest-hex>.
func splitObjectPath(objectsRoot, path string) (alg, hex string, ok bool) {
	rel, err := filepath.Rel(objectsRoot, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[0], parts[1] + parts[2], true
}

// Size returns the total on-disk size of every locally held blob and
// manifest.
func (s *Store) Size(ctx context.Context) (int64, error) {
	var total int64
	err := s.Walk(ctx, func(d digest.Digest, size int64) error {
		total += size
		return nil
	})
	return total, err
}
