package cas

import (
	"context"
	"errors"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// ContainsDirectory reports whether the directory tree rooted at root is
// present locally. In manifest-only mode (withFiles=false) every
// transitively reachable manifest must be present, regardless of whether
// file blobs are. In deep mode (withFiles=true) every file entry's blob
// must also be present. Symlink targets are never chased.
//
// The traversal fans out across sibling subdirectories with a bounded
// errgroup (the same pattern the teacher's garbage collector uses to
// parallelize repository enumeration) and cancels outstanding work as soon
// as one branch reports a miss, preserving the spec's "short-circuits on
// first miss" behavior while still exploiting concurrency within a single
// process.
func (s *Store) ContainsDirectory(ctx context.Context, root digest.Digest, withFiles bool) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return s.containsDirectory(ctx, root, withFiles)
}

// errMissing is returned by a branch that finds a missing manifest or blob,
// so the errgroup cancels its context and the remaining branches stop early.
var errMissing = errors.New("cas: directory content missing")

func (s *Store) containsDirectory(ctx context.Context, root digest.Digest, withFiles bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	entries, err := s.GetManifest(ctx, root)
	if err != nil {
		if isNotFoundOrMalformed(err) {
			return false, nil
		}
		return false, err
	}

	var (
		mu      sync.Mutex
		missing bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, e := range entries {
		e := e
		switch e.Kind {
		case EntryDirectory:
			g.Go(func() error {
				ok, err := s.containsDirectory(gctx, e.Digest, withFiles)
				if err != nil {
					return err
				}
				if !ok {
					mu.Lock()
					missing = true
					mu.Unlock()
					return errMissing
				}
				return nil
			})
		case EntryFile:
			if !withFiles {
				continue
			}
			g.Go(func() error {
				ok, err := s.BlobExists(gctx, e.Digest)
				if err != nil {
					return err
				}
				if !ok {
					mu.Lock()
					missing = true
					mu.Unlock()
					return errMissing
				}
				return nil
			})
		case EntrySymlink:
			// symlink targets are never chased
		}
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, errMissing) {
			return false, nil
		}
		return false, err
	}

	return !missing, nil
}

func isNotFoundOrMalformed(err error) bool {
	switch err.(type) {
	case NotFoundError, MalformedError:
		return true
	default:
		return false
	}
}
