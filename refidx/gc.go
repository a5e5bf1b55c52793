package refidx

import (
	"context"
	"os"

	"github.com/buildstream-dev/artifactcache/cas"
	"github.com/opencontainers/go-digest"
)

// EvictTo removes references in least-recently-used order (touched by
// Resolve or Commit) until the store's total size is at or below
// targetBytes. After each removal it sweeps every blob no remaining
// reference can reach. If the store is already at or below targetBytes, it
// removes and sweeps nothing. References pinned by an in-flight commit are
// skipped. If nothing is
// left to evict and the store is still over target, it fails with
// QuotaExceededError.
func (i *Index) EvictTo(ctx context.Context, targetBytes int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	current, err := i.store.Size(ctx)
	if err != nil {
		return err
	}
	if current <= targetBytes {
		i.size = current
		return nil
	}

	evicted := 0
	for _, ref := range i.lru.Keys() {
		if current <= targetBytes {
			break
		}
		if _, pinned := i.inflight.Load(ref); pinned {
			continue
		}

		lock := i.refLock(ref)
		lock.Lock()
		i.lru.Remove(ref)
		path := i.refPath(ref)
		removeErr := os.Remove(path)
		lock.Unlock()
		if removeErr != nil && !os.IsNotExist(removeErr) {
			return cas.IOError{Op: "remove", Path: path, Err: removeErr}
		}
		evicted++

		// Removing a reference can only free bytes once the sweep below
		// deletes the blobs it alone reached; re-measure after each
		// removal so the loop stops as soon as it's freed enough,
		// instead of dropping every reference regardless of need.
		if err := i.gcSweep(ctx); err != nil {
			return err
		}
		current, err = i.store.Size(ctx)
		if err != nil {
			return err
		}
	}

	i.metrics.IncEvictions(evicted)

	if evicted == 0 {
		return QuotaExceededError{TargetBytes: targetBytes, CurrentBytes: current}
	}

	i.size = current
	if current > targetBytes {
		return QuotaExceededError{TargetBytes: targetBytes, CurrentBytes: current}
	}
	return nil
}

// gcSweep deletes every blob unreachable from a still-live reference,
// mirroring the teacher's garbage collector's mark-then-sweep shape:
// mark every digest reachable from the surviving reference set, then
// delete anything Walk finds that wasn't marked.
func (i *Index) gcSweep(ctx context.Context) error {
	marked := map[digest.Digest]struct{}{}
	for _, ref := range i.lru.Keys() {
		root, ok := i.lru.Get(ref)
		if !ok {
			continue
		}
		if err := markReachable(ctx, i.store, root, marked); err != nil {
			if isNotFoundOrMalformed(err) {
				continue
			}
			return err
		}
	}

	var toDelete []digest.Digest
	err := i.store.Walk(ctx, func(d digest.Digest, size int64) error {
		if _, ok := marked[d]; !ok {
			toDelete = append(toDelete, d)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, d := range toDelete {
		if err := i.store.DeleteBlob(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// markReachable walks the manifest tree rooted at root, recording root
// itself and every transitively reachable manifest/file digest.
func markReachable(ctx context.Context, store *cas.Store, root digest.Digest, marked map[digest.Digest]struct{}) error {
	if _, seen := marked[root]; seen {
		return nil
	}
	marked[root] = struct{}{}

	entries, err := store.GetManifest(ctx, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.Kind {
		case cas.EntryFile:
			marked[e.Digest] = struct{}{}
		case cas.EntryDirectory:
			if err := markReachable(ctx, store, e.Digest, marked); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNotFoundOrMalformed(err error) bool {
	switch err.(type) {
	case cas.NotFoundError, cas.MalformedError:
		return true
	default:
		return false
	}
}
