// Package refidx maps reference strings to content-addressable root
// digests, serializes concurrent commits to the same reference, and
// enforces a storage quota by evicting least-recently-used references and
// sweeping the blobs only they reached.
package refidx

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildstream-dev/artifactcache/cas"
	"github.com/buildstream-dev/artifactcache/internal/metrics"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"
)

// recencyCapacity bounds the in-process LRU's entry count, not the byte
// quota (that's QuotaBytes, enforced in EvictTo against the store's actual
// on-disk size). It only needs to be large enough to hold every reference
// a deployment is likely to track at once.
const recencyCapacity = 1 << 20

// Options configures an Index.
type Options struct {
	Store *cas.Store
	// RefsRoot is the directory reference files are stored under,
	// mirroring the teacher's "current/link" tag layout.
	RefsRoot string
	// Metrics is optional; a nil Recorder disables instrumentation.
	Metrics *metrics.Recorder
}

// Index is the reference table and quota manager for one cas.Store.
type Index struct {
	store    *cas.Store
	refsRoot string
	metrics  *metrics.Recorder

	refLocks sync.Map // reference -> *sync.Mutex
	inflight sync.Map // reference -> struct{}, refs pinned by an in-flight commit

	mu   sync.RWMutex
	lru  *lru.Cache[string, digest.Digest]
	size int64
}

// NewIndex opens (creating if necessary) a reference index rooted at
// opts.RefsRoot, seeding the in-process recency index from whatever
// reference files already exist on disk.
func NewIndex(ctx context.Context, opts Options) (*Index, error) {
	if err := os.MkdirAll(opts.RefsRoot, 0o777); err != nil {
		return nil, cas.IOError{Op: "mkdir", Path: opts.RefsRoot, Err: err}
	}

	cache, err := lru.New[string, digest.Digest](recencyCapacity)
	if err != nil {
		return nil, err
	}

	idx := &Index{store: opts.Store, refsRoot: opts.RefsRoot, lru: cache, metrics: opts.Metrics}
	if err := idx.seed(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *Index) seed(ctx context.Context) error {
	return filepath.WalkDir(i.refsRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(i.refsRoot, path)
		if err != nil {
			return err
		}
		ref := filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			return cas.IOError{Op: "read", Path: path, Err: err}
		}
		i.lru.Add(ref, digest.Digest(strings.TrimSpace(string(data))))
		return nil
	})
}

func (i *Index) refLock(ref string) *sync.Mutex {
	l, _ := i.refLocks.LoadOrStore(ref, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (i *Index) refPath(ref string) string {
	return filepath.Join(i.refsRoot, filepath.FromSlash(ref))
}

// Resolve returns the root digest ref currently points at, or
// cas.NotFoundError if no such binding exists.
func (i *Index) Resolve(ctx context.Context, ref string) (digest.Digest, error) {
	defer i.metrics.ObserveLatency("resolve", time.Now())

	if d, ok := i.lru.Get(ref); ok {
		i.metrics.IncResolve(true)
		return d, nil
	}

	path := i.refPath(ref)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			i.metrics.IncResolve(false)
			return "", cas.NotFoundError{Path: ref}
		}
		return "", cas.IOError{Op: "read", Path: path, Err: err}
	}

	d := digest.Digest(strings.TrimSpace(string(data)))
	i.lru.Add(ref, d)
	i.metrics.IncResolve(true)
	return d, nil
}

// Commit installs every reference in refs to point at root, one reference
// at a time. Each reference file is replaced atomically on its own; the set
// as a whole is not: if installing one reference fails, the references
// before it in refs stay bound to root.
// Concurrent commits to the same reference are serialized per reference;
// the last one to acquire the lock determines the final binding.
func (i *Index) Commit(ctx context.Context, refs []string, root digest.Digest) error {
	defer i.metrics.ObserveLatency("commit", time.Now())

	for _, ref := range refs {
		i.inflight.Store(ref, struct{}{})
	}
	defer func() {
		for _, ref := range refs {
			i.inflight.Delete(ref)
		}
	}()

	for _, ref := range refs {
		if err := i.commitOne(ctx, ref, root); err != nil {
			return err
		}
	}
	i.metrics.IncCommit(len(refs))
	return nil
}

func (i *Index) commitOne(ctx context.Context, ref string, root digest.Digest) error {
	lock := i.refLock(ref)
	lock.Lock()
	defer lock.Unlock()

	path := i.refPath(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return cas.IOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, []byte(root.String()), 0o644); err != nil {
		return cas.IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return cas.IOError{Op: "rename", Path: path, Err: err}
	}

	i.lru.Add(ref, root)
	return nil
}

// Remove drops ref's binding. Once nothing else references the same root,
// its blobs become eligible for eviction's garbage collection sweep.
func (i *Index) Remove(ctx context.Context, ref string) error {
	lock := i.refLock(ref)
	lock.Lock()
	defer lock.Unlock()

	i.lru.Remove(ref)
	path := i.refPath(ref)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cas.IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// List returns every reference whose name has the given prefix, sorted.
// An empty prefix lists every reference.
func (i *Index) List(ctx context.Context, prefix string) ([]string, error) {
	var refs []string
	for _, ref := range i.lru.Keys() {
		if strings.HasPrefix(ref, prefix) {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

// ComputeCacheSize walks the store and returns the total bytes held,
// independent of whether those bytes are still reachable from a reference.
func (i *Index) ComputeCacheSize(ctx context.Context) (int64, error) {
	return i.store.Size(ctx)
}

// SetCacheSize updates the in-memory accounting from a previously computed
// walk, without re-walking the store.
func (i *Index) SetCacheSize(bytes int64) {
	i.mu.Lock()
	i.size = bytes
	i.mu.Unlock()
}

// CachedSize returns the last value recorded by SetCacheSize or EvictTo.
// ComputeCacheSize does not record its result here.
func (i *Index) CachedSize() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.size
}
