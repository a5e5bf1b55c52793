// Package vdir implements the virtual directory: a mutable handle onto a
// subtree rooted at a manifest digest in the content-addressable store.
// Every mutation produces a new manifest and rebinds the handle to it, and
// the rebinding cascades upward through ancestor handles the same way the
// teacher's blob writer notifies its enclosing repository on commit, so a
// child handle's caller never has to manually re-fetch a parent to see the
// effect of a write made through a descendant.
package vdir

import (
	"context"
	"fmt"

	"github.com/buildstream-dev/artifactcache/cas"
	"github.com/opencontainers/go-digest"
)

// Directory is a handle onto one directory in a tree rooted in a cas.Store.
// It is not safe for concurrent use by multiple goroutines: callers that
// need concurrent access to the same subtree should open independent
// handles via Descend or OpenRoot.
type Directory struct {
	store   *cas.Store
	digest  digest.Digest
	entries []cas.Entry

	parent *Directory
	name   string
}

// NewRoot creates a new, empty directory and returns a handle rooted at it.
func NewRoot(ctx context.Context, store *cas.Store) (*Directory, error) {
	dgst, err := store.PutManifest(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Directory{store: store, digest: dgst}, nil
}

// OpenRoot returns a handle onto the existing manifest at root. The handle
// has no parent: mutations made through it rebind its own GetDigest but do
// not propagate anywhere, since the caller is responsible for recording the
// new root digest wherever it keeps one (typically a refidx.Index entry).
func OpenRoot(ctx context.Context, store *cas.Store, root digest.Digest) (*Directory, error) {
	entries, err := store.GetManifest(ctx, root)
	if err != nil {
		return nil, err
	}
	return &Directory{store: store, digest: root, entries: entries}, nil
}

// GetDigest returns the manifest digest this handle currently refers to.
func (d *Directory) GetDigest() digest.Digest { return d.digest }

// GetChildDigest returns the digest of the direct child entry named name,
// regardless of its kind.
func (d *Directory) GetChildDigest(name string) (digest.Digest, bool) {
	if e, ok := d.find(name); ok {
		return e.Digest, true
	}
	return "", false
}

func (d *Directory) find(name string) (cas.Entry, bool) {
	for _, e := range d.entries {
		if e.Name == name {
			return e, true
		}
	}
	return cas.Entry{}, false
}

func (d *Directory) indexOf(name string) int {
	for i, e := range d.entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// upsert replaces the entry named e.Name if present, or appends it.
func (d *Directory) upsert(e cas.Entry) {
	if i := d.indexOf(e.Name); i >= 0 {
		d.entries[i] = e
		return
	}
	d.entries = append(d.entries, e)
}

// Descend returns a handle onto the subdirectory named name. If name is
// absent and create is true, an empty subdirectory is created, published,
// and the creation is cascaded up to the root immediately. If name is
// absent and create is false, a cas.NotFoundError is returned. If name
// exists but is not a directory, an error is returned.
func (d *Directory) Descend(ctx context.Context, name string, create bool) (*Directory, error) {
	if e, ok := d.find(name); ok {
		if e.Kind != cas.EntryDirectory {
			return nil, fmt.Errorf("vdir: %q is a %s, not a directory", name, e.Kind)
		}
		entries, err := d.store.GetManifest(ctx, e.Digest)
		if err != nil {
			return nil, err
		}
		return &Directory{store: d.store, digest: e.Digest, entries: entries, parent: d, name: name}, nil
	}

	if !create {
		return nil, cas.NotFoundError{Path: name}
	}

	child, err := d.descendNoPublish(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := d.republish(ctx); err != nil {
		return nil, err
	}
	return child, nil
}

// descendNoPublish creates-or-opens a child handle without publishing the
// parent's manifest, for use by multi-step mutations (ImportFiles) that
// want to batch the eventual republish into one call.
func (d *Directory) descendNoPublish(ctx context.Context, name string) (*Directory, error) {
	if e, ok := d.find(name); ok {
		if e.Kind != cas.EntryDirectory {
			return nil, fmt.Errorf("vdir: %q is a %s, not a directory", name, e.Kind)
		}
		entries, err := d.store.GetManifest(ctx, e.Digest)
		if err != nil {
			return nil, err
		}
		return &Directory{store: d.store, digest: e.Digest, entries: entries, parent: d, name: name}, nil
	}

	emptyDigest, err := d.store.PutManifest(ctx, nil)
	if err != nil {
		return nil, err
	}
	d.upsert(cas.Entry{Name: name, Kind: cas.EntryDirectory, Digest: emptyDigest})
	return &Directory{store: d.store, digest: emptyDigest, parent: d, name: name}, nil
}

// Exists reports whether the entry at path (one or more name components,
// resolved relative to d) exists, without creating any handle or mutating
// d. It performs read-only manifest lookups for any intermediate directory
// components.
func (d *Directory) Exists(ctx context.Context, path ...string) (bool, error) {
	if len(path) == 0 {
		return true, nil
	}

	entries := d.entries
	for i, name := range path {
		e, ok := findEntry(entries, name)
		if !ok {
			return false, nil
		}
		if i == len(path)-1 {
			return true, nil
		}
		if e.Kind != cas.EntryDirectory {
			return false, nil
		}
		next, err := d.store.GetManifest(ctx, e.Digest)
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, err
		}
		entries = next
	}
	return true, nil
}

func findEntry(entries []cas.Entry, name string) (cas.Entry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return cas.Entry{}, false
}

func isNotFound(err error) bool {
	switch err.(type) {
	case cas.NotFoundError, cas.MalformedError:
		return true
	default:
		return false
	}
}

// ObjPath returns the real filesystem path backing the file entry named
// name, for callers that want to hand a path to something outside the
// cache (e.g. a sandboxed build process) rather than read the content
// through this package.
func (d *Directory) ObjPath(ctx context.Context, name string) (string, error) {
	e, ok := d.find(name)
	if !ok {
		return "", cas.NotFoundError{Path: name}
	}
	if e.Kind != cas.EntryFile {
		return "", fmt.Errorf("vdir: %q is a %s, not a file", name, e.Kind)
	}
	return d.store.BlobPath(e.Digest)
}

// GetSize returns the total byte size of this subtree: every file blob's
// content plus every manifest (this directory's and all descendants')
// bytes on disk.
func (d *Directory) GetSize(ctx context.Context) (int64, error) {
	manifestSize, err := d.store.BlobSize(ctx, d.digest)
	if err != nil {
		return 0, err
	}
	total := manifestSize

	for _, e := range d.entries {
		switch e.Kind {
		case cas.EntryFile:
			sz, err := d.store.BlobSize(ctx, e.Digest)
			if err != nil {
				return 0, err
			}
			total += sz
		case cas.EntryDirectory:
			child, err := d.Descend(ctx, e.Name, false)
			if err != nil {
				return 0, err
			}
			sz, err := child.GetSize(ctx)
			if err != nil {
				return 0, err
			}
			total += sz
		case cas.EntrySymlink:
			// no backing blob
		}
	}
	return total, nil
}

// republish writes d's current entries as a new manifest, rebinds d to it,
// and cascades the change up through every ancestor so the whole chain
// ends up rebound to a root digest that reflects the mutation.
func (d *Directory) republish(ctx context.Context) error {
	newDigest, err := d.store.PutManifest(ctx, d.entries)
	if err != nil {
		return err
	}
	d.digest = newDigest

	if d.parent != nil {
		d.parent.upsert(cas.Entry{Name: d.name, Kind: cas.EntryDirectory, Digest: newDigest})
		return d.parent.republish(ctx)
	}
	return nil
}
