package vdir

import (
	"context"
	"io"

	"github.com/buildstream-dev/artifactcache/cas"
)

// ImportFiles copies the tree described by source into d, merging with
// whatever d already contains: files and symlinks are overwritten by name,
// subdirectories are merged recursively, and everything else in d is left
// untouched. Source entries are visited in the same sorted order the store
// uses to canonicalize manifests. The whole import produces exactly one
// new manifest per directory level touched, published bottom-up and
// cascaded to d's root in a single call.
func (d *Directory) ImportFiles(ctx context.Context, source Source) error {
	if err := d.importInto(ctx, source); err != nil {
		return err
	}
	return d.republish(ctx)
}

// importInto merges source's content into d's in-memory entries without
// publishing d's own manifest; nested subdirectories are fully republished
// (so their child digest is real) before this call returns, but d itself
// is left for the caller to republish once, after every sibling has been
// merged in.
func (d *Directory) importInto(ctx context.Context, source Source) error {
	entries, err := source.list(ctx)
	if err != nil {
		return err
	}

	for _, se := range entries {
		switch se.Kind {
		case cas.EntryFile:
			rc, err := source.open(ctx, se.Name)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return cas.IOError{Op: "read", Path: se.Name, Err: err}
			}

			dgst, err := d.store.PutBlob(ctx, data)
			if err != nil {
				return err
			}
			d.upsert(cas.Entry{Name: se.Name, Kind: cas.EntryFile, Digest: dgst, Executable: se.Executable})

		case cas.EntrySymlink:
			d.upsert(cas.Entry{Name: se.Name, Kind: cas.EntrySymlink, Target: se.Target})

		case cas.EntryDirectory:
			child, err := d.descendNoPublish(ctx, se.Name)
			if err != nil {
				return err
			}
			sub, err := source.sub(ctx, se.Name)
			if err != nil {
				return err
			}
			if err := child.importInto(ctx, sub); err != nil {
				return err
			}
			if err := child.publishLocal(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

// publishLocal writes d's manifest and updates its parent's in-memory
// entry, without cascading the republish any further up the chain; the
// top-level ImportFiles call does that once, after every subtree below it
// has already settled on its final digest.
func (d *Directory) publishLocal(ctx context.Context) error {
	newDigest, err := d.store.PutManifest(ctx, d.entries)
	if err != nil {
		return err
	}
	d.digest = newDigest
	if d.parent != nil {
		d.parent.upsert(cas.Entry{Name: d.name, Kind: cas.EntryDirectory, Digest: newDigest})
	}
	return nil
}
