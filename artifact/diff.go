package artifact

import (
	"context"
	"path"

	"github.com/buildstream-dev/artifactcache/cas"
	"github.com/opencontainers/go-digest"
)

// ArtifactDiff is the entry-level difference between two artifacts' files/
// trees, keyed by slash-separated relative path.
type ArtifactDiff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Diff compares a's files/ tree against other's, structurally walking both
// manifest trees the way a manifest list handler walks two image manifests
// looking for differing layers. It is read-only and touches no invariant.
func (a *Artifact) Diff(ctx context.Context, other *Artifact) (ArtifactDiff, error) {
	left := map[string]digest.Digest{}
	right := map[string]digest.Digest{}

	if dgst, ok := a.root.GetChildDigest("files"); ok {
		if err := collectFileDigests(ctx, a.store, dgst, "", left); err != nil {
			return ArtifactDiff{}, err
		}
	}
	if dgst, ok := other.root.GetChildDigest("files"); ok {
		if err := collectFileDigests(ctx, other.store, dgst, "", right); err != nil {
			return ArtifactDiff{}, err
		}
	}

	var diff ArtifactDiff
	for p, ld := range left {
		rd, ok := right[p]
		switch {
		case !ok:
			diff.Removed = append(diff.Removed, p)
		case rd != ld:
			diff.Modified = append(diff.Modified, p)
		}
	}
	for p := range right {
		if _, ok := left[p]; !ok {
			diff.Added = append(diff.Added, p)
		}
	}

	return diff, nil
}

// collectFileDigests walks the manifest tree rooted at root, recording
// every file entry's digest keyed by its slash-separated path relative to
// the starting root. Symlinks and empty directories contribute no entries.
func collectFileDigests(ctx context.Context, store *cas.Store, root digest.Digest, prefix string, out map[string]digest.Digest) error {
	entries, err := store.GetManifest(ctx, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rel := path.Join(prefix, e.Name)
		switch e.Kind {
		case cas.EntryFile:
			out[rel] = e.Digest
		case cas.EntryDirectory:
			if err := collectFileDigests(ctx, store, e.Digest, rel, out); err != nil {
				return err
			}
		}
	}
	return nil
}
