package vdir

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/buildstream-dev/artifactcache/cas"
)

// sourceEntry describes one entry a Source yields during ImportFiles,
// normalized to the same file/directory/symlink trichotomy as cas.Entry.
type sourceEntry struct {
	Name       string
	Kind       cas.EntryKind
	Executable bool
	Target     string
}

// Source abstracts the two things ImportFiles can copy from: a real
// filesystem directory, or another virtual directory already living in a
// (possibly different) store.
type Source interface {
	list(ctx context.Context) ([]sourceEntry, error)
	open(ctx context.Context, name string) (io.ReadCloser, error)
	sub(ctx context.Context, name string) (Source, error)
}

// FromFilesystem returns a Source that imports the real directory at root.
func FromFilesystem(root string) Source {
	return fsSource{root: root}
}

type fsSource struct {
	root string
}

func (s fsSource) list(ctx context.Context) ([]sourceEntry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, cas.IOError{Op: "readdir", Path: s.root, Err: err}
	}

	out := make([]sourceEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		path := filepath.Join(s.root, de.Name())
		fi, err := os.Lstat(path)
		if err != nil {
			return nil, cas.IOError{Op: "lstat", Path: path, Err: err}
		}

		se := sourceEntry{Name: de.Name()}
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return nil, cas.IOError{Op: "readlink", Path: path, Err: err}
			}
			se.Kind = cas.EntrySymlink
			se.Target = target
		case fi.IsDir():
			se.Kind = cas.EntryDirectory
		default:
			se.Kind = cas.EntryFile
			se.Executable = fi.Mode()&0o100 != 0
		}
		out = append(out, se)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s fsSource) open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		return nil, cas.IOError{Op: "open", Path: filepath.Join(s.root, name), Err: err}
	}
	return f, nil
}

func (s fsSource) sub(ctx context.Context, name string) (Source, error) {
	return fsSource{root: filepath.Join(s.root, name)}, nil
}

// FromDirectory returns a Source that imports the content of an
// already-open virtual directory.
func FromDirectory(d *Directory) Source {
	return dirSource{dir: d}
}

type dirSource struct {
	dir *Directory
}

func (s dirSource) list(ctx context.Context) ([]sourceEntry, error) {
	out := make([]sourceEntry, 0, len(s.dir.entries))
	for _, e := range s.dir.entries {
		out = append(out, sourceEntry{Name: e.Name, Kind: e.Kind, Executable: e.Executable, Target: e.Target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s dirSource) open(ctx context.Context, name string) (io.ReadCloser, error) {
	e, ok := s.dir.find(name)
	if !ok {
		return nil, cas.NotFoundError{Path: name}
	}
	data, err := s.dir.store.GetBlob(ctx, e.Digest)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s dirSource) sub(ctx context.Context, name string) (Source, error) {
	child, err := s.dir.Descend(ctx, name, false)
	if err != nil {
		return nil, err
	}
	return dirSource{dir: child}, nil
}
