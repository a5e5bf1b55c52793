package cas

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/opencontainers/go-digest"
)

// EntryKind discriminates the three shapes a directory manifest entry can
// take, per the data model's file/directory/symlink trichotomy.
type EntryKind uint8

const (
	EntryFile EntryKind = iota
	EntryDirectory
	EntrySymlink
)

func (k EntryKind) String() string {
	switch k {
	case EntryFile:
		return "file"
	case EntryDirectory:
		return "directory"
	case EntrySymlink:
		return "symlink"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
}

// Entry is one named child of a directory manifest. Digest addresses the
// blob (file) or manifest (directory) the entry points at; Target holds a
// symlink's literal target string instead. Executable only applies to
// files.
type Entry struct {
	Name       string
	Kind       EntryKind
	Digest     digest.Digest
	Target     string
	Executable bool
}

// sortEntries returns entries sorted by byte-wise name order, the canonical
// order that makes put_manifest a pure function of the entry set (P2).
func sortEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// encodeManifest renders entries in canonical form: sorted by name, then
// one record per entry of <kind byte><namelen u32><name><payload>. Payload
// is an executable byte plus a length-prefixed digest string for files, a
// length-prefixed digest string for directories, or a length-prefixed
// target string for symlinks.
func encodeManifest(entries []Entry) []byte {
	sorted := sortEntries(entries)

	var buf bytes.Buffer
	var u32 [4]byte

	putUint32 := func(n int) {
		binary.BigEndian.PutUint32(u32[:], uint32(n))
		buf.Write(u32[:])
	}
	putString := func(s string) {
		putUint32(len(s))
		buf.WriteString(s)
	}

	for _, e := range sorted {
		buf.WriteByte(byte(e.Kind))
		putString(e.Name)

		switch e.Kind {
		case EntryFile:
			if e.Executable {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
			putString(string(e.Digest))
		case EntryDirectory:
			putString(string(e.Digest))
		case EntrySymlink:
			putString(e.Target)
		}
	}

	return buf.Bytes()
}

// decodeManifest parses bytes produced by encodeManifest. It returns a plain
// error on truncated or unrecognized input; GetManifest wraps that error in
// a MalformedError carrying the manifest's digest.
func decodeManifest(data []byte) ([]Entry, error) {
	r := bytes.NewReader(data)
	var entries []Entry

	readUint32 := func() (int, error) {
		var u32 [4]byte
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint32(u32[:])), nil
	}
	readString := func() (string, error) {
		n, err := readUint32()
		if err != nil {
			return "", err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	for r.Len() > 0 {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated manifest: %w", err)
		}
		kind := EntryKind(kindByte)

		name, err := readString()
		if err != nil {
			return nil, fmt.Errorf("truncated manifest entry name: %w", err)
		}

		entry := Entry{Name: name, Kind: kind}

		switch kind {
		case EntryFile:
			execByte, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("truncated manifest entry executable bit: %w", err)
			}
			entry.Executable = execByte != 0

			dgst, err := readString()
			if err != nil {
				return nil, fmt.Errorf("truncated manifest entry digest: %w", err)
			}
			entry.Digest = digest.Digest(dgst)
		case EntryDirectory:
			dgst, err := readString()
			if err != nil {
				return nil, fmt.Errorf("truncated manifest entry digest: %w", err)
			}
			entry.Digest = digest.Digest(dgst)
		case EntrySymlink:
			target, err := readString()
			if err != nil {
				return nil, fmt.Errorf("truncated manifest entry target: %w", err)
			}
			entry.Target = target
		default:
			return nil, fmt.Errorf("unknown manifest entry kind %d", kindByte)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}
