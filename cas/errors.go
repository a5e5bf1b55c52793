package cas

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// NotFoundError is returned when a digest or reference has no corresponding
// entry in the store. It is recoverable: callers decide whether to fetch,
// rebuild, or fail.
type NotFoundError struct {
	Digest digest.Digest
	Path   string
}

func (e NotFoundError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("cas: not found: %s", e.Path)
	}
	return fmt.Sprintf("cas: blob not found: %s", e.Digest)
}

// MalformedError is returned when a blob's bytes do not hash to the digest
// that addresses them, or a manifest fails to decode. It is fatal for the
// containing operation; the store does not attempt repair.
type MalformedError struct {
	Digest digest.Digest
	Reason error
}

func (e MalformedError) Error() string {
	return fmt.Sprintf("cas: malformed content at digest %s: %v", e.Digest, e.Reason)
}

func (e MalformedError) Unwrap() error { return e.Reason }

// IOError wraps an underlying filesystem error encountered while servicing
// an operation, preserving the original error for errors.Is/As callers.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e IOError) Error() string {
	return fmt.Sprintf("cas: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e IOError) Unwrap() error { return e.Err }
