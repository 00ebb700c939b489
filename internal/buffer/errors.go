package buffer

import "github.com/cockroachdb/errors"

var (
	// ErrBlockFull signals the appender to link a successor Block.
	ErrBlockFull = errors.New("buffer: block full")
	// ErrStaleIterator means the Block under an iterator was unlinked or
	// rewritten. The consumer must resync from a later window.
	ErrStaleIterator = errors.New("buffer: iterator fell behind reclaimed data")
	// ErrStorageFailure wraps secondary storage errors. The affected arena
	// stays resident.
	ErrStorageFailure = errors.New("buffer: secondary storage failure")
	// ErrRevoked is returned to a Writer after another publisher claimed
	// the list or it was reset.
	ErrRevoked = errors.New("buffer: writer revoked")
	// ErrClosed is returned by operations on a closed DataList.
	ErrClosed = errors.New("buffer: data list closed")
)
