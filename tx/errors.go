package tx

import "errors"

var (
	// ErrBufferAbort means no frame became free within the wait limit. The
	// transaction holding the BufferList should abort and retry.
	ErrBufferAbort = errors.New("buffer abort")

	ErrNotPinned = errors.New("block not pinned by this transaction")
)
