package buffer

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned by Pin and PinNew when every frame is
	// pinned. It is an expected condition under load; the caller decides
	// whether to retry later or abort.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrStaleHandle is returned when a Handle refers to a frame that has
	// since been reassigned to another block.
	ErrStaleHandle = errors.New("stale buffer handle")

	// ErrInvariantViolation is the cause carried by panics raised on
	// programming errors, such as unpinning an unpinned frame.
	ErrInvariantViolation = errors.New("buffer pool invariant violated")

	ErrInvalidPoolSize = errors.New("invalid pool size")
	ErrUnknownPolicy   = errors.New("unknown replacement policy")
)

func invariantf(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...)))
}
