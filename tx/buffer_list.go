package tx

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bufferdb/buffer"
	"bufferdb/file"
)

const (
	defaultMaxWaitTime = 10 * time.Second
	minBackoff         = time.Millisecond
	maxBackoff         = 50 * time.Millisecond
)

// pinnedBuffer tracks the pool handle of a block and how many times this
// transaction pinned it.
type pinnedBuffer struct {
	handle   buffer.Handle
	buffer   *buffer.Buffer
	refCount int
}

// BufferList manages the buffers pinned by one transaction. The pool is
// pinned once per block; repeated pins of the same block only bump a local
// reference count.
//
// When the pool is exhausted, Pin and PinNew retry with exponential backoff
// until a frame frees up or the wait limit passes, in which case they fail
// with ErrBufferAbort.
//
// A BufferList belongs to a single transaction and is not safe for
// concurrent use.
type BufferList struct {
	buffers       map[file.BlockId]*pinnedBuffer
	bufferManager *buffer.Manager
	maxWait       time.Duration
	logger        *log.Logger
}

// NewBufferList creates a BufferList over bufferManager. A zero maxWait
// selects the default of 10 seconds; a nil logger selects log.Default().
func NewBufferList(bufferManager *buffer.Manager, maxWait time.Duration, logger *log.Logger) *BufferList {
	if maxWait <= 0 {
		maxWait = defaultMaxWaitTime
	}
	if logger == nil {
		logger = log.Default()
	}
	return &BufferList{
		buffers:       make(map[file.BlockId]*pinnedBuffer),
		bufferManager: bufferManager,
		maxWait:       maxWait,
		logger:        logger,
	}
}

// GetBuffer returns the buffer pinned to the specified block, or nil if the
// transaction has not pinned it.
func (bl *BufferList) GetBuffer(block file.BlockId) *buffer.Buffer {
	pinnedBuf, ok := bl.buffers[block]
	if !ok {
		return nil
	}
	return pinnedBuf.buffer
}

// Pin pins block, waiting for a free frame if needed.
func (bl *BufferList) Pin(ctx context.Context, block file.BlockId) error {
	if pinnedBuf, ok := bl.buffers[block]; ok {
		pinnedBuf.refCount++
		return nil
	}

	h, err := bl.waitForFrame(ctx, block.String(), func() (buffer.Handle, error) {
		return bl.bufferManager.Pin(block)
	})
	if err != nil {
		return err
	}
	_, err = bl.track(h)
	return err
}

// PinNew appends a new block to filename, formatted by fmtr, pins it and
// returns its id.
func (bl *BufferList) PinNew(ctx context.Context, filename string, fmtr buffer.PageFormatter) (file.BlockId, error) {
	h, err := bl.waitForFrame(ctx, "new block of "+filename, func() (buffer.Handle, error) {
		return bl.bufferManager.PinNew(filename, fmtr)
	})
	if err != nil {
		return file.BlockId{}, err
	}
	return bl.track(h)
}

// Unpin drops one reference to block. The pool pin is released with the
// last reference.
func (bl *BufferList) Unpin(block file.BlockId) error {
	pinnedBuf, ok := bl.buffers[block]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPinned, block)
	}
	pinnedBuf.refCount--
	if pinnedBuf.refCount > 0 {
		return nil
	}
	delete(bl.buffers, block)
	return bl.bufferManager.Unpin(pinnedBuf.handle)
}

// UnpinAll releases every block pinned by the transaction.
func (bl *BufferList) UnpinAll() error {
	var errs []error
	for block, pinnedBuf := range bl.buffers {
		if err := bl.bufferManager.Unpin(pinnedBuf.handle); err != nil {
			errs = append(errs, fmt.Errorf("cannot unpin %s: %w", block, err))
		}
	}
	clear(bl.buffers)
	return errors.Join(errs...)
}

// track records a fresh pool pin under the block its buffer holds.
func (bl *BufferList) track(h buffer.Handle) (file.BlockId, error) {
	buff, err := bl.bufferManager.Buffer(h)
	if err != nil {
		return file.BlockId{}, err
	}
	block := *buff.Block()
	bl.buffers[block] = &pinnedBuffer{handle: h, buffer: buff, refCount: 1}
	return block, nil
}

// waitForFrame calls pin until it stops failing with buffer.ErrPoolExhausted,
// sleeping between attempts. It gives up when ctx is done or maxWait passes.
func (bl *BufferList) waitForFrame(ctx context.Context, what string, pin func() (buffer.Handle, error)) (buffer.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, bl.maxWait)
	defer cancel()

	backoff := minBackoff
	for {
		h, err := pin()
		if !errors.Is(err, buffer.ErrPoolExhausted) {
			return h, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				bl.logger.Printf("giving up on %s after waiting for a free buffer", what)
				return buffer.Handle{}, fmt.Errorf("%w: could not pin %s: %v", ErrBufferAbort, what, ctx.Err())
			}
			return buffer.Handle{}, ctx.Err()
		case <-timer.C:
		}
		backoff = min(2*backoff, maxBackoff)
	}
}
