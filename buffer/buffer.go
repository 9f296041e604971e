package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"bufferdb/file"
)

// BlockStore performs the raw block I/O for a buffer. *file.Manager satisfies it.
type BlockStore interface {
	Read(block file.BlockId, page *file.Page) error
	Write(block file.BlockId, page *file.Page) error
	Append(filename string) (file.BlockId, error)
	BlockSize() int
}

// LogFlusher makes log records durable. *log.Manager satisfies it.
type LogFlusher interface {
	// Flush returns once every record up to and including lsn is on disk.
	Flush(lsn int) error
}

// PageFormatter initializes the layout of a freshly allocated page.
type PageFormatter interface {
	Format(page *file.Page)
}

// PageFormatterFunc adapts a function to a PageFormatter.
type PageFormatterFunc func(page *file.Page)

func (f PageFormatterFunc) Format(page *file.Page) { f(page) }

/*
Buffer wraps one page of the pool and tracks its status: the block it holds,
how many times it is pinned, and, if its contents were modified, the
modifying transaction and the LSN of the log record covering the change.

The page contents, the modifying transaction and the LSN are guarded by the
buffer's own mutex, so a pinning goroutine may call the Get/Set methods
while another goroutine flushes. Everything else belongs to the pool and is
only touched with the pool mutex held.
*/
type Buffer struct {
	store BlockStore
	logs  LogFlusher
	clock *atomic.Uint64

	mu       sync.Mutex
	contents *file.Page
	txNum    int
	lsn      int

	frame      int
	block      *file.BlockId
	pins       int
	gen        uint64
	refBit     bool
	lastAccess atomic.Uint64
}

func newBuffer(store BlockStore, logs LogFlusher, clock *atomic.Uint64, frame int) *Buffer {
	return &Buffer{
		store:    store,
		logs:     logs,
		clock:    clock,
		contents: file.NewPage(store.BlockSize()),
		txNum:    -1,
		lsn:      -1,
		frame:    frame,
	}
}

// Block returns a copy of the block held by the buffer, or nil if the
// buffer holds none.
func (b *Buffer) Block() *file.BlockId {
	if b.block == nil {
		return nil
	}
	blk := *b.block
	return &blk
}

// GetInt returns the integer at offset. If no integer was stored there the
// result is unspecified.
func (b *Buffer) GetInt(offset int) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.contents.GetInt(offset)
}

// GetString returns the string at offset.
func (b *Buffer) GetString(offset int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.contents.GetString(offset)
}

/*
SetInt writes val at offset on behalf of transaction txNum. The caller is
expected to have appended a log record for the change already; lsn is that
record's LSN. A negative lsn means the change needs no log record and leaves
the buffer's LSN as it was.
*/
func (b *Buffer) SetInt(offset int, val int32, txNum, lsn int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.contents.SetInt(offset, val)
	b.setModified(txNum, lsn)
}

// SetString is the string counterpart of SetInt.
func (b *Buffer) SetString(offset int, val string, txNum, lsn int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.contents.SetString(offset, val); err != nil {
		return fmt.Errorf("cannot set string at offset %d: %w", offset, err)
	}
	b.setModified(txNum, lsn)
	return nil
}

func (b *Buffer) setModified(txNum, lsn int) {
	b.txNum = txNum
	if lsn >= 0 {
		b.lsn = lsn
	}
	b.touch()
}

// ModifyingTxn returns the transaction that last modified the buffer since
// its last flush, or -1 if it is clean.
func (b *Buffer) ModifyingTxn() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.txNum
}

// LSN returns the LSN of the latest logged modification, or -1.
func (b *Buffer) LSN() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lsn
}

func (b *Buffer) isModifiedBy(txNum int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.txNum >= 0 && b.txNum == txNum
}

func (b *Buffer) isPinned() bool {
	return b.pins > 0
}

func (b *Buffer) pin() {
	b.pins++
	b.refBit = true
	b.touch()
}

func (b *Buffer) unpin() {
	if b.pins <= 0 {
		invariantf("unpin of frame %d with pin count %d", b.frame, b.pins)
	}
	b.pins--
}

func (b *Buffer) touch() {
	b.lastAccess.Store(b.clock.Add(1))
}

// flush writes the page to its block if it is dirty. The log is always
// flushed up to the buffer's LSN before the page write starts. On failure
// the buffer stays dirty.
func (b *Buffer) flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.flushLocked()
}

func (b *Buffer) flushLocked() error {
	if b.txNum < 0 {
		return nil
	}
	if err := b.logs.Flush(b.lsn); err != nil {
		return fmt.Errorf("failed to flush log to lsn %d for txn %d: %w", b.lsn, b.txNum, err)
	}
	if err := b.store.Write(*b.block, b.contents); err != nil {
		return fmt.Errorf("failed to write block %s: %w", b.block, err)
	}
	b.txNum = -1
	return nil
}

/*
assignToBlock loads block into the buffer, flushing the previous contents
first if they are dirty. If that flush fails the buffer is left untouched.
If the read fails the buffer ends up unassigned.
*/
func (b *Buffer) assignToBlock(block file.BlockId) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.flushLocked(); err != nil {
		return err
	}
	if err := b.store.Read(block, b.contents); err != nil {
		b.unassign()
		return fmt.Errorf("failed to read block %s into frame %d: %w", block, b.frame, err)
	}
	b.reassign(block)
	return nil
}

/*
assignToNew formats the page, appends it to filename as a new block and
makes the buffer hold that block. Previous dirty contents are flushed first,
with the same failure behaviour as assignToBlock.
*/
func (b *Buffer) assignToNew(filename string, fmtr PageFormatter) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.flushLocked(); err != nil {
		return err
	}
	clear(b.contents.Contents())
	fmtr.Format(b.contents)
	block, err := b.store.Append(filename)
	if err != nil {
		b.unassign()
		return fmt.Errorf("failed to append block to %s: %w", filename, err)
	}
	if err := b.store.Write(block, b.contents); err != nil {
		b.unassign()
		return fmt.Errorf("failed to write new block %s: %w", block, err)
	}
	b.reassign(block)
	return nil
}

func (b *Buffer) reassign(block file.BlockId) {
	b.block = &block
	b.pins = 0
	b.lsn = -1
	b.gen++
	b.touch()
}

func (b *Buffer) unassign() {
	b.block = nil
	b.pins = 0
	b.lsn = -1
	b.gen++
}

func (b *Buffer) String() string {
	blockInfo := "unassigned"
	if b.block != nil {
		blockInfo = b.block.String()
	}
	return fmt.Sprintf("Buffer: %d, Pin: %d, Block: %s", b.frame, b.pins, blockInfo)
}
