package log

import (
	"fmt"

	"bufferdb/file"
)

// Iterator moves through the records of the log file in reverse order,
// newest first.
type Iterator struct {
	fileManager     *file.Manager
	block           file.BlockId
	page            *file.Page
	currentPosition int
}

// NewIterator creates an iterator positioned after the last record of block.
func NewIterator(fileManager *file.Manager, block file.BlockId) (*Iterator, error) {
	it := &Iterator{
		fileManager: fileManager,
		block:       block,
		page:        file.NewPage(fileManager.BlockSize()),
	}
	if err := it.moveToBlock(block); err != nil {
		return nil, err
	}
	return it, nil
}

// HasNext reports whether an earlier record exists.
func (it *Iterator) HasNext() bool {
	return it.currentPosition < it.fileManager.BlockSize() || it.block.Number() > 0
}

// Next returns the next earlier record, moving to the previous block when
// the current one is exhausted.
func (it *Iterator) Next() ([]byte, error) {
	if it.currentPosition == it.fileManager.BlockSize() {
		if it.block.Number() == 0 {
			return nil, ErrNoMoreRecords
		}
		if err := it.moveToBlock(file.NewBlockId(it.block.Filename(), it.block.Number()-1)); err != nil {
			return nil, err
		}
	}
	record, err := it.page.GetBytes(it.currentPosition)
	if err != nil {
		return nil, fmt.Errorf("corrupt log record in %s: %w", it.block, err)
	}
	it.currentPosition += file.IntSize + len(record)
	return record, nil
}

func (it *Iterator) moveToBlock(block file.BlockId) error {
	if err := it.fileManager.Read(block, it.page); err != nil {
		return fmt.Errorf("failed to read log block %s: %w", block, err)
	}
	it.block = block
	it.currentPosition = int(it.page.GetInt(0))
	return nil
}
