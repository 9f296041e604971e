package log

import (
	"errors"
	"fmt"
	"sync"

	"bufferdb/file"
)

var (
	ErrRecordTooLarge = errors.New("log record does not fit in a block")
	ErrNoMoreRecords  = errors.New("no more log records")
)

// Manager is the write-ahead log. Records are appended to the last block of
// the log file, filling it from the end towards the front; offset 0 of every
// log block holds the boundary, the position of the most recently written
// record. Each record gets a log sequence number (LSN), starting at 1.
// The Manager is safe for concurrent use.
type Manager struct {
	fileManager  *file.Manager
	logFile      string
	logPage      *file.Page
	currentBlock file.BlockId
	latestLSN    int
	lastSavedLSN int
	mu           sync.Mutex
}

func NewManager(fileManager *file.Manager, logFile string) (*Manager, error) {
	logPage := file.NewPage(fileManager.BlockSize())

	logSize, err := fileManager.Length(logFile)
	if err != nil {
		return nil, fmt.Errorf("failed to get log file length: %w", err)
	}

	var currentBlock file.BlockId
	if logSize == 0 {
		currentBlock, err = appendNewBlock(fileManager, logFile, logPage)
		if err != nil {
			return nil, err
		}
	} else {
		currentBlock = file.NewBlockId(logFile, logSize-1)
		if err := fileManager.Read(currentBlock, logPage); err != nil {
			return nil, fmt.Errorf("failed to read log page: %w", err)
		}
	}
	return &Manager{
		fileManager:  fileManager,
		logFile:      logFile,
		logPage:      logPage,
		currentBlock: currentBlock,
	}, nil
}

// Flush makes every record up to and including lsn durable.
// It does nothing if those records are already on disk.
func (m *Manager) Flush(lsn int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lsn > m.lastSavedLSN {
		return m.flush()
	}
	return nil
}

// Iterator flushes the log and returns an iterator positioned after the
// most recent record.
func (m *Manager) Iterator() (*Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.flush(); err != nil {
		return nil, err
	}
	return NewIterator(m.fileManager, m.currentBlock)
}

// Append adds a record to the log and returns its LSN. The record is not
// durable until Flush is called with an LSN at least as large.
func (m *Manager) Append(logRecord []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bytesNeeded := len(logRecord) + file.IntSize
	if bytesNeeded+file.IntSize > m.fileManager.BlockSize() {
		return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(logRecord))
	}

	boundary := int(m.logPage.GetInt(0))
	if boundary-bytesNeeded < file.IntSize {
		if err := m.flush(); err != nil {
			return 0, err
		}
		block, err := appendNewBlock(m.fileManager, m.logFile, m.logPage)
		if err != nil {
			return 0, err
		}
		m.currentBlock = block
		boundary = int(m.logPage.GetInt(0))
	}

	recordPosition := boundary - bytesNeeded
	if err := m.logPage.SetBytes(recordPosition, logRecord); err != nil {
		return 0, err
	}
	m.logPage.SetInt(0, int32(recordPosition))

	m.latestLSN++
	return m.latestLSN, nil
}

// LatestLSN returns the LSN of the most recently appended record.
func (m *Manager) LatestLSN() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latestLSN
}

func appendNewBlock(fileManager *file.Manager, logFile string, logPage *file.Page) (file.BlockId, error) {
	block, err := fileManager.Append(logFile)
	if err != nil {
		return file.BlockId{}, fmt.Errorf("failed to append log block: %w", err)
	}
	clear(logPage.Contents())
	logPage.SetInt(0, int32(fileManager.BlockSize()))

	if err := fileManager.Write(block, logPage); err != nil {
		return file.BlockId{}, fmt.Errorf("failed to write log block %s: %w", block, err)
	}
	return block, nil
}

// flush writes the log page to disk. Callers hold m.mu.
func (m *Manager) flush() error {
	if err := m.fileManager.Write(m.currentBlock, m.logPage); err != nil {
		return fmt.Errorf("failed to write log page: %w", err)
	}
	m.lastSavedLSN = m.latestLSN
	return nil
}
