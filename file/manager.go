package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrPartialRead = errors.New("partial block read")

// Manager reads, writes and appends fixed-size blocks in the files of one
// database directory. Every block of every file has the same size.
// The Manager is safe for concurrent use.
type Manager struct {
	dbDirectory   string
	blockSize     int
	isNew         bool
	mu            sync.Mutex
	openFiles     map[string]*os.File
	blocksRead    int
	blocksWritten int
}

// NewManager opens (creating if needed) dbDirectory. Leftover files whose
// names start with "temp" are removed.
func NewManager(dbDirectory string, blockSize int) (*Manager, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}

	isNew := false
	if _, err := os.Stat(dbDirectory); os.IsNotExist(err) {
		isNew = true
		if err := os.MkdirAll(dbDirectory, 0755); err != nil {
			return nil, fmt.Errorf("cannot create directory %s: %w", dbDirectory, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("cannot access directory %s: %w", dbDirectory, err)
	}

	entries, err := os.ReadDir(dbDirectory)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory %s: %w", dbDirectory, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "temp") {
			continue
		}
		tempFilePath := filepath.Join(dbDirectory, entry.Name())
		if err := os.Remove(tempFilePath); err != nil {
			return nil, fmt.Errorf("cannot remove file %s: %w", tempFilePath, err)
		}
	}

	return &Manager{
		dbDirectory: dbDirectory,
		blockSize:   blockSize,
		isNew:       isNew,
		openFiles:   make(map[string]*os.File),
	}, nil
}

// Read fills page with the contents of block. Reading a block that lies
// entirely past the end of its file yields a zeroed page.
func (m *Manager) Read(block BlockId, page *Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.getFile(block.Filename())
	if err != nil {
		return fmt.Errorf("cannot read block %s: %w", block, err)
	}

	buf := page.Contents()
	n, err := f.ReadAt(buf, m.offset(block))
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && n == 0:
		clear(buf)
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: block %s: expected %d bytes, got %d", ErrPartialRead, block, len(buf), n)
	default:
		return fmt.Errorf("cannot read block %s: %w", block, err)
	}
	m.blocksRead++
	return nil
}

// Write persists page as the contents of block and syncs the file.
func (m *Manager) Write(block BlockId, page *Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.getFile(block.Filename())
	if err != nil {
		return fmt.Errorf("cannot write block %s: %w", block, err)
	}
	if err := m.writeAt(f, page.Contents(), m.offset(block)); err != nil {
		return fmt.Errorf("cannot write block %s: %w", block, err)
	}
	m.blocksWritten++
	return nil
}

// Append extends filename by one zeroed block and returns its id.
func (m *Manager) Append(filename string) (BlockId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newBlockNumber, err := m.length(filename)
	if err != nil {
		return BlockId{}, err
	}
	block := NewBlockId(filename, newBlockNumber)

	f, err := m.getFile(filename)
	if err != nil {
		return BlockId{}, fmt.Errorf("cannot append block %s: %w", block, err)
	}
	if err := m.writeAt(f, make([]byte, m.blockSize), m.offset(block)); err != nil {
		return BlockId{}, fmt.Errorf("cannot append block %s: %w", block, err)
	}
	m.blocksWritten++
	return block, nil
}

// Length returns the number of blocks in the specified file.
func (m *Manager) Length(filename string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.length(filename)
}

// IsNew returns true if the database directory was created by NewManager.
func (m *Manager) IsNew() bool {
	return m.isNew
}

// BlockSize returns the block size used by the Manager.
func (m *Manager) BlockSize() int {
	return m.blockSize
}

func (m *Manager) BlocksRead() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.blocksRead
}

func (m *Manager) BlocksWritten() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.blocksWritten
}

// Close closes every open file. The Manager must not be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, f := range m.openFiles {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cannot close %s: %w", name, err))
		}
		delete(m.openFiles, name)
	}
	return errors.Join(errs...)
}

func (m *Manager) offset(block BlockId) int64 {
	return int64(block.Number()) * int64(m.blockSize)
}

// length is not thread-safe; callers hold m.mu.
func (m *Manager) length(filename string) (int, error) {
	f, err := m.getFile(filename)
	if err != nil {
		return 0, fmt.Errorf("cannot access %s: %w", filename, err)
	}
	fileInfo, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("cannot stat %s: %w", filename, err)
	}
	return int(fileInfo.Size() / int64(m.blockSize)), nil
}

func (m *Manager) writeAt(f *os.File, buf []byte, offset int64) error {
	n, err := f.WriteAt(buf, offset)
	if err != nil {
		return fmt.Errorf("short write: expected %d bytes, wrote %d: %w", len(buf), n, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("cannot sync %s: %w", f.Name(), err)
	}
	return nil
}

func (m *Manager) getFile(filename string) (*os.File, error) {
	if f, ok := m.openFiles[filename]; ok {
		return f, nil
	}

	path := filepath.Join(m.dbDirectory, filename)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("cannot open file %s: %w", path, err)
	}
	m.openFiles[filename] = f
	return f, nil
}
