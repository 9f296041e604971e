package buffer

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"bufferdb/file"
)

// Handle identifies a pinned frame. It carries the frame's generation at pin
// time, so a handle kept past its unpin cannot reach whatever block the frame
// holds later.
type Handle struct {
	frame int
	gen   uint64
}

// Frame returns the index of the pool slot the handle refers to.
func (h Handle) Frame() int { return h.frame }

func (h Handle) String() string {
	return fmt.Sprintf("frame %d (gen %d)", h.frame, h.gen)
}

// Stats counts pool activity since construction. Misses counts pins that
// got a frame to load into; pins refused for lack of a frame count as
// Exhausted instead.
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
	Exhausted int
}

// Manager is the buffer pool. It owns a fixed set of frames, an index from
// resident block to frame, and the list of frames that never held a block.
// Frames for new blocks come from that list first and then from the
// replacement policy.
//
// All pool state is guarded by one mutex. No operation waits for a frame to
// become free: Pin and PinNew fail with ErrPoolExhausted instead.
type Manager struct {
	mu           sync.Mutex
	bufferPool   []*Buffer
	frameOfBlock map[file.BlockId]int
	emptyFrames  []int
	numAvailable int
	strategy     ReplacementPolicy
	clock        atomic.Uint64
	stats        Stats
	logger       *log.Logger
}

// NewManager creates an LRU pool of numBuffers frames.
func NewManager(store BlockStore, logs LogFlusher, numBuffers int) (*Manager, error) {
	cfg := DefaultConfig()
	cfg.Capacity = numBuffers
	return NewManagerWithConfig(store, logs, cfg)
}

func NewManagerWithConfig(store BlockStore, logs LogFlusher, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bm := &Manager{
		bufferPool:   make([]*Buffer, cfg.Capacity),
		frameOfBlock: make(map[file.BlockId]int, cfg.Capacity),
		emptyFrames:  make([]int, cfg.Capacity),
		numAvailable: cfg.Capacity,
		strategy:     newReplacementPolicy(cfg.Policy),
		logger:       cfg.logger(),
	}
	for i := range bm.bufferPool {
		bm.bufferPool[i] = newBuffer(store, logs, &bm.clock, i)
		bm.emptyFrames[i] = i
	}
	return bm, nil
}

// Pin pins block to a frame, loading it from disk unless it is already
// resident, and returns a handle to that frame.
func (m *Manager) Pin(block file.BlockId) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frame, ok := m.frameOfBlock[block]; ok {
		m.stats.Hits++
		return m.pinFrame(frame), nil
	}
	frame, err := m.acquireFrame()
	if err != nil {
		return Handle{}, fmt.Errorf("cannot pin block %s: %w", block, err)
	}
	m.stats.Misses++
	if err := m.assign(frame, func(b *Buffer) error { return b.assignToBlock(block) }); err != nil {
		return Handle{}, err
	}
	return m.pinFrame(frame), nil
}

// PinNew appends a new block to filename, formatted by fmtr, and pins it.
// When the pool is exhausted no block is appended.
func (m *Manager) PinNew(filename string, fmtr PageFormatter) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame, err := m.acquireFrame()
	if err != nil {
		return Handle{}, fmt.Errorf("cannot pin new block of %s: %w", filename, err)
	}
	m.stats.Misses++
	if err := m.assign(frame, func(b *Buffer) error { return b.assignToNew(filename, fmtr) }); err != nil {
		return Handle{}, err
	}
	return m.pinFrame(frame), nil
}

// Buffer returns the buffer behind a handle that is still pinned.
func (m *Manager) Buffer(h Handle) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buff, err := m.resolve(h)
	if err != nil {
		return nil, err
	}
	if !buff.isPinned() {
		return nil, fmt.Errorf("%w: %s is not pinned", ErrStaleHandle, h)
	}
	return buff, nil
}

// Unpin releases one pin on the handle's frame. A frame whose pin count
// reaches zero becomes available; it keeps its block until it is chosen
// for another one.
func (m *Manager) Unpin(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buff, err := m.resolve(h)
	if err != nil {
		return err
	}
	buff.unpin()
	if !buff.isPinned() {
		m.numAvailable++
	}
	return nil
}

// FlushAll flushes every buffer modified by txNum. Buffers stay pinned and
// resident. A failure does not stop the remaining flushes.
func (m *Manager) FlushAll(txNum int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, buff := range m.bufferPool {
		if !buff.isModifiedBy(txNum) {
			continue
		}
		if err := buff.flush(); err != nil {
			m.logger.Printf("flush of frame %d for txn %d failed: %v", buff.frame, txNum, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Available returns the number of unpinned frames. The value may be stale
// as soon as it is returned.
func (m *Manager) Available() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.numAvailable
}

func (m *Manager) Capacity() int {
	return len(m.bufferPool)
}

func (m *Manager) Policy() Policy {
	return m.strategy.Policy()
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stats
}

// String lists every frame with its pin count and block.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sb strings.Builder
	for _, buff := range m.bufferPool {
		sb.WriteString(buff.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// acquireFrame picks the frame for a block that is not resident: a frame
// that never held a block if one is left, otherwise the replacement
// policy's victim. The victim keeps its index entry until assign succeeds.
func (m *Manager) acquireFrame() (int, error) {
	if len(m.emptyFrames) > 0 {
		frame := m.emptyFrames[0]
		m.emptyFrames = m.emptyFrames[1:]
		return frame, nil
	}
	if m.numAvailable == 0 {
		m.stats.Exhausted++
		return -1, ErrPoolExhausted
	}
	frame, ok := m.strategy.selectVictim(m.bufferPool)
	if !ok {
		invariantf("%d frames available but %s policy found no victim", m.numAvailable, m.strategy.Policy())
	}
	return frame, nil
}

// assign runs load against the frame and brings the block index in line
// with the outcome: the old block leaves the index once the frame no longer
// holds it, and a frame left empty by a failed read goes back to the
// empty list.
func (m *Manager) assign(frame int, load func(*Buffer) error) error {
	buff := m.frame(frame)
	old := buff.block

	err := load(buff)
	if old != nil && buff.block != old {
		delete(m.frameOfBlock, *old)
		m.stats.Evictions++
	}
	if err != nil {
		if buff.block == nil {
			m.emptyFrames = append(m.emptyFrames, frame)
		}
		m.logger.Printf("cannot load frame %d: %v", frame, err)
		return err
	}
	m.frameOfBlock[*buff.block] = frame
	return nil
}

func (m *Manager) pinFrame(frame int) Handle {
	buff := m.frame(frame)
	if !buff.isPinned() {
		m.numAvailable--
	}
	buff.pin()
	return Handle{frame: frame, gen: buff.gen}
}

func (m *Manager) resolve(h Handle) (*Buffer, error) {
	buff := m.frame(h.frame)
	if buff.gen != h.gen {
		return nil, fmt.Errorf("%w: %s now holds generation %d", ErrStaleHandle, h, buff.gen)
	}
	return buff, nil
}

func (m *Manager) frame(i int) *Buffer {
	if i < 0 || i >= len(m.bufferPool) {
		invariantf("frame index %d out of range [0, %d)", i, len(m.bufferPool))
	}
	return m.bufferPool[i]
}
