package buffer

import (
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"strings"
	"sync"
	"testing"

	"bufferdb/file"
	"bufferdb/log"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	fm *file.Manager
	lm *log.Manager
	bm *Manager
}

// setupTest creates a pool over real file and log managers in a temp directory.
func setupTest(t *testing.T, numBuffers int, policy Policy) *testEnv {
	t.Helper()
	fm, err := file.NewManager(t.TempDir(), 400)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fm.Close() })

	lm, err := log.NewManager(fm, "testlog")
	require.NoError(t, err)

	bm, err := NewManagerWithConfig(fm, lm, Config{
		Capacity: numBuffers,
		Policy:   policy,
		Logger:   stdlog.New(io.Discard, "", 0),
	})
	require.NoError(t, err)

	return &testEnv{fm: fm, lm: lm, bm: bm}
}

func createBlock(fileName string, blockNum int) file.BlockId {
	return file.NewBlockId(fileName, blockNum)
}

func requireInvariantPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value should be an error, got %T", r)
		assert.ErrorIs(t, err, ErrInvariantViolation)
	}()
	fn()
}

func TestBufferManager(t *testing.T) {
	for _, policy := range []Policy{PolicyLRU, PolicyClock} {
		t.Run(policy.String(), func(t *testing.T) {
			t.Run("basic buffer operations", func(t *testing.T) {
				env := setupTest(t, 3, policy)

				blk := createBlock("testfile", 1)
				h, err := env.bm.Pin(blk)
				require.NoError(t, err)

				buff, err := env.bm.Buffer(h)
				require.NoError(t, err)
				assert.Equal(t, blk, *buff.Block(), "buffer should be assigned to correct block")
				assert.Equal(t, 2, env.bm.Available())

				require.NoError(t, env.bm.Unpin(h))
				assert.Equal(t, 3, env.bm.Available(), "buffer should be available after unpinning")
			})

			t.Run("pin reuse", func(t *testing.T) {
				env := setupTest(t, 3, policy)
				blk := createBlock("testfile", 1)

				h1, err := env.bm.Pin(blk)
				require.NoError(t, err)
				h2, err := env.bm.Pin(blk)
				require.NoError(t, err)
				assert.Equal(t, h1, h2, "same block should map to the same frame")

				buff, err := env.bm.Buffer(h1)
				require.NoError(t, err)
				assert.Equal(t, 2, buff.pins)
				assert.Equal(t, 2, env.bm.Available())

				require.NoError(t, env.bm.Unpin(h1))
				assert.Equal(t, 2, env.bm.Available(), "one pin left, frame stays pinned")
				require.NoError(t, env.bm.Unpin(h2))
				assert.Equal(t, 3, env.bm.Available())

				stats := env.bm.Stats()
				assert.Equal(t, 1, stats.Hits)
				assert.Equal(t, 1, stats.Misses)
			})

			t.Run("buffer allocation until full", func(t *testing.T) {
				env := setupTest(t, 3, policy)

				handles := make([]Handle, 3)
				for i := range handles {
					h, err := env.bm.Pin(createBlock("testfile", i+1))
					require.NoError(t, err)
					handles[i] = h
				}
				assert.Equal(t, 0, env.bm.Available(), "no buffers should be available")

				_, err := env.bm.Pin(createBlock("testfile", 4))
				assert.ErrorIs(t, err, ErrPoolExhausted)
				assert.Equal(t, 0, env.bm.Available())

				// A resident block can still be pinned again.
				h, err := env.bm.Pin(createBlock("testfile", 2))
				require.NoError(t, err)
				assert.Equal(t, handles[1], h)
				require.NoError(t, env.bm.Unpin(h))

				stats := env.bm.Stats()
				assert.Equal(t, 3, stats.Misses, "refused pins load nothing")
				assert.Equal(t, 1, stats.Exhausted)
				assert.Equal(t, 1, stats.Hits)

				for _, h := range handles {
					require.NoError(t, env.bm.Unpin(h))
				}
				assert.Equal(t, 3, env.bm.Available())
			})

			t.Run("buffer reuse after unpin", func(t *testing.T) {
				env := setupTest(t, 2, policy)

				h1, err := env.bm.Pin(createBlock("testfile", 1))
				require.NoError(t, err)
				_, err = env.bm.Pin(createBlock("testfile", 2))
				require.NoError(t, err)

				require.NoError(t, env.bm.Unpin(h1))

				h3, err := env.bm.Pin(createBlock("testfile", 3))
				require.NoError(t, err)
				assert.Equal(t, h1.Frame(), h3.Frame(), "should reuse unpinned buffer")
				assert.Equal(t, 1, env.bm.Stats().Evictions)
			})

			t.Run("stale handle", func(t *testing.T) {
				env := setupTest(t, 1, policy)

				h1, err := env.bm.Pin(createBlock("testfile", 1))
				require.NoError(t, err)
				require.NoError(t, env.bm.Unpin(h1))

				_, err = env.bm.Buffer(h1)
				assert.ErrorIs(t, err, ErrStaleHandle, "unpinned handle should not resolve")

				h2, err := env.bm.Pin(createBlock("testfile", 2))
				require.NoError(t, err)
				assert.Equal(t, h1.Frame(), h2.Frame())

				assert.ErrorIs(t, env.bm.Unpin(h1), ErrStaleHandle)
				_, err = env.bm.Buffer(h1)
				assert.ErrorIs(t, err, ErrStaleHandle)
				assert.Equal(t, 0, env.bm.Available(), "stale unpin must not release the new pin")
			})
		})
	}
}

func TestInvariantViolations(t *testing.T) {
	env := setupTest(t, 2, PolicyLRU)

	t.Run("unpin at zero pins", func(t *testing.T) {
		h, err := env.bm.Pin(createBlock("testfile", 1))
		require.NoError(t, err)
		require.NoError(t, env.bm.Unpin(h))

		requireInvariantPanic(t, func() { _ = env.bm.Unpin(h) })
		assert.Equal(t, 2, env.bm.Available())
	})

	t.Run("frame index out of range", func(t *testing.T) {
		requireInvariantPanic(t, func() { _ = env.bm.Unpin(Handle{frame: 2}) })
		requireInvariantPanic(t, func() { _, _ = env.bm.Buffer(Handle{frame: -1}) })
	})

	// The pool lock must not stay held after a panic.
	h, err := env.bm.Pin(createBlock("testfile", 3))
	require.NoError(t, err)
	require.NoError(t, env.bm.Unpin(h))
}

func TestLRUReplacement(t *testing.T) {
	t.Run("evicts least recently used", func(t *testing.T) {
		env := setupTest(t, 3, PolicyLRU)

		frames := make(map[string]int)
		var handles []Handle
		for _, name := range []string{"A", "B", "C"} {
			h, err := env.bm.Pin(createBlock(name, 0))
			require.NoError(t, err)
			frames[name] = h.Frame()
			handles = append(handles, h)
		}
		for _, h := range handles {
			require.NoError(t, env.bm.Unpin(h))
		}

		hD, err := env.bm.Pin(createBlock("D", 0))
		require.NoError(t, err)
		assert.Equal(t, frames["A"], hD.Frame(), "D must replace A")
		assert.NotContains(t, env.bm.String(), "[file A, block 0]")
		assert.Contains(t, env.bm.String(), "[file B, block 0]")
		assert.Contains(t, env.bm.String(), "[file C, block 0]")
	})

	t.Run("re-access protects a frame", func(t *testing.T) {
		env := setupTest(t, 3, PolicyLRU)

		frames := make(map[string]int)
		for _, name := range []string{"A", "B", "C", "A"} {
			h, err := env.bm.Pin(createBlock(name, 0))
			require.NoError(t, err)
			frames[name] = h.Frame()
			require.NoError(t, env.bm.Unpin(h))
		}

		hD, err := env.bm.Pin(createBlock("D", 0))
		require.NoError(t, err)
		assert.Equal(t, frames["B"], hD.Frame(), "B is now least recently used")
	})

	t.Run("writes count as access", func(t *testing.T) {
		env := setupTest(t, 2, PolicyLRU)

		hA, err := env.bm.Pin(createBlock("A", 0))
		require.NoError(t, err)
		hB, err := env.bm.Pin(createBlock("B", 0))
		require.NoError(t, err)

		buffA, err := env.bm.Buffer(hA)
		require.NoError(t, err)
		buffA.SetInt(0, 1, 1, -1)

		require.NoError(t, env.bm.Unpin(hA))
		require.NoError(t, env.bm.Unpin(hB))

		hC, err := env.bm.Pin(createBlock("C", 0))
		require.NoError(t, err)
		assert.Equal(t, hB.Frame(), hC.Frame())
	})

	t.Run("pinned frames are skipped", func(t *testing.T) {
		env := setupTest(t, 2, PolicyLRU)

		hA, err := env.bm.Pin(createBlock("A", 0))
		require.NoError(t, err)
		hB, err := env.bm.Pin(createBlock("B", 0))
		require.NoError(t, err)
		require.NoError(t, env.bm.Unpin(hB))

		hC, err := env.bm.Pin(createBlock("C", 0))
		require.NoError(t, err)
		assert.Equal(t, hB.Frame(), hC.Frame(), "A is older but pinned")
		assert.NotEqual(t, hA.Frame(), hC.Frame())
	})
}

func TestClockReplacement(t *testing.T) {
	t.Run("second chance spares re-referenced frame", func(t *testing.T) {
		env := setupTest(t, 3, PolicyClock)

		frames := make(map[string]int)
		var handles []Handle
		for _, name := range []string{"A", "B", "C"} {
			h, err := env.bm.Pin(createBlock(name, 0))
			require.NoError(t, err)
			frames[name] = h.Frame()
			handles = append(handles, h)
		}
		for _, h := range handles {
			require.NoError(t, env.bm.Unpin(h))
		}

		hB, err := env.bm.Pin(createBlock("B", 0))
		require.NoError(t, err)
		assert.Equal(t, frames["B"], hB.Frame())
		require.NoError(t, env.bm.Unpin(hB))

		hD, err := env.bm.Pin(createBlock("D", 0))
		require.NoError(t, err)
		assert.NotEqual(t, frames["B"], hD.Frame(), "B must not be evicted")
		assert.Contains(t, env.bm.String(), "[file B, block 0]")
	})

	t.Run("sweep makes progress across calls", func(t *testing.T) {
		env := setupTest(t, 3, PolicyClock)

		for i := 0; i < 3; i++ {
			h, err := env.bm.Pin(createBlock("warm", i))
			require.NoError(t, err)
			require.NoError(t, env.bm.Unpin(h))
		}

		// Each new block lands in a different frame as the hand moves on.
		seen := make(map[int]bool)
		for i := 0; i < 3; i++ {
			h, err := env.bm.Pin(createBlock("cold", i))
			require.NoError(t, err)
			seen[h.Frame()] = true
			require.NoError(t, env.bm.Unpin(h))
		}
		assert.Len(t, seen, 3)
	})

	t.Run("single unpinned frame among pinned ones", func(t *testing.T) {
		env := setupTest(t, 4, PolicyClock)

		var handles []Handle
		for i := 0; i < 4; i++ {
			h, err := env.bm.Pin(createBlock("pinned", i))
			require.NoError(t, err)
			handles = append(handles, h)
		}
		require.NoError(t, env.bm.Unpin(handles[2]))

		h, err := env.bm.Pin(createBlock("other", 0))
		require.NoError(t, err)
		assert.Equal(t, handles[2].Frame(), h.Frame())

		_, err = env.bm.Pin(createBlock("other", 1))
		assert.ErrorIs(t, err, ErrPoolExhausted)
	})
}

func TestFlushAll(t *testing.T) {
	env := setupTest(t, 3, PolicyLRU)
	assert := assert.New(t)

	buffs := make([]*Buffer, 3)
	for i := range buffs {
		h, err := env.bm.Pin(createBlock("testfile", i))
		require.NoError(t, err)
		buffs[i], err = env.bm.Buffer(h)
		require.NoError(t, err)
	}

	txOf := []int{1, 2, 1}
	for i, buff := range buffs {
		lsn, err := env.lm.Append([]byte(fmt.Sprintf("set %d", i)))
		require.NoError(t, err)
		require.NoError(t, buff.SetString(0, fmt.Sprintf("value %d", i), txOf[i], lsn))
	}

	writesBefore := env.fm.BlocksWritten()
	require.NoError(t, env.bm.FlushAll(1))
	assert.Equal(-1, buffs[0].ModifyingTxn())
	assert.Equal(2, buffs[1].ModifyingTxn(), "txn 2's buffer must stay dirty")
	assert.Equal(-1, buffs[2].ModifyingTxn())
	assert.Equal(0, env.bm.Available(), "flushing does not unpin")

	// One log page write plus two data blocks.
	assert.Equal(writesBefore+3, env.fm.BlocksWritten())

	for i, want := range []string{"value 0", "", "value 2"} {
		page := file.NewPage(env.fm.BlockSize())
		require.NoError(t, env.fm.Read(createBlock("testfile", i), page))
		got, err := page.GetString(0)
		require.NoError(t, err)
		assert.Equal(want, got)
	}

	// Records up to the last flushed LSN are durable.
	it, err := env.lm.Iterator()
	require.NoError(t, err)
	rec, err := it.Next()
	require.NoError(t, err)
	assert.Equal("set 2", string(rec))
}

func TestPinNewPersists(t *testing.T) {
	env := setupTest(t, 2, PolicyClock)

	fmtr := PageFormatterFunc(func(p *file.Page) {
		p.SetInt(0, 0)
		_ = p.SetString(file.IntSize, "header")
	})
	h, err := env.bm.PinNew("newfile", fmtr)
	require.NoError(t, err)

	buff, err := env.bm.Buffer(h)
	require.NoError(t, err)
	assert.Equal(t, createBlock("newfile", 0), *buff.Block())

	page := file.NewPage(env.fm.BlockSize())
	require.NoError(t, env.fm.Read(*buff.Block(), page))
	got, err := page.GetString(file.IntSize)
	require.NoError(t, err)
	assert.Equal(t, "header", got)

	length, err := env.fm.Length("newfile")
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestDiagnosticDump(t *testing.T) {
	env := setupTest(t, 2, PolicyLRU)
	assert.Equal(t,
		"Buffer: 0, Pin: 0, Block: unassigned\nBuffer: 1, Pin: 0, Block: unassigned\n",
		env.bm.String())

	_, err := env.bm.Pin(createBlock("testfile", 7))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(env.bm.String()), "\n")
	assert.Equal(t, []string{
		"Buffer: 0, Pin: 1, Block: [file testfile, block 7]",
		"Buffer: 1, Pin: 0, Block: unassigned",
	}, lines)
}

func TestCapacityInvariant(t *testing.T) {
	for _, policy := range []Policy{PolicyLRU, PolicyClock} {
		t.Run(policy.String(), func(t *testing.T) {
			const capacity = 4
			env := setupTest(t, capacity, policy)
			faker := gofakeit.New(11)

			var held []Handle
			for step := 0; step < 500; step++ {
				if len(held) > 0 && faker.Bool() {
					i := faker.IntRange(0, len(held)-1)
					require.NoError(t, env.bm.Unpin(held[i]))
					held = append(held[:i], held[i+1:]...)
				} else {
					h, err := env.bm.Pin(createBlock("rand", faker.IntRange(0, 9)))
					if err != nil {
						require.ErrorIs(t, err, ErrPoolExhausted)
					} else {
						held = append(held, h)
					}
				}

				pinnedFrames := make(map[int]bool)
				for _, h := range held {
					pinnedFrames[h.Frame()] = true
				}
				available := env.bm.Available()
				require.GreaterOrEqual(t, available, 0)
				require.LessOrEqual(t, available, capacity)
				require.Equal(t, capacity-len(pinnedFrames), available, "step %d", step)
			}

			for _, h := range held {
				require.NoError(t, env.bm.Unpin(h))
			}
			assert.Equal(t, capacity, env.bm.Available())
		})
	}
}

func TestConcurrentBufferAccess(t *testing.T) {
	for _, policy := range []Policy{PolicyLRU, PolicyClock} {
		t.Run(policy.String(), func(t *testing.T) {
			env := setupTest(t, 4, policy)

			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					faker := gofakeit.New(uint64(id + 1))
					for i := 0; i < 100; i++ {
						h, err := env.bm.Pin(createBlock("shared", faker.IntRange(0, 15)))
						if errors.Is(err, ErrPoolExhausted) {
							continue
						}
						if !assert.NoError(t, err) {
							return
						}
						buff, err := env.bm.Buffer(h)
						if assert.NoError(t, err) {
							buff.SetInt(0, int32(i), id+1, -1)
							_ = buff.GetInt(0)
						}
						assert.NoError(t, env.bm.FlushAll(id+1))
						assert.NoError(t, env.bm.Unpin(h))

						available := env.bm.Available()
						assert.True(t, available >= 0 && available <= 4)
					}
				}(g)
			}
			wg.Wait()

			assert.Equal(t, 4, env.bm.Available(), "all buffers should be available after completion")
		})
	}
}
