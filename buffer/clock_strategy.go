package buffer

// clockPolicy is the second-chance algorithm. A single hand sweeps the
// frames across calls; an unpinned frame with its reference bit set has the
// bit cleared and is skipped, the first unpinned frame with a clear bit is
// chosen.
type clockPolicy struct {
	hand int
}

func (c *clockPolicy) Policy() Policy { return PolicyClock }

// selectVictim stops after two full rotations. The first rotation clears
// every reference bit it meets, so an unpinned frame is always found by the
// end of the second.
func (c *clockPolicy) selectVictim(frames []*Buffer) (int, bool) {
	n := len(frames)
	sawUnpinned := false
	for step := 0; step < 2*n; step++ {
		i := c.hand
		c.hand = (c.hand + 1) % n

		buff := frames[i]
		if buff.isPinned() {
			continue
		}
		sawUnpinned = true
		if buff.refBit {
			buff.refBit = false
			continue
		}
		return i, true
	}
	if sawUnpinned {
		invariantf("clock sweep found unpinned frames but no victim after %d steps", 2*n)
	}
	return -1, false
}
