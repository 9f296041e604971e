package buffer

// lruPolicy evicts the unpinned frame with the smallest access timestamp.
// Timestamps come from a logical clock, so ties only occur between frames
// never touched; the lowest frame index wins them.
type lruPolicy struct{}

func (lruPolicy) Policy() Policy { return PolicyLRU }

func (lruPolicy) selectVictim(frames []*Buffer) (int, bool) {
	victim := -1
	var oldest uint64
	for i, buff := range frames {
		if buff.isPinned() {
			continue
		}
		if ts := buff.lastAccess.Load(); victim < 0 || ts < oldest {
			victim, oldest = i, ts
		}
	}
	return victim, victim >= 0
}
