package buffer

// ReplacementPolicy chooses which unpinned frame to evict when the pool has
// no empty frame. The set of policies is closed: LRU and Clock.
// Policies are only called with the pool mutex held.
type ReplacementPolicy interface {
	// selectVictim returns the index of an unpinned frame to reuse, or false
	// if every frame is pinned. All frames are assigned when it is called.
	selectVictim(frames []*Buffer) (int, bool)
	Policy() Policy
}

func newReplacementPolicy(p Policy) ReplacementPolicy {
	switch p {
	case PolicyClock:
		return &clockPolicy{}
	default:
		return lruPolicy{}
	}
}
