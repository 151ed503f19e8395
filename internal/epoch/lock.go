package epoch

import "sync"

type lockKey struct {
	campaign uint64
	number   uint64
}

// keyedMutex serializes work per (campaign, epoch) pair, so a scheduler
// tick and a manual re-finalize of the same epoch never interleave.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[lockKey]*sync.Mutex)}
}

// lock acquires the pair's mutex and returns its unlock func.
func (k *keyedMutex) lock(campaignID, number uint64) func() {
	key := lockKey{campaign: campaignID, number: number}

	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
