package health

import "sync"

type memoryStats struct {
	mu    sync.RWMutex
	stats map[string]Stats
}

func (m *memoryStats) load(relayURL string) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats[relayURL]
}

func (m *memoryStats) save(relayURL string, s Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[relayURL] = s
}

// NewMemoryStore creates an in-process health tracker
func NewMemoryStore(policy Policy) *Tracker {
	return newTracker(&memoryStats{stats: make(map[string]Stats)}, policy)
}
