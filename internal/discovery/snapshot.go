package discovery

import (
	"context"
	"time"

	"nostr-relaycore/internal/cache"
)

// Stats summarises one expansion run
type Stats struct {
	FirstDegree int `json:"first_degree"`
	Candidates  int `json:"candidates"` // authors followed by at least one follow
	Qualified   int `json:"qualified"`
	WithRelays  int `json:"with_relays"`
	Assigned    int `json:"assigned"`
	Relays      int `json:"relays"`
}

// Snapshot is the cached result of an expansion run
type Snapshot struct {
	Owner       string            `json:"owner"`
	Qualified   []string          `json:"qualified"`
	FirstDegree []string          `json:"first_degree"`
	Assignments map[string]string `json:"assignments"` // author -> relay
	Relays      []RankedRelay     `json:"relays"`
	ComputedAt  int64             `json:"computed_at"` // unix seconds
	Stats       Stats             `json:"stats"`
}

// RelayURLs returns the selected relays in rank order
func (s *Snapshot) RelayURLs() []string {
	out := make([]string, len(s.Relays))
	for i, r := range s.Relays {
		out[i] = r.URL
	}
	return out
}

// AuthorsByRelay groups the assigned authors per relay
func (s *Snapshot) AuthorsByRelay() map[string][]string {
	out := make(map[string][]string)
	for _, pk := range s.Qualified {
		if relay, ok := s.Assignments[pk]; ok {
			out[relay] = append(out[relay], pk)
		}
	}
	return out
}

// IsStale reports whether the snapshot is older than ttl, or the symmetric
// difference between current and the cached first degree exceeds
// driftRatio times the cached size.
func (s *Snapshot) IsStale(now time.Time, current []string, ttl time.Duration, driftRatio float64) bool {
	if s == nil {
		return true
	}
	if ttl > 0 && now.Sub(time.Unix(s.ComputedAt, 0)) >= ttl {
		return true
	}
	return Drift(s.FirstDegree, current) > driftRatio*float64(len(s.FirstDegree))
}

// Drift is the size of the symmetric difference of two author sets
func Drift(cached, current []string) float64 {
	a := make(map[string]struct{}, len(cached))
	for _, pk := range cached {
		a[pk] = struct{}{}
	}
	b := make(map[string]struct{}, len(current))
	for _, pk := range current {
		b[pk] = struct{}{}
	}
	diff := 0
	for pk := range a {
		if _, ok := b[pk]; !ok {
			diff++
		}
	}
	for pk := range b {
		if _, ok := a[pk]; !ok {
			diff++
		}
	}
	return float64(diff)
}

const snapshotKeyPrefix = "discovery:snapshot:"

// SnapshotStore persists the last computed snapshot per account
type SnapshotStore struct {
	backend cache.CacheBackend
	ttl     time.Duration
}

// NewSnapshotStore creates a store over backend
func NewSnapshotStore(backend cache.CacheBackend, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{backend: backend, ttl: ttl}
}

// Load returns the persisted snapshot for owner, if any
func (s *SnapshotStore) Load(ctx context.Context, owner string) (*Snapshot, error) {
	snap, found, err := cache.GetJSON[Snapshot](ctx, s.backend, snapshotKeyPrefix+owner)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// Save persists snap under its owner
func (s *SnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	return cache.SetJSON(ctx, s.backend, snapshotKeyPrefix+snap.Owner, snap, s.ttl)
}
