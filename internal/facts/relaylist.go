// Package facts holds the decoded per-author metadata that routing depends on:
// NIP-65 relay lists, contact lists and the account's mute list.
package facts

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"nostr-relaycore/internal/cache"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/types"
	"nostr-relaycore/internal/util"
)

const relayListKeyPrefix = "relaylist:"

// CachedRelayList is the persisted form of a relay-list lookup
type CachedRelayList struct {
	Fact      *types.RelayListFact `json:"fact,omitempty"`
	FetchedAt int64                `json:"fetched_at"`
	NotFound  bool                 `json:"not_found"`
}

// RelayListStore keeps the newest relay list per author in memory and writes
// through to a cache backend. Lookups never touch the network.
type RelayListStore struct {
	backend     cache.CacheBackend
	ttl         time.Duration
	notFoundTTL time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu       sync.RWMutex
	facts    map[string]types.RelayListFact
	notFound map[string]time.Time // author -> memo expiry

	warmGroup singleflight.Group
}

// NewRelayListStore creates a store. backend may be nil for a memory-only store.
func NewRelayListStore(backend cache.CacheBackend, ttl, notFoundTTL time.Duration) *RelayListStore {
	return &RelayListStore{
		backend:     backend,
		ttl:         ttl,
		notFoundTTL: notFoundTTL,
		now:         time.Now,
		log:         slog.Default().With("component", "relaylists"),
		facts:       make(map[string]types.RelayListFact),
		notFound:    make(map[string]time.Time),
	}
}

// Apply decodes a kind 10002 event and stores it if it is the newest for its author
func (s *RelayListStore) Apply(ctx context.Context, evt *types.Event) bool {
	fact, ok := nostr.ParseRelayList(evt)
	if !ok {
		return false
	}
	return s.Put(ctx, *fact)
}

// Put stores fact unless a newer one is already known. Returns true if it replaced the stored value.
func (s *RelayListStore) Put(ctx context.Context, fact types.RelayListFact) bool {
	s.mu.Lock()
	if cur, ok := s.facts[fact.Author]; ok && !fact.Newer(cur) {
		s.mu.Unlock()
		return false
	}
	s.facts[fact.Author] = fact
	delete(s.notFound, fact.Author)
	s.mu.Unlock()

	if s.backend != nil {
		cached := CachedRelayList{Fact: &fact, FetchedAt: s.now().Unix()}
		if err := cache.SetJSON(ctx, s.backend, relayListKeyPrefix+fact.Author, cached, s.ttl); err != nil {
			s.log.Warn("failed to persist relay list", "pubkey", nostr.ShortID(fact.Author), "error", err)
		}
	}
	return true
}

// Get returns the stored fact for author
func (s *RelayListStore) Get(author string) (types.RelayListFact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fact, ok := s.facts[author]
	return fact, ok
}

// GetWriteRelays returns the author's declared write relays. ok is false when no list is known.
func (s *RelayListStore) GetWriteRelays(author string) ([]string, bool) {
	fact, ok := s.Get(author)
	if !ok {
		return nil, false
	}
	return fact.List.Write, true
}

// GetReadRelays returns the author's declared read (inbox) relays
func (s *RelayListStore) GetReadRelays(author string) ([]string, bool) {
	fact, ok := s.Get(author)
	if !ok {
		return nil, false
	}
	return fact.List.Read, true
}

// HasRelayList reports whether a relay list is known for author
func (s *RelayListStore) HasRelayList(author string) bool {
	_, ok := s.Get(author)
	return ok
}

// GetMissingAuthors returns the authors with no known relay list, excluding
// those recently looked up without result. Order follows the input.
func (s *RelayListStore) GetMissingAuthors(authors []string) []string {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []string
	for _, a := range util.Dedupe(authors) {
		if _, ok := s.facts[a]; ok {
			continue
		}
		if until, ok := s.notFound[a]; ok && now.Before(until) {
			continue
		}
		missing = append(missing, a)
	}
	return missing
}

// MarkNotFound memoizes that a lookup for authors returned nothing
func (s *RelayListStore) MarkNotFound(ctx context.Context, authors []string) {
	if len(authors) == 0 {
		return
	}
	now := s.now()
	until := now.Add(s.notFoundTTL)
	miss, _ := json.Marshal(CachedRelayList{FetchedAt: now.Unix(), NotFound: true})
	items := make(map[string][]byte)

	s.mu.Lock()
	for _, a := range authors {
		if _, ok := s.facts[a]; ok {
			continue
		}
		s.notFound[a] = until
		items[relayListKeyPrefix+a] = miss
	}
	s.mu.Unlock()

	if s.backend != nil && len(items) > 0 {
		if err := s.backend.SetMultiple(ctx, items, s.notFoundTTL); err != nil {
			s.log.Warn("failed to persist relay list misses", "count", len(items), "error", err)
		}
	}
}

// Warm loads persisted relay lists for authors not already in memory.
// Concurrent warm-ups of the same author set share one backend round trip.
func (s *RelayListStore) Warm(ctx context.Context, authors []string) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	s.mu.RLock()
	var keys []string
	for _, a := range util.Dedupe(authors) {
		if _, ok := s.facts[a]; !ok {
			keys = append(keys, relayListKeyPrefix+a)
		}
	}
	s.mu.RUnlock()
	if len(keys) == 0 {
		return 0, nil
	}

	batchKey := strings.Join(util.SortedCopy(keys), ",")
	v, err, shared := s.warmGroup.Do(batchKey, func() (interface{}, error) {
		return s.backend.GetMultiple(ctx, keys)
	})
	if err != nil {
		return 0, err
	}
	if shared {
		s.log.Debug("singleflight: shared relay list warm-up", "count", len(keys))
	}

	loaded := 0
	now := s.now()
	for key, data := range v.(map[string][]byte) {
		var cached CachedRelayList
		if err := json.Unmarshal(data, &cached); err != nil {
			continue
		}
		author := strings.TrimPrefix(key, relayListKeyPrefix)
		if cached.NotFound {
			s.mu.Lock()
			if _, ok := s.facts[author]; !ok {
				s.notFound[author] = now.Add(s.notFoundTTL)
			}
			s.mu.Unlock()
			continue
		}
		if cached.Fact == nil {
			continue
		}
		s.mu.Lock()
		if cur, ok := s.facts[author]; !ok || cached.Fact.Newer(cur) {
			s.facts[author] = *cached.Fact
			loaded++
		}
		s.mu.Unlock()
	}
	return loaded, nil
}

// Authors returns every author with a known relay list, sorted
func (s *RelayListStore) Authors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return util.SortedKeys(s.facts)
}

// Len is the number of known relay lists
func (s *RelayListStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}
