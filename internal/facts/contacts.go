package facts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nostr-relaycore/internal/cache"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/types"
	"nostr-relaycore/internal/util"
)

const contactsKeyPrefix = "contacts:"

// ContactStore keeps the newest kind 3 follow list per author
type ContactStore struct {
	backend cache.CacheBackend
	ttl     time.Duration
	log     *slog.Logger

	mu    sync.RWMutex
	lists map[string]types.FollowList
}

// NewContactStore creates a store. backend may be nil.
func NewContactStore(backend cache.CacheBackend, ttl time.Duration) *ContactStore {
	return &ContactStore{
		backend: backend,
		ttl:     ttl,
		log:     slog.Default().With("component", "contacts"),
		lists:   make(map[string]types.FollowList),
	}
}

// Apply decodes a kind 3 event, keeping it only if newer than the stored list
func (s *ContactStore) Apply(ctx context.Context, evt *types.Event) bool {
	fl, ok := nostr.ParseFollowList(evt)
	if !ok {
		return false
	}
	return s.Put(ctx, *fl)
}

// Put stores a decoded follow list if it is the newest for its author
func (s *ContactStore) Put(ctx context.Context, fl types.FollowList) bool {
	s.mu.Lock()
	if cur, ok := s.lists[fl.Author]; ok && cur.CreatedAt >= fl.CreatedAt {
		s.mu.Unlock()
		return false
	}
	s.lists[fl.Author] = fl
	s.mu.Unlock()

	if s.backend != nil {
		if err := cache.SetJSON(ctx, s.backend, contactsKeyPrefix+fl.Author, fl, s.ttl); err != nil {
			s.log.Warn("failed to persist follow list", "pubkey", nostr.ShortID(fl.Author), "error", err)
		}
	}
	return true
}

// Get returns the stored follow list for author
func (s *ContactStore) Get(author string) (types.FollowList, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fl, ok := s.lists[author]
	return fl, ok
}

// Follows returns the pubkeys author follows, nil if unknown
func (s *ContactStore) Follows(author string) []string {
	fl, _ := s.Get(author)
	return fl.Follows
}

// Load reads a persisted follow list into memory if none is held yet
func (s *ContactStore) Load(ctx context.Context, author string) (types.FollowList, bool) {
	if fl, ok := s.Get(author); ok {
		return fl, true
	}
	if s.backend == nil {
		return types.FollowList{}, false
	}
	fl, found, err := cache.GetJSON[types.FollowList](ctx, s.backend, contactsKeyPrefix+author)
	if err != nil || !found {
		return types.FollowList{}, false
	}
	s.mu.Lock()
	if _, ok := s.lists[author]; !ok {
		s.lists[author] = fl
	}
	s.mu.Unlock()
	return fl, true
}

// Missing returns the authors whose follow list is not held, in input order
func (s *ContactStore) Missing(authors []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, a := range util.Dedupe(authors) {
		if _, ok := s.lists[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns author -> follows for the requested authors that are known
func (s *ContactStore) Snapshot(authors []string) map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(authors))
	for _, a := range authors {
		if fl, ok := s.lists[a]; ok {
			out[a] = fl.Follows
		}
	}
	return out
}
