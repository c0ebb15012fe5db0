package facts

import (
	"strings"
	"sync"

	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/types"
	"nostr-relaycore/internal/util"
)

// MuteStore holds the account's own mute list plus locally blocked authors
type MuteStore struct {
	owner string

	mu        sync.RWMutex
	createdAt int64
	pubkeys   map[string]struct{}
	blocked   map[string]struct{}
	eventIDs  map[string]struct{}
	hashtags  map[string]struct{}
	words     []string
}

// NewMuteStore creates an empty mute store for the account owner
func NewMuteStore(owner string) *MuteStore {
	return &MuteStore{
		owner:    owner,
		pubkeys:  make(map[string]struct{}),
		blocked:  make(map[string]struct{}),
		eventIDs: make(map[string]struct{}),
		hashtags: make(map[string]struct{}),
	}
}

// Apply replaces the mute list with a newer kind 10000 event from the owner
func (m *MuteStore) Apply(evt *types.Event) bool {
	if evt == nil || evt.PubKey != m.owner {
		return false
	}
	ml, ok := nostr.ParseMuteList(evt)
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ml.CreatedAt <= m.createdAt {
		return false
	}
	m.createdAt = ml.CreatedAt
	m.pubkeys = util.ToSet(ml.Pubkeys)
	m.eventIDs = util.ToSet(ml.EventIDs)
	m.hashtags = make(map[string]struct{}, len(ml.Hashtags))
	for _, h := range ml.Hashtags {
		m.hashtags[strings.ToLower(h)] = struct{}{}
	}
	m.words = m.words[:0]
	for _, w := range ml.Words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			m.words = append(m.words, w)
		}
	}
	return true
}

// Block hides an author locally without publishing a mute list
func (m *MuteStore) Block(pubkey string) {
	m.mu.Lock()
	m.blocked[pubkey] = struct{}{}
	m.mu.Unlock()
}

// Unblock lifts a local block
func (m *MuteStore) Unblock(pubkey string) {
	m.mu.Lock()
	delete(m.blocked, pubkey)
	m.mu.Unlock()
}

// Blocked returns the locally blocked authors, sorted
func (m *MuteStore) Blocked() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return util.SortedKeys(m.blocked)
}

// IsMuted reports whether an author is muted or blocked
func (m *MuteStore) IsMuted(pubkey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.blocked[pubkey]; ok {
		return true
	}
	_, ok := m.pubkeys[pubkey]
	return ok
}

// Hides reports whether an event should be kept out of the feed
func (m *MuteStore) Hides(evt *types.Event) bool {
	if m.IsMuted(evt.PubKey) {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.eventIDs[evt.ID]; ok {
		return true
	}
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "t" {
			if _, ok := m.hashtags[strings.ToLower(tag[1])]; ok {
				return true
			}
		}
	}
	if len(m.words) > 0 {
		content := strings.ToLower(evt.Content)
		for _, w := range m.words {
			if strings.Contains(content, w) {
				return true
			}
		}
	}
	return false
}

// Excluded returns every muted or blocked pubkey
func (m *MuteStore) Excluded() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.pubkeys)+len(m.blocked))
	for pk := range m.pubkeys {
		out[pk] = struct{}{}
	}
	for pk := range m.blocked {
		out[pk] = struct{}{}
	}
	return out
}
