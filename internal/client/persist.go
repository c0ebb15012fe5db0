package client

import (
	"context"

	"nostr-relaycore/internal/cache"
	"nostr-relaycore/internal/config"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/pool"
)

// relayConfigState is the per-account relay setup that survives restarts
type relayConfigState struct {
	Pinned         []config.RelayEntry `json:"pinned"`
	BlockedRelays  []string            `json:"blockedRelays"`
	BlockedAuthors []string            `json:"blockedAuthors"`
}

func (s *Session) relayConfigKey() string {
	return "relayconfig:" + s.owner
}

// loadRelayConfig returns the persisted state, or the configured defaults
// when nothing was saved for this account yet
func (s *Session) loadRelayConfig(ctx context.Context) relayConfigState {
	state, found, err := cache.GetJSON[relayConfigState](ctx, s.backend, s.relayConfigKey())
	if err != nil {
		s.log.Warn("failed to load relay config", "error", err)
	}
	if found {
		return state
	}
	return relayConfigState{
		Pinned:        s.cfg.PinnedRelays,
		BlockedRelays: s.cfg.BlockedRelays,
	}
}

func (s *Session) applyRelayConfig(state relayConfigState) {
	for _, url := range state.BlockedRelays {
		s.pool.Block(url)
	}
	for _, pk := range state.BlockedAuthors {
		s.mutes.Block(pk)
	}
	s.pool.SetPinned(pinnedDescriptors(state.Pinned))
}

func (s *Session) saveRelayConfig(ctx context.Context) {
	state := relayConfigState{
		BlockedRelays:  s.pool.Blocked(),
		BlockedAuthors: s.mutes.Blocked(),
	}
	for _, d := range s.pool.Descriptors() {
		if d.Tier == pool.TierPinned {
			state.Pinned = append(state.Pinned, config.RelayEntry{URL: d.URL, Read: d.Read, Write: d.Write})
		}
	}
	if err := cache.SetJSON(ctx, s.backend, s.relayConfigKey(), state, s.cfg.Cache.RelayConfigTTL.Std()); err != nil {
		s.log.Warn("failed to save relay config", "error", err)
	}
}

func pinnedDescriptors(entries []config.RelayEntry) []pool.RelayDescriptor {
	out := make([]pool.RelayDescriptor, 0, len(entries))
	for _, e := range entries {
		url := nostr.NormalizeRelayURL(e.URL)
		if url == "" {
			continue
		}
		out = append(out, pool.RelayDescriptor{URL: url, Read: e.Read, Write: e.Write, Tier: pool.TierPinned})
	}
	return out
}

// SetPinnedRelays replaces the pinned tier and persists it
func (s *Session) SetPinnedRelays(ctx context.Context, entries []config.RelayEntry) {
	s.pool.SetPinned(pinnedDescriptors(entries))
	s.saveRelayConfig(ctx)
	s.log.Info("pinned relays updated", "count", len(entries))
}

// PinnedRelays returns the pinned tier as config entries
func (s *Session) PinnedRelays() []config.RelayEntry {
	var out []config.RelayEntry
	for _, d := range s.pool.Descriptors() {
		if d.Tier == pool.TierPinned {
			out = append(out, config.RelayEntry{URL: d.URL, Read: d.Read, Write: d.Write})
		}
	}
	return out
}
