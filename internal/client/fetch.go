package client

import (
	"context"
	"errors"
	"sort"
	"time"

	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/pool"
	"nostr-relaycore/internal/subscription"
	"nostr-relaycore/internal/types"
	"nostr-relaycore/internal/util"
)

// ErrNoRelays is returned when a query has nowhere to go
var ErrNoRelays = errors.New("no relays available to query")

const fetchPrefix = "fetch"

// Fetch runs a one-shot query against relays and returns the events that
// arrived before the EOSE quorum or the quorum timeout, deduplicated and
// sorted newest first. Partial answers are not an error.
func (s *Session) Fetch(ctx context.Context, relays []string, filters []types.Filter) []types.Event {
	id := subscription.NewID(fetchPrefix)
	col := &collector{events: make(chan types.Event, 256), done: make(chan struct{})}
	s.collectorsMu.Lock()
	s.collectors[id] = col
	s.collectorsMu.Unlock()
	defer func() {
		s.collectorsMu.Lock()
		delete(s.collectors, id)
		s.collectorsMu.Unlock()
		close(col.done)
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.coord.Close(closeCtx, id)
		cancel()
	}()

	targeted := s.coord.Dispatch(ctx, id, filters, relays, pool.SendOptions{ConnectOnDemand: true})
	if len(targeted) == 0 {
		return nil
	}
	target := s.quorumTarget(targeted)

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		res, err := s.coord.AwaitQuorum(ctx, id, target, s.cfg.Quorum.Timeout.Std())
		s.log.Debug("fetch finished",
			"sub_id", id,
			"targeted", len(targeted),
			"eose", res.Count,
			"target", target,
			"timed_out", res.TimedOut,
			"error", err)
	}()

	byID := make(map[string]types.Event)
collect:
	for {
		select {
		case evt := <-col.events:
			byID[evt.ID] = evt
		case <-waitDone:
			break collect
		}
	}
	// events queued before the quorum resolved
	for drained := false; !drained; {
		select {
		case evt := <-col.events:
			byID[evt.ID] = evt
		default:
			drained = true
		}
	}

	out := make([]types.Event, 0, len(byID))
	for _, evt := range byID {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// quorumTarget sizes the quorum from how many targeted relays are connected
func (s *Session) quorumTarget(targeted []string) int {
	connected := 0
	for _, relay := range targeted {
		if s.pool.IsConnected(relay) {
			connected++
		}
	}
	return subscription.QuorumTarget(connected, len(targeted), s.cfg.Quorum.Ratio, s.cfg.Quorum.Minimum)
}

// queryRelays are the relays used for metadata lookups: indexers plus
// whatever is connected, minus blocked relays
func (s *Session) queryRelays() []string {
	all := append(append([]string{}, s.cfg.IndexerRelays...), s.pool.ConnectedRelays()...)
	for _, d := range s.pool.Descriptors() {
		if d.Read {
			all = append(all, d.URL)
		}
	}
	all = nostr.NormalizeRelayURLs(all)
	return util.FilterSlice(all, func(url string) bool { return !s.pool.IsBlocked(url) })
}

// FollowLists returns author -> follows, fetching unknown contact lists in
// chunks and waiting for each chunk's quorum before issuing the next.
func (s *Session) FollowLists(ctx context.Context, authors []string) (map[string][]string, error) {
	missing := s.contacts.Missing(authors)
	if len(missing) > 0 {
		relays := s.queryRelays()
		if len(relays) == 0 {
			return nil, ErrNoRelays
		}
		for _, chunk := range util.Chunk(missing, s.chunkSize()) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			chunkCtx, cancel := context.WithTimeout(ctx, s.cfg.Discovery.FetchTimeout.Std())
			filter := types.Filter{Kinds: []int{nostr.KindContacts}, Authors: chunk}
			for _, evt := range s.Fetch(chunkCtx, relays, []types.Filter{filter}) {
				s.contacts.Apply(ctx, &evt)
			}
			cancel()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.contacts.Snapshot(authors), nil
}

// WriteRelays returns author -> normalised write relays. Persisted lists are
// loaded first, then missing ones are bootstrapped through the outbox router.
func (s *Session) WriteRelays(ctx context.Context, authors []string) (map[string][]string, error) {
	s.warmRelayLists(ctx, authors)
	for _, chunk := range util.Chunk(authors, s.chunkSize()) {
		if _, err := s.router.RequestMissingRelayLists(ctx, chunk); err != nil {
			return nil, err
		}
	}
	out := make(map[string][]string, len(authors))
	for _, a := range authors {
		if write, ok := s.lists.GetWriteRelays(a); ok {
			if urls := nostr.NormalizeRelayURLs(write); len(urls) > 0 {
				out[a] = urls
			}
		}
	}
	return out, nil
}

func (s *Session) chunkSize() int {
	if n := s.cfg.Discovery.FetchChunkSize; n > 0 {
		return n
	}
	return s.cfg.Outbox.MaxAuthorsPerFilter
}
