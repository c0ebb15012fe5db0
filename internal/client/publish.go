package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/pool"
	"nostr-relaycore/internal/types"
	"nostr-relaycore/internal/util"
)

var (
	// ErrPublishFailed matches every *PublishError
	ErrPublishFailed = errors.New("publish failed")
	ErrNoWriteRelays = errors.New("no write relays configured")
	ErrNoSigner      = errors.New("session has no signer")
)

// PublishResult lists which write relays accepted an event
type PublishResult struct {
	EventID  string
	Accepted []string
	Rejected map[string]string // relay -> reason
}

// PublishError is returned when no write relay accepted an event
type PublishError struct {
	EventID  string
	Rejected map[string]string
}

func (e *PublishError) Error() string {
	if len(e.Rejected) == 0 {
		return fmt.Sprintf("publish %s: no relay acknowledged", nostr.ShortID(e.EventID))
	}
	parts := make([]string, 0, len(e.Rejected))
	for _, relay := range util.SortedKeys(e.Rejected) {
		parts = append(parts, relay+": "+e.Rejected[relay])
	}
	return fmt.Sprintf("publish %s rejected: %s", nostr.ShortID(e.EventID), strings.Join(parts, "; "))
}

func (e *PublishError) Is(target error) bool { return target == ErrPublishFailed }

// writeRelays are the account's own outbox relays plus the pinned write relays
func (s *Session) writeRelays() []string {
	var relays []string
	if write, ok := s.lists.GetWriteRelays(s.owner); ok {
		relays = append(relays, write...)
	}
	for _, d := range s.pool.Descriptors() {
		if d.Write {
			relays = append(relays, d.URL)
		}
	}
	relays = nostr.NormalizeRelayURLs(relays)
	relays = util.FilterSlice(relays, func(url string) bool { return !s.pool.IsBlocked(url) })
	sort.Strings(relays)
	return relays
}

// Publish signs evt if needed, sends it to every write relay and waits for
// their OK frames up to the quorum timeout. It succeeds when at least one relay
// accepted the event; otherwise it returns a *PublishError.
func (s *Session) Publish(ctx context.Context, evt *types.Event) (PublishResult, error) {
	if evt.Sig == "" {
		if s.signer == nil {
			return PublishResult{}, ErrNoSigner
		}
		if evt.CreatedAt == 0 {
			evt.CreatedAt = time.Now().Unix()
		}
		if err := s.signer.Sign(evt); err != nil {
			return PublishResult{}, fmt.Errorf("sign event: %w", err)
		}
	}

	relays := s.writeRelays()
	if len(relays) == 0 {
		return PublishResult{EventID: evt.ID}, ErrNoWriteRelays
	}

	acks := make(chan ack, len(relays))
	s.acksMu.Lock()
	s.acks[evt.ID] = acks
	s.acksMu.Unlock()
	defer func() {
		s.acksMu.Lock()
		delete(s.acks, evt.ID)
		s.acksMu.Unlock()
	}()

	result := PublishResult{EventID: evt.ID, Rejected: make(map[string]string)}
	msg := nostr.EventMessage(*evt)
	pending := make(map[string]bool, len(relays))
	for _, relay := range relays {
		if err := s.pool.SendTo(ctx, relay, msg, pool.SendOptions{ConnectOnDemand: true}); err != nil {
			result.Rejected[relay] = err.Error()
			continue
		}
		pending[relay] = true
	}

	timer := time.NewTimer(s.cfg.Quorum.Timeout.Std())
	defer timer.Stop()
wait:
	for len(pending) > 0 {
		select {
		case a := <-acks:
			if !pending[a.relay] {
				continue
			}
			delete(pending, a.relay)
			if a.ok {
				result.Accepted = append(result.Accepted, a.relay)
			} else {
				result.Rejected[a.relay] = a.text
			}
		case <-timer.C:
			break wait
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	for relay := range pending {
		result.Rejected[relay] = "no acknowledgement"
	}
	sort.Strings(result.Accepted)

	if len(result.Accepted) == 0 {
		s.log.Warn("publish failed", "event_id", nostr.ShortID(evt.ID), "relays", len(relays))
		return result, &PublishError{EventID: evt.ID, Rejected: result.Rejected}
	}
	s.ingest.Admit(*evt, "")
	s.log.Info("event published",
		"event_id", nostr.ShortID(evt.ID),
		"kind", evt.Kind,
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected))
	return result, nil
}

// React counts the reaction locally, publishes it, and delivers a copy to the
// target author's inbox relays. A failed publish takes the local count back.
func (s *Session) React(ctx context.Context, target types.Event, content string) (PublishResult, error) {
	if content == "" {
		content = "+"
	}
	evt := &types.Event{
		Kind:    nostr.KindReaction,
		Content: content,
		Tags:    [][]string{{"e", target.ID}, {"p", target.PubKey}},
	}

	s.ingest.AddOptimisticReaction(target.ID, s.owner, content)
	res, err := s.Publish(ctx, evt)
	if err != nil {
		s.ingest.RemoveReaction(target.ID, s.owner)
		return res, err
	}
	if target.PubKey != s.owner {
		s.router.PublishToInbox(ctx, *evt, []string{target.PubKey})
	}
	return res, nil
}

// BlockAuthor hides an author locally and drops their events from the feed
func (s *Session) BlockAuthor(ctx context.Context, pubkey string) {
	s.mutes.Block(pubkey)
	n := s.ingest.PurgeAuthor(pubkey)
	s.log.Info("author blocked", "pubkey", nostr.ShortID(pubkey), "purged", n)
	s.saveRelayConfig(ctx)
}

// UnblockAuthor lifts a local block
func (s *Session) UnblockAuthor(ctx context.Context, pubkey string) {
	s.mutes.Unblock(pubkey)
	s.saveRelayConfig(ctx)
}

// BlockRelay disconnects a relay and keeps it out of every tier
func (s *Session) BlockRelay(ctx context.Context, relayURL string) {
	s.pool.Block(relayURL)
	s.saveRelayConfig(ctx)
}

// UnblockRelay allows a blocked relay again
func (s *Session) UnblockRelay(ctx context.Context, relayURL string) {
	s.pool.Unblock(relayURL)
	s.saveRelayConfig(ctx)
}
