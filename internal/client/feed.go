package client

import (
	"context"
	"errors"
	"fmt"

	"nostr-relaycore/internal/discovery"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/pool"
	"nostr-relaycore/internal/subscription"
	"nostr-relaycore/internal/types"
	"nostr-relaycore/internal/util"
)

// ModeKind selects where the feed comes from
type ModeKind int

const (
	ModeFollows ModeKind = iota // the account's follows, routed through the outbox model
	ModeRelay                   // everything one relay carries
	ModeList                    // an explicit author list
)

func (k ModeKind) String() string {
	switch k {
	case ModeFollows:
		return "follows"
	case ModeRelay:
		return "relay"
	case ModeList:
		return "list"
	}
	return "unknown"
}

// FeedMode describes the active feed
type FeedMode struct {
	Kind    ModeKind
	Relay   string   // ModeRelay
	Authors []string // ModeList
	Limit   int
	Kinds   []int // defaults to notes and reposts
}

// FeedResult reports how a feed subscription was placed and answered
type FeedResult struct {
	ID        string
	Targeted  []string
	Uncovered []string // authors without a usable relay list, served by fallback relays
	Quorum    subscription.Result
}

const feedPrefix = "feed"

// ErrNoFollows is returned by a follows feed for an account with an empty contact list
var ErrNoFollows = errors.New("account follows nobody")

// RelayUnavailableError is returned when a single-relay feed cannot reach its relay
type RelayUnavailableError struct {
	URL string
	Err error
}

func (e *RelayUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay %s unavailable: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("relay %s unavailable", e.URL)
}

func (e *RelayUnavailableError) Unwrap() error { return e.Err }

// SetFeedMode switches the feed. Subscriptions and background waits of the
// previous mode are cancelled and the visible feed is cleared before the new
// mode is dispatched. Returns once the new feed has a quorum of answers or
// the quorum timeout elapsed.
func (s *Session) SetFeedMode(ctx context.Context, mode FeedMode) (FeedResult, error) {
	if mode.Limit <= 0 {
		mode.Limit = 100
	}
	if len(mode.Kinds) == 0 {
		mode.Kinds = []int{nostr.KindTextNote, nostr.KindRepost}
	}

	s.modeMu.Lock()
	if s.modeCancel != nil {
		s.modeCancel()
	}
	s.coord.CloseMatching(ctx, feedPrefix+"-")
	s.ingest.ClearAll()
	s.modeSeq++
	id := fmt.Sprintf("%s-%d", feedPrefix, s.modeSeq)
	modeCtx, cancel := context.WithCancel(s.ctx)
	s.mode, s.modeID, s.modeCancel = mode, id, cancel
	s.modeMu.Unlock()

	s.log.Info("feed mode switched", "mode", mode.Kind.String(), "sub_id", id)

	// the caller's ctx bounds the initial wait; modeCtx bounds the mode's lifetime
	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-modeCtx.Done():
			stop()
		case <-waitCtx.Done():
		}
	}()

	switch mode.Kind {
	case ModeRelay:
		return s.startRelayFeed(waitCtx, id, mode)
	case ModeList:
		return s.startAuthorFeed(waitCtx, modeCtx, id, mode, util.Dedupe(mode.Authors), false)
	default:
		follows, err := s.resolveFollows(waitCtx)
		if err != nil {
			return FeedResult{ID: id}, err
		}
		return s.startAuthorFeed(waitCtx, modeCtx, id, mode, follows, s.cfg.Discovery.Enabled)
	}
}

// Mode returns the active feed mode and its subscription id
func (s *Session) Mode() (FeedMode, string) {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	return s.mode, s.modeID
}

func (s *Session) template(mode FeedMode) types.Filter {
	return types.Filter{Kinds: mode.Kinds, Limit: mode.Limit}
}

func (s *Session) startRelayFeed(ctx context.Context, id string, mode FeedMode) (FeedResult, error) {
	url := nostr.NormalizeRelayURL(mode.Relay)
	if url == "" {
		return FeedResult{ID: id}, &RelayUnavailableError{URL: mode.Relay, Err: pool.ErrInvalidURL}
	}
	if s.pool.IsBlocked(url) {
		return FeedResult{ID: id}, &RelayUnavailableError{URL: url, Err: pool.ErrBlocked}
	}

	targeted := s.coord.Dispatch(ctx, id, []types.Filter{s.template(mode)}, []string{url}, pool.SendOptions{ConnectOnDemand: true})
	if len(targeted) == 0 {
		return FeedResult{ID: id}, &RelayUnavailableError{URL: url}
	}
	res, err := s.coord.AwaitQuorum(ctx, id, 1, s.cfg.Quorum.Timeout.Std())
	result := FeedResult{ID: id, Targeted: targeted, Quorum: res}
	if err != nil {
		return result, err
	}
	// the only relay of this view is surfaced, unlike in multi-relay feeds
	if res.Count == 0 && !s.pool.IsConnected(url) {
		return result, &RelayUnavailableError{URL: url}
	}
	return result, nil
}

func (s *Session) startAuthorFeed(ctx, modeCtx context.Context, id string, mode FeedMode, authors []string, expand bool) (FeedResult, error) {
	if len(authors) == 0 {
		return FeedResult{ID: id}, ErrNoFollows
	}
	s.waitForConnections(ctx)

	s.warmRelayLists(ctx, authors)
	if _, err := s.router.RequestMissingRelayLists(ctx, authors); err != nil {
		s.log.Debug("relay list bootstrap incomplete", "error", err)
	}

	targeted, plan := s.router.Subscribe(ctx, id, authors, s.template(mode))
	result := FeedResult{ID: id, Targeted: targeted, Uncovered: plan.Uncovered}
	if len(targeted) == 0 {
		return result, ErrNoRelays
	}

	res, err := s.coord.AwaitQuorum(ctx, id, s.quorumTarget(targeted), s.cfg.Quorum.Timeout.Std())
	result.Quorum = res
	if err != nil {
		return result, err
	}

	if expand {
		s.workers.submit(modeCtx, "network-expansion", func(ctx context.Context) error {
			return s.expandNetwork(ctx, id, mode, authors)
		})
	}
	return result, nil
}

// waitForConnections gives the pinned relays a moment to come up
func (s *Session) waitForConnections(ctx context.Context) {
	n := s.cfg.Quorum.MinConnected
	if n <= 0 || len(s.pool.Descriptors()) == 0 {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Quorum.ConnectTimeout.Std())
	defer cancel()
	if err := s.pool.WaitForConnected(waitCtx, n); err != nil {
		s.log.Debug("proceeding below minimum connected relays",
			"connected", s.pool.ConnectedCount(), "want", n)
	}
}

// resolveFollows returns the account's follow list, fetching it when unknown
func (s *Session) resolveFollows(ctx context.Context) ([]string, error) {
	if follows := s.contacts.Follows(s.owner); len(follows) > 0 {
		return follows, nil
	}
	lists, err := s.FollowLists(ctx, []string{s.owner})
	if err != nil {
		return nil, err
	}
	if len(lists[s.owner]) == 0 {
		return nil, ErrNoFollows
	}
	return lists[s.owner], nil
}

// expandNetwork computes or reuses the second-degree snapshot, promotes its
// relays to the scored tier and subscribes each relay to its assigned authors.
func (s *Session) expandNetwork(ctx context.Context, feedID string, mode FeedMode, follows []string) error {
	snap, err := s.discovery.Ensure(ctx, follows)
	if snap == nil {
		return err
	}
	if err != nil {
		s.log.Warn("using last network snapshot", "error", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.subscribeNetwork(ctx, feedID+"-net", mode, snap)
}

func (s *Session) subscribeNetwork(ctx context.Context, id string, mode FeedMode, snap *discovery.Snapshot) error {
	s.pool.SetScored(snap.RelayURLs())

	template := s.template(mode)
	var parts []subscription.Part
	byRelay := snap.AuthorsByRelay()
	for _, relay := range util.SortedKeys(byRelay) {
		for _, chunk := range util.Chunk(byRelay[relay], s.cfg.Outbox.MaxAuthorsPerFilter) {
			parts = append(parts, subscription.Part{
				ID:      fmt.Sprintf("%s-%d", id, len(parts)),
				Filters: []types.Filter{template.WithAuthors(chunk)},
				Relays:  []string{relay},
			})
		}
	}
	if len(parts) == 0 {
		return nil
	}
	targeted := s.coord.DispatchGroup(ctx, id, parts, pool.SendOptions{ConnectOnDemand: true})
	s.log.Info("second-degree feed dispatched",
		"sub_id", id,
		"authors", len(snap.Assignments),
		"relays", len(targeted))
	return nil
}

// RefreshNetwork forces a recompute of the second-degree snapshot
func (s *Session) RefreshNetwork(ctx context.Context) (*discovery.Snapshot, error) {
	follows, err := s.resolveFollows(ctx)
	if err != nil {
		return nil, err
	}
	return s.discovery.Recompute(ctx, follows)
}
