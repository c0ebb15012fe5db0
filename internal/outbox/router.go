// Package outbox routes author queries to the relays those authors publish to.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"nostr-relaycore/internal/health"
	"nostr-relaycore/internal/metrics"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/pool"
	"nostr-relaycore/internal/subscription"
	"nostr-relaycore/internal/types"
	"nostr-relaycore/internal/util"
)

// RelayLists is the relay-list fact store the router reads. *facts.RelayListStore satisfies it.
type RelayLists interface {
	GetWriteRelays(author string) ([]string, bool)
	GetReadRelays(author string) ([]string, bool)
	GetMissingAuthors(authors []string) []string
	MarkNotFound(ctx context.Context, authors []string)
	Apply(ctx context.Context, evt *types.Event) bool
}

// Pool is the part of the connection pool the router needs
type Pool interface {
	subscription.Sender
	ConnectedRelays() []string
	IsBlocked(relayURL string) bool
}

// Dispatcher starts tracked subscriptions. *subscription.Coordinator satisfies it.
type Dispatcher interface {
	DispatchGroup(ctx context.Context, id string, parts []subscription.Part, opts pool.SendOptions) []string
}

// Fetcher runs a one-shot query and returns whatever arrived before EOSE or timeout
type Fetcher interface {
	Fetch(ctx context.Context, relays []string, filters []types.Filter) []types.Event
}

// Options configures a Router
type Options struct {
	Lists      RelayLists
	Pool       Pool
	Dispatcher Dispatcher
	Fetcher    Fetcher // needed only for RequestMissingRelayLists
	Health     health.Store

	Indexers            []string
	MaxAuthorsPerFilter int
	MaxRelaysPerAuthor  int
	BatchWindow         time.Duration
	FetchTimeout        time.Duration
}

// Route is one relay and the authors whose queries go there
type Route struct {
	Relay   string
	Authors []string
}

// Plan is the routing decision for a set of authors
type Plan struct {
	Routes    []Route  // sorted by relay
	Uncovered []string // authors with no usable relay list, in input order
	Fallback  []string // relays that receive the uncovered authors
}

// Relays returns every relay the plan would contact, sorted
func (p Plan) Relays() []string {
	set := make(map[string]struct{})
	for _, r := range p.Routes {
		set[r.Relay] = struct{}{}
	}
	if len(p.Uncovered) > 0 {
		for _, r := range p.Fallback {
			set[r] = struct{}{}
		}
	}
	return util.SortedKeys(set)
}

// Router decides which relays receive which authors
type Router struct {
	opts    Options
	log     *slog.Logger
	batcher *Batcher[bool]
}

// NewRouter creates a router
func NewRouter(opts Options) *Router {
	if opts.MaxAuthorsPerFilter <= 0 {
		opts.MaxAuthorsPerFilter = 300
	}
	if opts.MaxRelaysPerAuthor <= 0 {
		opts.MaxRelaysPerAuthor = 3
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 50 * time.Millisecond
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	opts.Indexers = nostr.NormalizeRelayURLs(opts.Indexers)

	r := &Router{
		opts: opts,
		log:  slog.Default().With("component", "outbox"),
	}
	r.batcher = NewBatcher("relaylists", r.fetchRelayLists, opts.BatchWindow, opts.MaxAuthorsPerFilter)
	return r
}

// Plan groups authors by their best write relays. Authors without a usable
// relay list are collected as uncovered and routed to the fallback set.
func (r *Router) Plan(authors []string) Plan {
	byRelay := make(map[string][]string)
	var uncovered []string

	for _, author := range util.Dedupe(authors) {
		relays := r.pickRelays(author)
		if len(relays) == 0 {
			uncovered = append(uncovered, author)
			continue
		}
		for _, relay := range relays {
			byRelay[relay] = append(byRelay[relay], author)
		}
	}

	plan := Plan{Uncovered: uncovered}
	for _, relay := range util.SortedKeys(byRelay) {
		plan.Routes = append(plan.Routes, Route{Relay: relay, Authors: byRelay[relay]})
	}
	if len(uncovered) > 0 {
		plan.Fallback = r.fallbackRelays()
	}
	return plan
}

// pickRelays returns up to MaxRelaysPerAuthor of the author's write relays, best score first
func (r *Router) pickRelays(author string) []string {
	write, ok := r.opts.Lists.GetWriteRelays(author)
	if !ok {
		return nil
	}
	var usable []string
	for _, relay := range nostr.NormalizeRelayURLs(write) {
		if r.opts.Pool != nil && r.opts.Pool.IsBlocked(relay) {
			continue
		}
		if r.opts.Health != nil && r.opts.Health.IsBad(relay) {
			continue
		}
		usable = append(usable, relay)
	}
	if r.opts.Health != nil {
		usable = r.opts.Health.SortByScore(usable)
	}
	return util.LimitSlice(usable, r.opts.MaxRelaysPerAuthor)
}

// fallbackRelays is every connected relay plus the indexers
func (r *Router) fallbackRelays() []string {
	var relays []string
	if r.opts.Pool != nil {
		relays = append(relays, r.opts.Pool.ConnectedRelays()...)
	}
	relays = append(relays, r.opts.Indexers...)
	var out []string
	for _, relay := range util.Dedupe(relays) {
		if r.opts.Pool != nil && r.opts.Pool.IsBlocked(relay) {
			continue
		}
		out = append(out, relay)
	}
	sort.Strings(out)
	return out
}

// Parts turns a plan into wire subscriptions. Each relay's authors are chunked
// to at most maxAuthors per filter, and every chunk gets its own derived id.
func (p Plan) Parts(baseID string, template types.Filter, maxAuthors int) []subscription.Part {
	var parts []subscription.Part
	n := 0
	for _, route := range p.Routes {
		for _, chunk := range util.Chunk(route.Authors, maxAuthors) {
			parts = append(parts, subscription.Part{
				ID:      fmt.Sprintf("%s-%d", baseID, n),
				Filters: []types.Filter{template.WithAuthors(chunk)},
				Relays:  []string{route.Relay},
			})
			n++
		}
	}
	if len(p.Fallback) > 0 {
		for _, chunk := range util.Chunk(p.Uncovered, maxAuthors) {
			parts = append(parts, subscription.Part{
				ID:      fmt.Sprintf("%s-%d", baseID, n),
				Filters: []types.Filter{template.WithAuthors(chunk)},
				Relays:  p.Fallback,
			})
			n++
		}
	}
	return parts
}

// Subscribe routes template for authors and dispatches it under baseID.
// Returns the relays actually targeted, for sizing the quorum.
func (r *Router) Subscribe(ctx context.Context, baseID string, authors []string, template types.Filter) ([]string, Plan) {
	plan := r.Plan(authors)
	parts := plan.Parts(baseID, template, r.opts.MaxAuthorsPerFilter)
	if len(parts) == 0 {
		return nil, plan
	}

	outboxParts := 0
	for _, route := range plan.Routes {
		outboxParts += len(util.Chunk(route.Authors, r.opts.MaxAuthorsPerFilter))
	}
	fallbackParts := len(parts) - outboxParts
	metrics.OutboxDispatches.WithLabelValues("outbox").Add(float64(outboxParts))
	metrics.OutboxDispatches.WithLabelValues("fallback").Add(float64(fallbackParts))

	targeted := r.opts.Dispatcher.DispatchGroup(ctx, baseID, parts, pool.SendOptions{ConnectOnDemand: true})
	r.log.Debug("outbox subscription dispatched",
		"sub_id", baseID,
		"authors", len(authors),
		"routed_relays", len(plan.Routes),
		"uncovered", len(plan.Uncovered),
		"targeted", len(targeted))
	return targeted, plan
}

// PublishToInbox sends evt to the read relays of every recipient so they see it
// without following the sender. Returns the relays it was handed to.
func (r *Router) PublishToInbox(ctx context.Context, evt types.Event, recipients []string) []string {
	targets := make(map[string]struct{})
	for _, recipient := range util.Dedupe(recipients) {
		read, ok := r.opts.Lists.GetReadRelays(recipient)
		if !ok {
			continue
		}
		usable := nostr.NormalizeRelayURLs(read)
		if r.opts.Health != nil {
			usable = r.opts.Health.SortByScore(usable)
		}
		for _, relay := range util.LimitSlice(usable, r.opts.MaxRelaysPerAuthor) {
			targets[relay] = struct{}{}
		}
	}

	msg := nostr.EventMessage(evt)
	var sent []string
	for _, relay := range util.SortedKeys(targets) {
		if err := r.opts.Pool.SendTo(ctx, relay, msg, pool.SendOptions{ConnectOnDemand: true}); err != nil {
			r.log.Debug("inbox publish skipped", "relay", relay, "error", err)
			continue
		}
		sent = append(sent, relay)
	}
	return sent
}

// RequestMissingRelayLists fetches relay lists for authors not yet known.
// Concurrent callers within the batch window share one fetch. Returns how many
// of the requested authors now have a relay list.
func (r *Router) RequestMissingRelayLists(ctx context.Context, authors []string) (int, error) {
	missing := r.opts.Lists.GetMissingAuthors(authors)
	if len(missing) == 0 {
		return 0, nil
	}
	found, err := r.batcher.GetMultiple(ctx, missing)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ok := range found {
		if ok {
			n++
		}
	}
	return n, nil
}

// fetchRelayLists is the batch function behind RequestMissingRelayLists
func (r *Router) fetchRelayLists(authors []string) map[string]bool {
	result := make(map[string]bool, len(authors))
	if r.opts.Fetcher == nil {
		return result
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FetchTimeout)
	defer cancel()

	relays := r.fallbackRelays()
	for _, chunk := range util.Chunk(util.SortedCopy(authors), r.opts.MaxAuthorsPerFilter) {
		filter := types.Filter{Kinds: []int{nostr.KindRelayList}, Authors: chunk}
		for _, evt := range r.opts.Fetcher.Fetch(ctx, relays, []types.Filter{filter}) {
			if evt.Kind != nostr.KindRelayList {
				continue
			}
			r.opts.Lists.Apply(ctx, &evt)
			result[evt.PubKey] = true
		}
	}

	var notFound []string
	for _, a := range authors {
		if !result[a] {
			notFound = append(notFound, a)
		}
	}
	r.opts.Lists.MarkNotFound(ctx, notFound)
	r.log.Debug("relay lists fetched", "requested", len(authors), "found", len(authors)-len(notFound))
	return result
}
