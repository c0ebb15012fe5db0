// Package ingest is the single admission point for inbound events. It
// deduplicates, keeps the ordered feed, folds engagement events into bounded
// aggregates and batches change notifications.
package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"nostr-relaycore/internal/config"
	"nostr-relaycore/internal/metrics"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/types"
)

// Muter hides events from muted authors, ids, hashtags or words
type Muter interface {
	Hides(evt *types.Event) bool
}

// Options bound the cache
type Options struct {
	SeenCap        int
	FeedCap        int
	EventCacheSize int
	AggregateSize  int
	ProvenanceSize int
	Debounce       time.Duration
	FeedInterval   time.Duration
	FeedKinds      []int // root events of these kinds enter the feed; default [1]
	Mutes          Muter
}

// OptionsFromConfig maps the ingest config section onto Options
func OptionsFromConfig(cfg config.IngestConfig, mutes Muter) Options {
	return Options{
		SeenCap:        cfg.SeenCap,
		FeedCap:        cfg.FeedCap,
		EventCacheSize: cfg.EventCacheSize,
		AggregateSize:  cfg.AggregateSize,
		ProvenanceSize: cfg.ProvenanceSize,
		Debounce:       cfg.Debounce.Std(),
		FeedInterval:   cfg.FeedInterval.Std(),
		Mutes:          mutes,
	}
}

type familyKind int

const (
	familyReactions familyKind = iota
	familyZaps
	familyReposts
	familyReplies
)

// sourceRef remembers where a source event was counted so a later deletion by
// its signer can take it back out.
type sourceRef struct {
	family familyKind
	target string
	signer string
}

// Cache is the event ingestion cache
type Cache struct {
	opts      Options
	feedKinds map[int]bool
	log       *slog.Logger

	mu      sync.Mutex // seen, feed, feedSet
	seen    map[string]struct{}
	feed    []types.Event
	feedSet map[string]struct{}

	events  *lru.Cache[string, types.Event]
	sources *lru.Cache[string, sourceRef]

	provMu     sync.Mutex
	provenance *lru.Cache[string, map[string]struct{}]

	families [4]*family

	notify *notifier
	cancel context.CancelFunc
}

// New creates a cache. Zero sizes fall back to defaults.
func New(opts Options) *Cache {
	def := config.Default().Ingest
	if opts.FeedCap <= 0 {
		opts.FeedCap = def.FeedCap
	}
	if opts.SeenCap < opts.FeedCap {
		opts.SeenCap = max(def.SeenCap, opts.FeedCap)
	}
	if opts.EventCacheSize <= 0 {
		opts.EventCacheSize = def.EventCacheSize
	}
	if opts.AggregateSize <= 0 {
		opts.AggregateSize = def.AggregateSize
	}
	if opts.ProvenanceSize <= 0 {
		opts.ProvenanceSize = def.ProvenanceSize
	}
	if len(opts.FeedKinds) == 0 {
		opts.FeedKinds = []int{nostr.KindTextNote}
	}

	c := &Cache{
		opts:      opts,
		feedKinds: make(map[int]bool, len(opts.FeedKinds)),
		log:       slog.Default().With("component", "ingest"),
		seen:      make(map[string]struct{}),
		feedSet:   make(map[string]struct{}),
		notify:    newNotifier(opts.Debounce, opts.FeedInterval),
	}
	for _, k := range opts.FeedKinds {
		c.feedKinds[k] = true
	}
	c.events = mustLRU[types.Event](opts.EventCacheSize)
	c.sources = mustLRU[sourceRef](opts.EventCacheSize)
	c.provenance = mustLRU[map[string]struct{}](opts.ProvenanceSize)
	c.families[familyReactions] = newFamily(opts.AggregateSize)
	c.families[familyZaps] = newFamily(opts.AggregateSize)
	c.families[familyReposts] = newFamily(opts.AggregateSize)
	c.families[familyReplies] = newFamily(opts.AggregateSize)
	return c
}

func mustLRU[V any](size int) *lru.Cache[string, V] {
	cache, err := lru.New[string, V](size)
	if err != nil {
		panic(err)
	}
	return cache
}

// Start runs the notification loop until ctx is done or Close is called
func (c *Cache) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()
	go c.notify.run(ctx)
}

// Close stops the notification loop
func (c *Cache) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Subscribe returns a channel of batched updates and a function to stop them
func (c *Cache) Subscribe() (<-chan Update, func()) {
	return c.notify.subscribe()
}

// Admit runs the admission decision for evt delivered by relay. It reports
// true only the first time an event id is seen. Repeated deliveries still
// record the relay as a source of the event.
func (c *Cache) Admit(evt types.Event, relay string) bool {
	if evt.ID == "" {
		metrics.IngestEvents.WithLabelValues("invalid").Inc()
		return false
	}
	c.recordProvenance(evt.ID, relay)

	c.mu.Lock()
	if _, dup := c.seen[evt.ID]; dup {
		c.mu.Unlock()
		metrics.IngestEvents.WithLabelValues("duplicate").Inc()
		return false
	}
	c.seen[evt.ID] = struct{}{}
	if len(c.seen) > c.opts.SeenCap {
		c.rebuildSeenLocked(evt.ID)
	}
	c.mu.Unlock()

	if c.opts.Mutes != nil && c.opts.Mutes.Hides(&evt) {
		metrics.IngestEvents.WithLabelValues("muted").Inc()
		return false
	}

	c.events.Add(evt.ID, evt)
	switch evt.Kind {
	case nostr.KindReaction:
		if r, ok := nostr.ParseReaction(&evt); ok {
			c.fold(familyReactions, r.TargetID, evt, Contribution{Source: evt.ID, Author: r.Reactor, Content: r.Content})
		}
	case nostr.KindZapReceipt:
		if z, ok := nostr.ParseZapReceipt(&evt); ok {
			c.fold(familyZaps, z.TargetID, evt, Contribution{Source: evt.ID, Author: z.SenderPubkey, Amount: z.AmountMsats, Content: z.Comment})
		}
	case nostr.KindRepost, nostr.KindGenericRepost:
		if r, ok := nostr.ParseRepost(&evt); ok {
			c.fold(familyReposts, r.TargetID, evt, Contribution{Source: evt.ID, Author: r.Reposter})
		}
	case nostr.KindDeletion:
		if d, ok := nostr.ParseDeletion(&evt); ok {
			c.applyDeletion(d)
		}
	}

	if target := nostr.ReplyTarget(&evt); target != "" {
		c.fold(familyReplies, target, evt, Contribution{Source: evt.ID, Author: evt.PubKey})
	} else if c.feedKinds[evt.Kind] {
		c.insertFeed(evt)
	}

	metrics.IngestEvents.WithLabelValues("admitted").Inc()
	return true
}

// rebuildSeenLocked trims the global seen set to the ids still visible in the
// feed plus the id being admitted. mu must be held.
func (c *Cache) rebuildSeenLocked(current string) {
	before := len(c.seen)
	c.seen = make(map[string]struct{}, len(c.feedSet)+1)
	for id := range c.feedSet {
		c.seen[id] = struct{}{}
	}
	c.seen[current] = struct{}{}
	c.log.Info("seen set trimmed", "before", before, "after", len(c.seen))
}

func (c *Cache) insertFeed(evt types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.feedSet[evt.ID]; ok {
		return
	}
	// Newest first; equal timestamps ordered by id
	idx := sort.Search(len(c.feed), func(i int) bool {
		if c.feed[i].CreatedAt != evt.CreatedAt {
			return c.feed[i].CreatedAt < evt.CreatedAt
		}
		return c.feed[i].ID > evt.ID
	})
	c.feed = append(c.feed, types.Event{})
	copy(c.feed[idx+1:], c.feed[idx:])
	c.feed[idx] = evt
	c.feedSet[evt.ID] = struct{}{}

	if len(c.feed) > c.opts.FeedCap {
		oldest := c.feed[len(c.feed)-1]
		c.feed = c.feed[:len(c.feed)-1]
		delete(c.feedSet, oldest.ID)
	}
	c.notify.markFeed()
}

func (c *Cache) fold(kind familyKind, target string, evt types.Event, contrib Contribution) {
	counted := c.families[kind].add(target, contrib)
	// recorded even when not counted: a confirmed optimistic entry now lives under this id
	c.sources.Add(evt.ID, sourceRef{family: kind, target: target, signer: evt.PubKey})
	if counted {
		c.notify.markTarget(target)
	}
}

// applyDeletion takes back contributions and feed entries signed by the
// deletion's author. Deletions naming someone else's events are ignored.
func (c *Cache) applyDeletion(d *types.Deletion) {
	for _, id := range d.EventIDs {
		if ref, ok := c.sources.Peek(id); ok && ref.signer == d.Author {
			if c.families[ref.family].removeSource(ref.target, id) {
				c.notify.markTarget(ref.target)
			}
			c.sources.Remove(id)
		}
		if evt, ok := c.events.Peek(id); ok && evt.PubKey == d.Author {
			c.events.Remove(id)
			c.removeFromFeed(func(e types.Event) bool { return e.ID == id })
		}
	}
}

func (c *Cache) removeFromFeed(match func(types.Event) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.feed[:0]
	removed := 0
	for _, e := range c.feed {
		if match(e) {
			delete(c.feedSet, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(c.feed); i++ {
		c.feed[i] = types.Event{}
	}
	c.feed = kept
	if removed > 0 {
		c.notify.markFeed()
	}
	return removed
}

func (c *Cache) recordProvenance(id, relay string) {
	if relay == "" {
		return
	}
	c.provMu.Lock()
	defer c.provMu.Unlock()
	set, ok := c.provenance.Get(id)
	if !ok {
		set = make(map[string]struct{}, 1)
		c.provenance.Add(id, set)
	}
	set[relay] = struct{}{}
}

// Relays returns the relays that delivered an event, sorted
func (c *Cache) Relays(id string) []string {
	c.provMu.Lock()
	defer c.provMu.Unlock()
	set, ok := c.provenance.Peek(id)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for relay := range set {
		out = append(out, relay)
	}
	sort.Strings(out)
	return out
}

// GetEvent returns a cached admitted event
func (c *Cache) GetEvent(id string) (types.Event, bool) {
	return c.events.Get(id)
}

// Seen reports whether an id has had its admission decision
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[id]
	return ok
}

// Feed returns up to limit feed events, newest first. limit <= 0 returns all.
func (c *Cache) Feed(limit int) []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.feed)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]types.Event(nil), c.feed[:n]...)
}

// FeedLen returns the number of visible feed events
func (c *Cache) FeedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.feed)
}

// Reactions returns the reaction aggregate for target
func (c *Cache) Reactions(target string) Summary { return c.families[familyReactions].summary(target) }

// Zaps returns the zap aggregate for target; TotalMsats is the running sum
func (c *Cache) Zaps(target string) Summary { return c.families[familyZaps].summary(target) }

func (c *Cache) Reposts(target string) Summary { return c.families[familyReposts].summary(target) }

func (c *Cache) Replies(target string) Summary { return c.families[familyReplies].summary(target) }

// AddOptimisticReaction counts the local user's reaction before the network
// confirms it. The confirming event is recognised and not counted again.
func (c *Cache) AddOptimisticReaction(target, author, content string) bool {
	if !c.families[familyReactions].addOptimistic(target, Contribution{Author: author, Content: content}) {
		return false
	}
	c.notify.markTarget(target)
	return true
}

// AddOptimisticZap counts a zap the local user just paid
func (c *Cache) AddOptimisticZap(target, sender string, amountMsats int64) bool {
	if !c.families[familyZaps].addOptimistic(target, Contribution{Author: sender, Amount: amountMsats}) {
		return false
	}
	c.notify.markTarget(target)
	return true
}

// RemoveReaction takes back author's latest reaction to target
func (c *Cache) RemoveReaction(target, author string) bool {
	if !c.families[familyReactions].removeAuthor(target, author) {
		return false
	}
	c.notify.markTarget(target)
	return true
}

// PurgeAuthor removes an author's events from the feed and the event cache
func (c *Cache) PurgeAuthor(pubkey string) int {
	removed := c.removeFromFeed(func(e types.Event) bool { return e.PubKey == pubkey })
	for _, id := range c.events.Keys() {
		if evt, ok := c.events.Peek(id); ok && evt.PubKey == pubkey {
			c.events.Remove(id)
		}
	}
	c.log.Debug("purged author", "pubkey", nostr.ShortID(pubkey), "feed_removed", removed)
	return removed
}

// ClearAll resets every cache, including the seen set
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.seen = make(map[string]struct{})
	c.feed = nil
	c.feedSet = make(map[string]struct{})
	c.mu.Unlock()

	c.events.Purge()
	c.sources.Purge()
	c.provMu.Lock()
	c.provenance.Purge()
	c.provMu.Unlock()
	for _, f := range c.families {
		f.cache.Purge()
	}
	c.notify.reset()
}
