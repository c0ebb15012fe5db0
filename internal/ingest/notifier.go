package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"nostr-relaycore/internal/metrics"
)

// Update is one coalesced batch of changes. Versions only grow; Targets lists
// the aggregate targets touched since the previous aggregate batch.
type Update struct {
	FeedVersion      uint64
	AggregateVersion uint64
	Feed             bool
	Targets          []string
}

func (u Update) merge(newer Update) Update {
	out := newer
	out.Feed = u.Feed || newer.Feed
	set := make(map[string]struct{}, len(u.Targets)+len(newer.Targets))
	for _, t := range u.Targets {
		set[t] = struct{}{}
	}
	for _, t := range newer.Targets {
		set[t] = struct{}{}
	}
	out.Targets = make([]string, 0, len(set))
	for t := range set {
		out.Targets = append(out.Targets, t)
	}
	sort.Strings(out.Targets)
	return out
}

// notifier turns mutation marks into batched updates. The feed is flushed on a
// fixed interval; aggregate changes are flushed one quiet period after the
// first mark of a batch.
type notifier struct {
	debounce time.Duration
	interval time.Duration
	signal   chan struct{}

	mu          sync.Mutex
	feedDirty   bool
	targets     map[string]struct{}
	feedVersion uint64
	aggVersion  uint64
	subs        map[int]chan Update
	nextSub     int
}

func newNotifier(debounce, interval time.Duration) *notifier {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &notifier{
		debounce: debounce,
		interval: interval,
		signal:   make(chan struct{}, 1),
		targets:  make(map[string]struct{}),
		subs:     make(map[int]chan Update),
	}
}

func (n *notifier) markFeed() {
	n.mu.Lock()
	n.feedDirty = true
	n.mu.Unlock()
}

func (n *notifier) markTarget(target string) {
	n.mu.Lock()
	n.targets[target] = struct{}{}
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)
	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = ch
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	var quiet <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.signal:
			if quiet == nil {
				quiet = time.After(n.debounce)
			}
		case <-quiet:
			quiet = nil
			n.flushAggregates()
		case <-ticker.C:
			n.flushFeed()
		}
	}
}

func (n *notifier) flushFeed() {
	n.mu.Lock()
	if !n.feedDirty {
		n.mu.Unlock()
		return
	}
	n.feedDirty = false
	n.feedVersion++
	u := Update{FeedVersion: n.feedVersion, AggregateVersion: n.aggVersion, Feed: true}
	subs := n.subscribers()
	n.mu.Unlock()

	metrics.IngestNotifications.WithLabelValues("feed").Inc()
	for _, ch := range subs {
		deliver(ch, u)
	}
}

func (n *notifier) flushAggregates() {
	n.mu.Lock()
	if len(n.targets) == 0 {
		n.mu.Unlock()
		return
	}
	targets := make([]string, 0, len(n.targets))
	for t := range n.targets {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	n.targets = make(map[string]struct{})
	n.aggVersion++
	u := Update{FeedVersion: n.feedVersion, AggregateVersion: n.aggVersion, Targets: targets}
	subs := n.subscribers()
	n.mu.Unlock()

	metrics.IngestNotifications.WithLabelValues("aggregates").Inc()
	for _, ch := range subs {
		deliver(ch, u)
	}
}

// subscribers must be called with mu held
func (n *notifier) subscribers() []chan Update {
	out := make([]chan Update, 0, len(n.subs))
	for _, ch := range n.subs {
		out = append(out, ch)
	}
	return out
}

func (n *notifier) reset() {
	n.mu.Lock()
	n.feedDirty = true
	n.targets = make(map[string]struct{})
	n.mu.Unlock()
}

// deliver never blocks: an undrained update is merged into the new one
func deliver(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case old := <-ch:
		u = old.merge(u)
	default:
	}
	select {
	case ch <- u:
	default:
	}
}
