package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-relaycore/internal/facts"
	"nostr-relaycore/internal/types"
)

var (
	alice = strings.Repeat("a", 64)
	bob   = strings.Repeat("b", 64)
	me    = strings.Repeat("e", 64)
)

func id(n int) string { return fmt.Sprintf("%064x", n) }

func note(n int, author string, ts int64) types.Event {
	return types.Event{ID: id(n), PubKey: author, Kind: 1, CreatedAt: ts, Content: "gm"}
}

func reaction(n int, author, target string) types.Event {
	return types.Event{ID: id(n), PubKey: author, Kind: 7, CreatedAt: 10, Content: "+", Tags: [][]string{{"e", target}, {"p", alice}}}
}

func zapReceipt(t *testing.T, n int, sender, target string, msats int64) types.Event {
	t.Helper()
	req, err := json.Marshal(types.Event{
		ID:     id(n + 1000),
		PubKey: sender,
		Kind:   9734,
		Tags:   [][]string{{"amount", fmt.Sprint(msats)}, {"e", target}},
	})
	require.NoError(t, err)
	return types.Event{
		ID:     id(n),
		PubKey: strings.Repeat("f", 64),
		Kind:   9735,
		Tags:   [][]string{{"p", alice}, {"e", target}, {"description", string(req)}},
	}
}

func deletion(n int, author string, ids ...string) types.Event {
	tags := make([][]string, len(ids))
	for i, x := range ids {
		tags[i] = []string{"e", x}
	}
	return types.Event{ID: id(n), PubKey: author, Kind: 5, CreatedAt: 20, Tags: tags}
}

func newCache(opts Options) *Cache {
	if opts.Debounce == 0 {
		opts.Debounce = 30 * time.Millisecond
	}
	if opts.FeedInterval == 0 {
		opts.FeedInterval = 20 * time.Millisecond
	}
	return New(opts)
}

func TestAdmitDedupAndProvenance(t *testing.T) {
	c := newCache(Options{})
	evt := note(1, alice, 100)

	admitted := 0
	for i := 0; i < 5; i++ {
		relay := "wss://one.example.com"
		if i%2 == 1 {
			relay = "wss://two.example.com"
		}
		if c.Admit(evt, relay) {
			admitted++
		}
	}

	if admitted != 1 {
		t.Fatalf("Expected exactly one admission, got %d", admitted)
	}
	if c.FeedLen() != 1 {
		t.Errorf("Expected 1 feed entry, got %d", c.FeedLen())
	}
	assert.Equal(t, []string{"wss://one.example.com", "wss://two.example.com"}, c.Relays(evt.ID))

	got, ok := c.GetEvent(evt.ID)
	require.True(t, ok)
	assert.Equal(t, evt.Content, got.Content)
}

func TestAdmitRejectsEmptyID(t *testing.T) {
	c := newCache(Options{})
	if c.Admit(types.Event{Kind: 1}, "wss://r.example.com") {
		t.Error("Expected event without id to be rejected")
	}
}

func TestFeedOrderIndependentOfArrival(t *testing.T) {
	c := newCache(Options{})
	stamps := rand.Perm(50)
	for i, ts := range stamps {
		c.Admit(note(i, alice, int64(ts)), "wss://r.example.com")
	}
	// replies stay out of the feed
	c.Admit(types.Event{ID: id(999), PubKey: bob, Kind: 1, CreatedAt: 1000, Tags: [][]string{{"e", id(1), "", "root"}}}, "")

	feed := c.Feed(0)
	require.Len(t, feed, 50)
	for i := 1; i < len(feed); i++ {
		if feed[i-1].CreatedAt < feed[i].CreatedAt {
			t.Fatalf("Expected descending order at %d: %d before %d", i, feed[i-1].CreatedAt, feed[i].CreatedAt)
		}
	}
	assert.Len(t, c.Feed(10), 10)
	assert.Equal(t, 1, c.Replies(id(1)).Count)
}

func TestConcurrentDeliveryAdmitsOnce(t *testing.T) {
	c := newCache(Options{})
	var wins atomic.Int32
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			relay := fmt.Sprintf("wss://relay%d.example.com", r)
			for i := 0; i < 100; i++ {
				if c.Admit(note(i, alice, int64(i)), relay) {
					wins.Add(1)
				}
			}
		}(r)
	}
	wg.Wait()

	assert.Equal(t, int32(100), wins.Load())
	assert.Equal(t, 100, c.FeedLen())
	assert.Len(t, c.Relays(id(42)), 8)
}

func TestReactionAggregateConservation(t *testing.T) {
	c := newCache(Options{})
	target := id(500)

	c.Admit(reaction(1, alice, target), "wss://a.example.com")
	c.Admit(reaction(1, alice, target), "wss://b.example.com")
	c.Admit(reaction(2, bob, target), "wss://a.example.com")

	sum := c.Reactions(target)
	assert.Equal(t, 2, sum.Count)
	assert.Len(t, sum.Contributions, sum.Count)

	require.True(t, c.RemoveReaction(target, alice))
	sum = c.Reactions(target)
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, bob, sum.Contributions[0].Author)
	assert.False(t, c.RemoveReaction(target, alice), "nothing left to remove")
}

func TestEvictedAggregateTakesItsSourcesAlong(t *testing.T) {
	c := newCache(Options{AggregateSize: 1})
	first, second := id(500), id(501)
	conserved := func(target string) {
		t.Helper()
		sum := c.Reactions(target)
		assert.Len(t, sum.Contributions, sum.Count)
	}

	require.True(t, c.Admit(reaction(1, alice, first), ""))
	assert.Equal(t, 1, c.Reactions(first).Count)
	conserved(first)

	require.True(t, c.Admit(reaction(2, bob, second), ""))
	assert.Equal(t, 0, c.Reactions(first).Count, "first target evicted")
	assert.Equal(t, 1, c.Reactions(second).Count)
	conserved(first)
	conserved(second)

	// the evicted dedup set no longer blocks the source that was counted before
	reactions := c.families[familyReactions]
	assert.True(t, reactions.add(first, Contribution{Source: id(1), Author: alice, Content: "+"}))
	assert.Equal(t, 1, c.Reactions(first).Count)
	conserved(first)
	assert.False(t, reactions.add(first, Contribution{Source: id(1), Author: alice, Content: "+"}))
	assert.Equal(t, 1, c.Reactions(first).Count)
	assert.Equal(t, 0, c.Reactions(second).Count, "second target evicted in turn")
	conserved(second)
}

func TestOptimisticReactionConverges(t *testing.T) {
	c := newCache(Options{})
	target := id(500)

	require.True(t, c.AddOptimisticReaction(target, me, "+"))
	assert.False(t, c.AddOptimisticReaction(target, me, "+"), "second optimistic add is ignored")
	sum := c.Reactions(target)
	assert.Equal(t, 1, sum.Count)
	assert.True(t, sum.Optimistic)

	confirm := reaction(7, me, target)
	assert.True(t, c.Admit(confirm, "wss://a.example.com"))

	sum = c.Reactions(target)
	assert.Equal(t, 1, sum.Count, "confirmation must not double count")
	assert.False(t, sum.Optimistic)
	assert.Equal(t, confirm.ID, sum.Contributions[0].Source)

	// the confirmed reaction can still be deleted by its author
	c.Admit(deletion(8, me, confirm.ID), "")
	assert.Equal(t, 0, c.Reactions(target).Count)
}

func TestZapAggregates(t *testing.T) {
	c := newCache(Options{})
	target := id(600)

	require.True(t, c.AddOptimisticZap(target, me, 21_000))
	assert.Equal(t, int64(21_000), c.Zaps(target).TotalMsats)

	c.Admit(zapReceipt(t, 1, me, target, 21_000), "wss://a.example.com")
	c.Admit(zapReceipt(t, 2, bob, target, 5_000), "wss://a.example.com")
	c.Admit(zapReceipt(t, 2, bob, target, 5_000), "wss://b.example.com")

	sum := c.Zaps(target)
	assert.Equal(t, 2, sum.Count)
	assert.Equal(t, int64(26_000), sum.TotalMsats)
	assert.False(t, sum.Optimistic)
}

func TestRepostsAndDeletionAuthority(t *testing.T) {
	c := newCache(Options{})
	target := id(700)
	repost := types.Event{ID: id(1), PubKey: alice, Kind: 6, CreatedAt: 5, Tags: [][]string{{"e", target}}}
	c.Admit(repost, "")
	assert.Equal(t, 1, c.Reposts(target).Count)

	c.Admit(deletion(2, bob, repost.ID), "")
	assert.Equal(t, 1, c.Reposts(target).Count, "only the signer may delete")

	c.Admit(deletion(3, alice, repost.ID), "")
	assert.Equal(t, 0, c.Reposts(target).Count)
}

func TestDeletionRemovesFeedEntry(t *testing.T) {
	c := newCache(Options{})
	c.Admit(note(1, alice, 10), "")
	c.Admit(note(2, alice, 11), "")
	c.Admit(deletion(3, alice, id(1)), "")

	feed := c.Feed(0)
	require.Len(t, feed, 1)
	assert.Equal(t, id(2), feed[0].ID)
	_, ok := c.GetEvent(id(1))
	assert.False(t, ok)
}

func TestSeenCapRebuildKeepsVisibleDeduped(t *testing.T) {
	c := newCache(Options{SeenCap: 5, FeedCap: 3})
	for i := 1; i <= 6; i++ {
		require.True(t, c.Admit(note(i, alice, int64(i)), ""))
	}

	assert.False(t, c.Admit(note(5, alice, 5), ""), "visible entries stay deduplicated")
	assert.False(t, c.Seen(id(2)), "entries outside the feed are forgotten")
	assert.True(t, c.Admit(note(1, alice, 1), ""), "forgotten ids are admitted again")
	assert.Equal(t, 3, c.FeedLen())
	assert.Equal(t, id(6), c.Feed(1)[0].ID)
}

func TestPurgeAuthorAndClearAll(t *testing.T) {
	c := newCache(Options{})
	c.Admit(note(1, alice, 1), "")
	c.Admit(note(2, bob, 2), "")
	c.Admit(note(3, alice, 3), "")

	assert.Equal(t, 2, c.PurgeAuthor(alice))
	feed := c.Feed(0)
	require.Len(t, feed, 1)
	assert.Equal(t, bob, feed[0].PubKey)
	_, ok := c.GetEvent(id(1))
	assert.False(t, ok)

	c.ClearAll()
	assert.Zero(t, c.FeedLen())
	assert.Nil(t, c.Relays(id(2)))
	assert.True(t, c.Admit(note(2, bob, 2), ""), "clear resets the seen set")
}

func TestMutedAuthorsAreDropped(t *testing.T) {
	mutes := facts.NewMuteStore(me)
	mutes.Block(bob)
	c := newCache(Options{Mutes: mutes})

	assert.False(t, c.Admit(note(1, bob, 1), ""))
	assert.True(t, c.Seen(id(1)))
	assert.True(t, c.Admit(note(2, alice, 2), ""))
	assert.Equal(t, 1, c.FeedLen())
}

func TestNotificationsAreCoalesced(t *testing.T) {
	c := newCache(Options{Debounce: 60 * time.Millisecond, FeedInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	updates, stop := c.Subscribe()
	defer stop()

	t1, t2 := id(900), id(901)
	for i := 0; i < 20; i++ {
		target := t1
		if i%2 == 1 {
			target = t2
		}
		c.Admit(reaction(i, fmt.Sprintf("%064x", 5000+i), target), "")
	}

	var aggregateUpdates []Update
	deadline := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case u := <-updates:
			if len(u.Targets) > 0 {
				aggregateUpdates = append(aggregateUpdates, u)
			}
		case <-deadline:
			done = true
		}
	}

	require.Len(t, aggregateUpdates, 1, "twenty mutations produce one batch")
	assert.Equal(t, []string{t1, t2}, aggregateUpdates[0].Targets)
	assert.Equal(t, uint64(1), aggregateUpdates[0].AggregateVersion)
}

func TestFeedNotification(t *testing.T) {
	c := newCache(Options{FeedInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	updates, stop := c.Subscribe()
	defer stop()

	for i := 0; i < 10; i++ {
		c.Admit(note(i, alice, int64(i)), "")
	}

	select {
	case u := <-updates:
		assert.True(t, u.Feed)
		assert.GreaterOrEqual(t, u.FeedVersion, uint64(1))
	case <-time.After(time.Second):
		t.Fatal("Expected a feed update")
	}
}

func TestUpdateMergeWhenSubscriberLags(t *testing.T) {
	ch := make(chan Update, 1)
	deliver(ch, Update{AggregateVersion: 1, Targets: []string{"b"}})
	deliver(ch, Update{AggregateVersion: 2, Targets: []string{"a"}})
	deliver(ch, Update{FeedVersion: 1, AggregateVersion: 2, Feed: true})

	u := <-ch
	assert.Equal(t, uint64(2), u.AggregateVersion)
	assert.Equal(t, uint64(1), u.FeedVersion)
	assert.True(t, u.Feed)
	assert.Equal(t, []string{"a", "b"}, u.Targets)
}
