package outbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-relaycore/internal/facts"
	"nostr-relaycore/internal/health"
	"nostr-relaycore/internal/pool"
	"nostr-relaycore/internal/subscription"
	"nostr-relaycore/internal/types"
)

const (
	r1      = "wss://r1.example.com"
	r2      = "wss://r2.example.com"
	conn1   = "wss://connected1.example.com"
	conn2   = "wss://connected2.example.com"
	indexer = "wss://indexer.example.com"
)

func pk(c string) string { return strings.Repeat(c, 64) }

type fakePool struct {
	mu        sync.Mutex
	connected []string
	blocked   map[string]bool
	sent      map[string][]types.NostrMessage
}

func newFakePool(connected ...string) *fakePool {
	return &fakePool{connected: connected, blocked: map[string]bool{}, sent: map[string][]types.NostrMessage{}}
}

func (f *fakePool) SendTo(ctx context.Context, relayURL string, msg types.NostrMessage, opts pool.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked[relayURL] {
		return pool.ErrBlocked
	}
	f.sent[relayURL] = append(f.sent[relayURL], msg)
	return nil
}

func (f *fakePool) ConnectedRelays() []string { return f.connected }
func (f *fakePool) IsBlocked(url string) bool { return f.blocked[url] }

type fakeDispatcher struct {
	id    string
	parts []subscription.Part
	opts  pool.SendOptions
}

func (d *fakeDispatcher) DispatchGroup(ctx context.Context, id string, parts []subscription.Part, opts pool.SendOptions) []string {
	d.id, d.parts, d.opts = id, parts, opts
	set := map[string]bool{}
	var out []string
	for _, p := range parts {
		for _, r := range p.Relays {
			if !set[r] {
				set[r] = true
				out = append(out, r)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (d *fakeDispatcher) partFor(relay string) []subscription.Part {
	var out []subscription.Part
	for _, p := range d.parts {
		for _, r := range p.Relays {
			if r == relay {
				out = append(out, p)
			}
		}
	}
	return out
}

func storeWith(t *testing.T, lists map[string][]string) *facts.RelayListStore {
	t.Helper()
	s := facts.NewRelayListStore(nil, time.Hour, time.Minute)
	for author, relays := range lists {
		var tags [][]string
		for _, r := range relays {
			tags = append(tags, []string{"r", r})
		}
		s.Apply(context.Background(), &types.Event{ID: "rl-" + author[:4], PubKey: author, Kind: 10002, CreatedAt: 1, Tags: tags})
	}
	return s
}

func TestRouterScenarioCoveredAndUncovered(t *testing.T) {
	alice, bob := pk("a"), pk("b")
	lists := storeWith(t, map[string][]string{alice: {r1, r2}})
	disp := &fakeDispatcher{}
	router := NewRouter(Options{
		Lists:      lists,
		Pool:       newFakePool(conn1, conn2),
		Dispatcher: disp,
		Indexers:   []string{indexer},
	})

	targeted, plan := router.Subscribe(context.Background(), "feed", []string{alice, bob}, types.Filter{Kinds: []int{1}, Limit: 50})

	assert.Equal(t, []string{conn1, conn2, indexer, r1, r2}, targeted)
	assert.Equal(t, []string{bob}, plan.Uncovered)
	assert.True(t, disp.opts.ConnectOnDemand)

	for _, relay := range []string{r1, r2} {
		parts := disp.partFor(relay)
		require.Len(t, parts, 1, relay)
		assert.Equal(t, []string{alice}, parts[0].Filters[0].Authors)
		assert.Equal(t, []int{1}, parts[0].Filters[0].Kinds)
		assert.Equal(t, 50, parts[0].Filters[0].Limit)
	}
	for _, relay := range []string{conn1, conn2, indexer} {
		parts := disp.partFor(relay)
		require.Len(t, parts, 1, relay)
		assert.Equal(t, []string{bob}, parts[0].Filters[0].Authors)
	}
}

func TestRouterChunksAuthorsPerFilter(t *testing.T) {
	lists := map[string][]string{}
	var authors []string
	for i := 0; i < 7; i++ {
		a := fmt.Sprintf("%064x", i+1)
		authors = append(authors, a)
		lists[a] = []string{r1}
	}
	disp := &fakeDispatcher{}
	router := NewRouter(Options{
		Lists:               storeWith(t, lists),
		Pool:                newFakePool(),
		Dispatcher:          disp,
		MaxAuthorsPerFilter: 3,
	})

	router.Subscribe(context.Background(), "big", authors, types.Filter{Kinds: []int{1}})

	require.Len(t, disp.parts, 3)
	ids := map[string]bool{}
	total := 0
	for _, p := range disp.parts {
		assert.LessOrEqual(t, len(p.Filters[0].Authors), 3)
		assert.True(t, strings.HasPrefix(p.ID, "big-"))
		ids[p.ID] = true
		total += len(p.Filters[0].Authors)
	}
	assert.Len(t, ids, 3, "chunk ids are distinct")
	assert.Equal(t, 7, total)
}

func TestRouterCapsRelaysPerAuthorByScore(t *testing.T) {
	alice := pk("a")
	relays := []string{"wss://a.example.com", "wss://b.example.com", "wss://c.example.com", "wss://d.example.com"}
	h := health.NewMemoryStore(health.DefaultPolicy())
	h.RecordResponseTime("wss://d.example.com", 50*time.Millisecond)
	h.MarkBad("wss://a.example.com")

	router := NewRouter(Options{
		Lists:              storeWith(t, map[string][]string{alice: relays}),
		Pool:               newFakePool(),
		Dispatcher:         &fakeDispatcher{},
		Health:             h,
		MaxRelaysPerAuthor: 2,
	})

	plan := router.Plan([]string{alice})
	require.Len(t, plan.Routes, 2)
	got := []string{plan.Routes[0].Relay, plan.Routes[1].Relay}
	assert.Contains(t, got, "wss://d.example.com", "fast relay ranks first")
	assert.NotContains(t, got, "wss://a.example.com", "bad relay skipped")
}

func TestRouterAllRelaysBlockedFallsBack(t *testing.T) {
	alice := pk("a")
	p := newFakePool(conn1)
	p.blocked[r1] = true
	router := NewRouter(Options{
		Lists:      storeWith(t, map[string][]string{alice: {r1}}),
		Pool:       p,
		Dispatcher: &fakeDispatcher{},
	})

	plan := router.Plan([]string{alice})
	assert.Empty(t, plan.Routes)
	assert.Equal(t, []string{alice}, plan.Uncovered)
	assert.Equal(t, []string{conn1}, plan.Fallback)
}

func TestPublishToInbox(t *testing.T) {
	bob := pk("b")
	lists := facts.NewRelayListStore(nil, time.Hour, time.Minute)
	lists.Apply(context.Background(), &types.Event{ID: "x", PubKey: bob, Kind: 10002, CreatedAt: 1, Tags: [][]string{
		{"r", "wss://inbox.example.com", "read"},
		{"r", "wss://outbox.example.com", "write"},
	}})
	p := newFakePool()
	router := NewRouter(Options{Lists: lists, Pool: p, Dispatcher: &fakeDispatcher{}})

	sent := router.PublishToInbox(context.Background(), types.Event{ID: "reaction"}, []string{bob, pk("c")})
	assert.Equal(t, []string{"wss://inbox.example.com"}, sent)
	assert.Len(t, p.sent["wss://inbox.example.com"], 1)
	assert.Empty(t, p.sent["wss://outbox.example.com"])
}

type fakeFetcher struct {
	calls  atomic.Int32
	events []types.Event
}

func (f *fakeFetcher) Fetch(ctx context.Context, relays []string, filters []types.Filter) []types.Event {
	f.calls.Add(1)
	want := map[string]bool{}
	for _, a := range filters[0].Authors {
		want[a] = true
	}
	var out []types.Event
	for _, e := range f.events {
		if want[e.PubKey] {
			out = append(out, e)
		}
	}
	return out
}

func TestRequestMissingRelayListsCoalesces(t *testing.T) {
	alice, bob, carol := pk("a"), pk("b"), pk("c")
	lists := facts.NewRelayListStore(nil, time.Hour, time.Minute)
	fetcher := &fakeFetcher{events: []types.Event{
		{ID: "1", PubKey: alice, Kind: 10002, CreatedAt: 1, Tags: [][]string{{"r", r1}}},
		{ID: "2", PubKey: bob, Kind: 10002, CreatedAt: 1, Tags: [][]string{{"r", r2}}},
	}}
	router := NewRouter(Options{
		Lists:       lists,
		Pool:        newFakePool(conn1),
		Dispatcher:  &fakeDispatcher{},
		Fetcher:     fetcher,
		BatchWindow: 30 * time.Millisecond,
	})

	var wg sync.WaitGroup
	var found atomic.Int32
	for _, group := range [][]string{{alice, carol}, {bob}, {alice}} {
		wg.Add(1)
		go func(authors []string) {
			defer wg.Done()
			n, err := router.RequestMissingRelayLists(context.Background(), authors)
			assert.NoError(t, err)
			found.Add(int32(n))
		}(group)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load(), "one fetch for all concurrent callers")
	assert.Equal(t, int32(3), found.Load())
	assert.True(t, lists.HasRelayList(alice))
	assert.True(t, lists.HasRelayList(bob))
	assert.Empty(t, lists.GetMissingAuthors([]string{carol}), "carol is memoized as not found")

	n, err := router.RequestMissingRelayLists(context.Background(), []string{alice, carol})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestBatcherMergesOverlappingRequests(t *testing.T) {
	var calls atomic.Int32
	b := NewBatcher("test", func(keys []string) map[string]int {
		calls.Add(1)
		out := make(map[string]int, len(keys))
		for _, k := range keys {
			out[k] = len(k)
		}
		return out
	}, 20*time.Millisecond, 0)

	var wg sync.WaitGroup
	results := make([]map[string]int, 3)
	for i, keys := range [][]string{{"a", "bb"}, {"a", "ccc"}, {"dddd"}} {
		wg.Add(1)
		go func(i int, keys []string) {
			defer wg.Done()
			results[i], _ = b.GetMultiple(context.Background(), keys)
		}(i, keys)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, map[string]int{"a": 1, "bb": 2}, results[0])
	assert.Equal(t, map[string]int{"a": 1, "ccc": 3}, results[1])
	assert.Equal(t, map[string]int{"dddd": 4}, results[2])

	keys, waiters := b.Stats()
	assert.Zero(t, keys)
	assert.Zero(t, waiters)
}

func TestBatcherHonoursContext(t *testing.T) {
	b := NewBatcher("slow", func(keys []string) map[string]int { return nil }, time.Hour, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
