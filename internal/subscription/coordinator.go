// Package subscription tracks which relays have answered a logical
// subscription and lets callers await an EOSE quorum.
package subscription

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nostr-relaycore/internal/health"
	"nostr-relaycore/internal/metrics"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/pool"
	"nostr-relaycore/internal/types"
)

// Sender delivers protocol frames to a single relay. *pool.Pool satisfies it.
type Sender interface {
	SendTo(ctx context.Context, relayURL string, msg types.NostrMessage, opts pool.SendOptions) error
}

// Part is one wire subscription within a dispatch group
type Part struct {
	ID      string
	Filters []types.Filter
	Relays  []string
}

// Result describes how an AwaitQuorum call ended
type Result struct {
	Count      int           // relays that had finished when the wait ended
	Target     int           // the quorum that was asked for
	Reached    bool          // Count >= Target
	TimedOut   bool          // the timeout fired first
	Superseded bool          // the subscription was closed or re-dispatched while waiting
	Waited     time.Duration // time spent blocked
}

// tracker is the EOSE bookkeeping for one logical subscription id.
// A relay counts as done once every part sent to it has signalled EOSE or CLOSED.
type tracker struct {
	id      string
	parts   []*part
	pending map[string]int // relay -> parts still outstanding
	done    map[string]struct{}
	signal  chan struct{} // closed and replaced whenever done grows
	ended   chan struct{} // closed when superseded or closed
}

type part struct {
	id      string
	owner   *tracker
	filters []types.Filter
	relays  map[string]bool // relay -> finished
}

func newTracker(id string) *tracker {
	return &tracker{
		id:      id,
		pending: make(map[string]int),
		done:    make(map[string]struct{}),
		signal:  make(chan struct{}),
		ended:   make(chan struct{}),
	}
}

// Coordinator dispatches REQs and counts EOSE signals per logical id
type Coordinator struct {
	sender Sender
	health health.Store
	log    *slog.Logger

	mu       sync.Mutex
	trackers map[string]*tracker // logical id -> tracker
	parts    map[string]*part    // wire subscription id -> part
}

// NewCoordinator creates a coordinator. h may be nil, in which case no relay is skipped.
func NewCoordinator(sender Sender, h health.Store) *Coordinator {
	return &Coordinator{
		sender:   sender,
		health:   h,
		log:      slog.Default().With("component", "subscription"),
		trackers: make(map[string]*tracker),
		parts:    make(map[string]*part),
	}
}

// NewID returns a fresh subscription id with a readable prefix
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// QuorumTarget sizes a quorum as max(minimum, ceil(connected*ratio)) clamped to [1, targeted].
// Returns 0 when nothing was targeted.
func QuorumTarget(connected, targeted int, ratio float64, minimum int) int {
	if targeted <= 0 {
		return 0
	}
	// epsilon absorbs float error in connected*ratio
	target := int(math.Ceil(float64(connected)*ratio - 1e-9))
	if target < minimum {
		target = minimum
	}
	if target > targeted {
		target = targeted
	}
	if target < 1 {
		target = 1
	}
	return target
}

// Dispatch sends one REQ under id to relays and starts tracking it.
// Returns the relays the REQ was handed to.
func (c *Coordinator) Dispatch(ctx context.Context, id string, filters []types.Filter, relays []string, opts pool.SendOptions) []string {
	return c.DispatchGroup(ctx, id, []Part{{ID: id, Filters: filters, Relays: relays}}, opts)
}

// DispatchGroup sends several wire subscriptions that together answer one logical id
// (for example author chunks routed to different relays). Re-dispatching an id
// supersedes the previous instance: its waiters wake and relays that no longer
// carry a part receive CLOSE.
func (c *Coordinator) DispatchGroup(ctx context.Context, id string, parts []Part, opts pool.SendOptions) []string {
	t := newTracker(id)

	c.mu.Lock()
	old := c.trackers[id]
	c.trackers[id] = t
	var stale []closeTarget
	if old != nil {
		stale = c.retireLocked(old, parts)
	}
	c.mu.Unlock()

	c.sendCloses(ctx, stale)

	// Register every (part, relay) pair before sending so an early EOSE is never missed
	type queued struct {
		p     *part
		req   types.NostrMessage
		relay string
	}
	var sends []queued
	c.mu.Lock()
	if c.trackers[id] == t {
		for _, ps := range parts {
			p := &part{id: ps.ID, owner: t, filters: ps.Filters, relays: make(map[string]bool)}
			req := nostr.ReqMessage(ps.ID, ps.Filters)
			for _, relay := range nostr.NormalizeRelayURLs(ps.Relays) {
				if c.health != nil && c.health.IsBad(relay) {
					c.log.Debug("skipping unhealthy relay", "relay", relay, "sub_id", ps.ID)
					continue
				}
				p.relays[relay] = false
				t.pending[relay]++
				sends = append(sends, queued{p: p, req: req, relay: relay})
			}
			t.parts = append(t.parts, p)
			c.parts[ps.ID] = p
		}
	}
	c.mu.Unlock()

	targeted := make(map[string]struct{})
	for _, s := range sends {
		if err := c.sender.SendTo(ctx, s.relay, s.req, opts); err != nil {
			c.log.Debug("REQ not sent", "relay", s.relay, "sub_id", s.p.id, "error", err)
			c.untrack(s.p, s.relay)
			continue
		}
		targeted[s.relay] = struct{}{}
	}

	out := make([]string, 0, len(targeted))
	for relay := range targeted {
		out = append(out, relay)
	}
	sort.Strings(out)
	return out
}

// untrack forgets a relay a part could not be sent to
func (c *Coordinator) untrack(p *part, relayURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	finished, ok := p.relays[relayURL]
	if !ok || finished {
		return
	}
	delete(p.relays, relayURL)
	t := p.owner
	t.pending[relayURL]--
	if t.pending[relayURL] > 0 {
		return
	}
	delete(t.pending, relayURL)
	// The relay still counts if it already answered another part
	for _, other := range t.parts {
		if other.relays[relayURL] {
			c.markDoneLocked(t, relayURL)
			return
		}
	}
}

func (c *Coordinator) markDoneLocked(t *tracker, relayURL string) {
	if _, ok := t.done[relayURL]; ok {
		return
	}
	t.done[relayURL] = struct{}{}
	close(t.signal)
	t.signal = make(chan struct{})
}

type closeTarget struct {
	relay string
	subID string
}

// retireLocked ends an old tracker and lists the (relay, sub) pairs the new
// dispatch no longer covers. Called with mu held.
func (c *Coordinator) retireLocked(old *tracker, next []Part) []closeTarget {
	kept := make(map[string]map[string]struct{}, len(next))
	for _, p := range next {
		relays := make(map[string]struct{}, len(p.Relays))
		for _, r := range nostr.NormalizeRelayURLs(p.Relays) {
			relays[r] = struct{}{}
		}
		kept[p.ID] = relays
	}

	var stale []closeTarget
	for _, p := range old.parts {
		if c.parts[p.id] == p {
			delete(c.parts, p.id)
		}
		for relay := range p.relays {
			if _, ok := kept[p.id][relay]; ok {
				continue
			}
			stale = append(stale, closeTarget{relay: relay, subID: p.id})
		}
	}
	close(old.ended)
	return stale
}

func (c *Coordinator) sendCloses(ctx context.Context, targets []closeTarget) {
	for _, ct := range targets {
		if err := c.sender.SendTo(ctx, ct.relay, nostr.CloseMessage(ct.subID), pool.SendOptions{}); err != nil {
			c.log.Debug("CLOSE not sent", "relay", ct.relay, "sub_id", ct.subID, "error", err)
		}
	}
}

// MarkEOSE records that relay has no more stored events for the wire subscription subID
func (c *Coordinator) MarkEOSE(relayURL, subID string) {
	c.finish(relayURL, subID)
}

// MarkClosed records a relay-side CLOSED. The relay will never send EOSE, so it counts as done.
func (c *Coordinator) MarkClosed(relayURL, subID string) {
	c.finish(relayURL, subID)
}

func (c *Coordinator) finish(relayURL, subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.parts[subID]
	if !ok {
		return
	}
	finished, tracked := p.relays[relayURL]
	if !tracked || finished {
		return
	}
	p.relays[relayURL] = true

	t := p.owner
	t.pending[relayURL]--
	if t.pending[relayURL] > 0 {
		return
	}
	delete(t.pending, relayURL)
	c.markDoneLocked(t, relayURL)
}

// AwaitQuorum blocks until target distinct relays have finished id, the timeout
// elapses, or the subscription is superseded. A timeout is not an error; the
// returned error is only set when ctx is cancelled. A target of zero or less
// resolves immediately. A timeout of zero or less resolves with the current
// count. Calling it again later resumes the wait against the same bookkeeping
// without re-dispatching.
func (c *Coordinator) AwaitQuorum(ctx context.Context, id string, target int, timeout time.Duration) (Result, error) {
	start := time.Now()
	res := Result{Target: target}

	if target <= 0 {
		res.Count = c.EOSECount(id)
		res.Reached = true
		return res, nil
	}

	if timeout < 0 {
		timeout = 0
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		t, ok := c.trackers[id]
		if !ok {
			c.mu.Unlock()
			res.Superseded = true
			res.Waited = time.Since(start)
			return res, nil
		}
		res.Count = len(t.done)
		signal, ended := t.signal, t.ended
		c.mu.Unlock()

		if res.Count >= target {
			res.Reached = true
			res.Waited = time.Since(start)
			metrics.QuorumWait.Observe(res.Waited.Seconds())
			return res, nil
		}

		select {
		case <-signal:
		case <-ended:
			res.Superseded = true
			res.Waited = time.Since(start)
			return res, nil
		case <-timer.C:
			res.Count = c.EOSECount(id)
			res.Reached = res.Count >= target
			res.TimedOut = !res.Reached
			res.Waited = time.Since(start)
			metrics.QuorumWait.Observe(res.Waited.Seconds())
			if res.TimedOut {
				metrics.QuorumTimeouts.Inc()
				c.log.Debug("quorum timeout, proceeding with partial answers",
					"sub_id", id, "count", res.Count, "target", target)
			}
			return res, nil
		case <-ctx.Done():
			res.Waited = time.Since(start)
			return res, ctx.Err()
		}
	}
}

// Close sends CLOSE for every part of id and discards its bookkeeping
func (c *Coordinator) Close(ctx context.Context, id string) {
	c.mu.Lock()
	t, ok := c.trackers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.trackers, id)
	stale := c.retireLocked(t, nil)
	c.mu.Unlock()

	c.sendCloses(ctx, stale)
}

// CloseAll closes every tracked subscription
func (c *Coordinator) CloseAll(ctx context.Context) {
	for _, id := range c.Active() {
		c.Close(ctx, id)
	}
}

// CloseMatching closes every tracked subscription whose id starts with prefix
func (c *Coordinator) CloseMatching(ctx context.Context, prefix string) {
	for _, id := range c.Active() {
		if strings.HasPrefix(id, prefix) {
			c.Close(ctx, id)
		}
	}
}

// Owner maps a wire subscription id back to its logical id
func (c *Coordinator) Owner(subID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parts[subID]
	if !ok {
		return "", false
	}
	return p.owner.id, true
}

// Active returns the tracked logical ids, sorted
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.trackers))
	for id := range c.trackers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Relays returns the relays id was dispatched to, sorted
func (c *Coordinator) Relays(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trackers[id]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	for _, p := range t.parts {
		for relay := range p.relays {
			seen[relay] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for relay := range seen {
		out = append(out, relay)
	}
	sort.Strings(out)
	return out
}

// EOSECount returns how many distinct relays have finished id
func (c *Coordinator) EOSECount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.trackers[id]; ok {
		return len(t.done)
	}
	return 0
}
