// Package pool owns one long-lived websocket per relay and merges their
// inbound frames into a single stream.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"nostr-relaycore/internal/config"
	"nostr-relaycore/internal/health"
	"nostr-relaycore/internal/metrics"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/types"
	"nostr-relaycore/internal/util"
)

var (
	ErrNotReady     = errors.New("relay not connected")
	ErrBlocked      = errors.New("relay is blocked")
	ErrQueueFull    = errors.New("relay send queue full")
	ErrUnsafeURL    = errors.New("relay URL blocked: unsafe destination")
	ErrUnknownRelay = errors.New("relay not in pool")
	ErrInvalidURL   = errors.New("invalid relay URL")
	ErrClosed       = errors.New("pool closed")
)

// Options configures a Pool
type Options struct {
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	EphemeralIdle     time.Duration
	CleanupInterval   time.Duration
	QueueSize         int
	SendRate          float64 // messages per second per relay; 0 disables limiting
	SendBurst         int
	InboundBuffer     int
	RateLimitCooldown time.Duration

	Health health.Store
	// Verify checks inbound events; events failing it are dropped. Nil accepts everything.
	Verify func(*types.Event) bool
	// CheckURL vets a relay before dialing. Defaults to IsRelayURLSafe.
	CheckURL func(string) bool
	Dialer   *websocket.Dialer
}

// OptionsFromConfig maps the pool config section to Options
func OptionsFromConfig(cfg config.PoolConfig, h health.Store) Options {
	opts := Options{
		DialTimeout:       cfg.DialTimeout.Std(),
		WriteTimeout:      cfg.WriteTimeout.Std(),
		EphemeralIdle:     cfg.EphemeralIdle.Std(),
		QueueSize:         cfg.QueueSize,
		SendRate:          cfg.SendRate,
		SendBurst:         cfg.SendBurst,
		InboundBuffer:     cfg.InboundBuffer,
		RateLimitCooldown: cfg.RateLimitCooldown.Std(),
		Health:            h,
	}
	if cfg.VerifySignatures {
		opts.Verify = nostr.VerifyEvent
	}
	return opts
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.EphemeralIdle <= 0 {
		o.EphemeralIdle = 2 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 1024
	}
	if o.RateLimitCooldown <= 0 {
		o.RateLimitCooldown = 2 * time.Minute
	}
	if o.Health == nil {
		o.Health = health.NewMemoryStore(health.DefaultPolicy())
	}
	if o.CheckURL == nil {
		o.CheckURL = IsRelayURLSafe
	}
	if o.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = o.DialTimeout
		o.Dialer = &d
	}
}

// relaySet is an immutable snapshot of the configured relays.
// Writers clone, modify and swap; readers never lock.
type relaySet struct {
	relays  map[string]RelayDescriptor
	blocked map[string]struct{}
}

func (s *relaySet) clone() *relaySet {
	next := &relaySet{
		relays:  make(map[string]RelayDescriptor, len(s.relays)),
		blocked: make(map[string]struct{}, len(s.blocked)),
	}
	for k, v := range s.relays {
		next.relays[k] = v
	}
	for k := range s.blocked {
		next.blocked[k] = struct{}{}
	}
	return next
}

// Pool manages connections to multiple relays
type Pool struct {
	opts   Options
	health health.Store
	log    *slog.Logger

	set   atomic.Pointer[relaySet]
	setMu sync.Mutex // serializes rebuilds

	connsMu sync.RWMutex
	conns   map[string]*relayConn

	messages  chan Message
	connected atomic.Int64

	changedMu sync.Mutex
	changed   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a pool with no relays. Use SetPinned and SetScored to populate it.
func New(opts Options) *Pool {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:     opts,
		health:   opts.Health,
		log:      slog.Default().With("component", "pool"),
		conns:    make(map[string]*relayConn),
		messages: make(chan Message, opts.InboundBuffer),
		changed:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.set.Store(&relaySet{relays: map[string]RelayDescriptor{}, blocked: map[string]struct{}{}})

	p.wg.Add(1)
	go p.cleanupLoop()
	return p
}

// Messages is the merged inbound stream. It is closed by Close.
func (p *Pool) Messages() <-chan Message {
	return p.messages
}

// Health returns the health store the pool reports to
func (p *Pool) Health() health.Store {
	return p.health
}

// SetPinned replaces the pinned tier
func (p *Pool) SetPinned(relays []RelayDescriptor) {
	p.rebuild(func(next *relaySet) {
		for url, d := range next.relays {
			if d.Tier == TierPinned {
				delete(next.relays, url)
			}
		}
		for _, d := range relays {
			url := nostr.NormalizeRelayURL(d.URL)
			if url == "" {
				p.log.Warn("ignoring invalid pinned relay", "relay", d.URL)
				continue
			}
			if _, blocked := next.blocked[url]; blocked {
				continue
			}
			d.URL = url
			d.Tier = TierPinned
			next.relays[url] = d
		}
	})
}

// SetScored replaces the scored tier. Scored relays are read-only and never override a pinned entry.
func (p *Pool) SetScored(urls []string) {
	p.rebuild(func(next *relaySet) {
		for url, d := range next.relays {
			if d.Tier == TierScored {
				delete(next.relays, url)
			}
		}
		for _, url := range nostr.NormalizeRelayURLs(urls) {
			if _, blocked := next.blocked[url]; blocked {
				continue
			}
			if _, exists := next.relays[url]; exists {
				continue
			}
			next.relays[url] = RelayDescriptor{URL: url, Read: true, Tier: TierScored}
		}
	})
}

// Block removes a relay from every tier and refuses future connections to it
func (p *Pool) Block(relayURL string) {
	url := nostr.NormalizeRelayURL(relayURL)
	if url == "" {
		return
	}
	p.rebuild(func(next *relaySet) {
		next.blocked[url] = struct{}{}
		delete(next.relays, url)
	})
	p.log.Info("relay blocked", "relay", url)
}

// Unblock lifts a block. The relay is not re-added to any tier.
func (p *Pool) Unblock(relayURL string) {
	url := nostr.NormalizeRelayURL(relayURL)
	p.rebuild(func(next *relaySet) {
		delete(next.blocked, url)
	})
}

// Blocked returns the blocked relay URLs, sorted
func (p *Pool) Blocked() []string {
	return util.SortedKeys(p.set.Load().blocked)
}

// IsBlocked reports whether a relay is on the blocklist
func (p *Pool) IsBlocked(relayURL string) bool {
	_, ok := p.set.Load().blocked[nostr.NormalizeRelayURL(relayURL)]
	return ok
}

// Descriptors returns the configured relays (pinned and scored), sorted by URL
func (p *Pool) Descriptors() []RelayDescriptor {
	set := p.set.Load()
	out := make([]RelayDescriptor, 0, len(set.relays))
	for _, url := range util.SortedKeys(set.relays) {
		out = append(out, set.relays[url])
	}
	return out
}

func (p *Pool) rebuild(fn func(next *relaySet)) {
	p.setMu.Lock()
	defer p.setMu.Unlock()

	next := p.set.Load().clone()
	fn(next)
	p.set.Store(next)
	p.reconcile(next)
}

// reconcile starts connections for configured relays and retires the rest.
// Called with setMu held.
func (p *Pool) reconcile(set *relaySet) {
	if p.ctx.Err() != nil {
		return
	}

	p.connsMu.Lock()
	var stopped []*relayConn
	for url, c := range p.conns {
		if _, blocked := set.blocked[url]; blocked {
			delete(p.conns, url)
			stopped = append(stopped, c)
			continue
		}
		if d, ok := set.relays[url]; ok {
			c.setTier(d.Tier)
		} else {
			// Dropped from config: idle cleanup closes it once its subscriptions end
			c.setTier(TierEphemeral)
		}
	}
	for url, d := range set.relays {
		if _, ok := p.conns[url]; !ok {
			p.conns[url] = p.startConn(url, d.Tier)
		}
	}
	p.connsMu.Unlock()

	for _, c := range stopped {
		c.stop()
	}
}

// startConn must be called with connsMu held
func (p *Pool) startConn(url string, tier Tier) *relayConn {
	c := newRelayConn(p, url, tier)
	p.wg.Add(1)
	go c.run()
	return c
}

// getOrCreateConn returns the connection for url, opening an ephemeral one when allowed
func (p *Pool) getOrCreateConn(url string, onDemand bool) (*relayConn, error) {
	if _, blocked := p.set.Load().blocked[url]; blocked {
		return nil, ErrBlocked
	}

	p.connsMu.RLock()
	c := p.conns[url]
	p.connsMu.RUnlock()
	if c != nil {
		return c, nil
	}
	if !onDemand {
		return nil, ErrUnknownRelay
	}

	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	if p.ctx.Err() != nil {
		return nil, ErrClosed
	}
	// Double-check after acquiring write lock
	if c = p.conns[url]; c != nil {
		return c, nil
	}
	p.log.Debug("opening ephemeral connection", "relay", url)
	c = p.startConn(url, TierEphemeral)
	p.conns[url] = c
	return c, nil
}

func (p *Pool) dropConn(c *relayConn) {
	p.connsMu.Lock()
	if p.conns[c.url] == c {
		delete(p.conns, c.url)
	}
	p.connsMu.Unlock()
}

// SendTo delivers msg to one relay
func (p *Pool) SendTo(ctx context.Context, relayURL string, msg types.NostrMessage, opts SendOptions) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	url := nostr.NormalizeRelayURL(relayURL)
	if url == "" {
		return ErrInvalidURL
	}
	c, err := p.getOrCreateConn(url, opts.ConnectOnDemand)
	if err != nil {
		return err
	}
	return c.send(ctx, msg, opts)
}

// Broadcast sends msg to every configured relay that is currently connected.
// Returns the relays it was written to.
func (p *Pool) Broadcast(ctx context.Context, msg types.NostrMessage) []string {
	return p.sendToSet(ctx, msg, SendOptions{SkipIfNotReady: true}, func(RelayDescriptor) bool { return true })
}

// SendToWrite sends msg to every write-capable configured relay
func (p *Pool) SendToWrite(ctx context.Context, msg types.NostrMessage, opts SendOptions) []string {
	return p.sendToSet(ctx, msg, opts, func(d RelayDescriptor) bool { return d.Write })
}

// SendToRead sends msg to every read-capable configured relay
func (p *Pool) SendToRead(ctx context.Context, msg types.NostrMessage, opts SendOptions) []string {
	return p.sendToSet(ctx, msg, opts, func(d RelayDescriptor) bool { return d.Read })
}

func (p *Pool) sendToSet(ctx context.Context, msg types.NostrMessage, opts SendOptions, match func(RelayDescriptor) bool) []string {
	set := p.set.Load()
	var sent []string
	for _, url := range util.SortedKeys(set.relays) {
		if !match(set.relays[url]) {
			continue
		}
		if err := p.SendTo(ctx, url, msg, opts); err != nil {
			p.log.Debug("send skipped", "relay", url, "error", err)
			continue
		}
		sent = append(sent, url)
	}
	return sent
}

// ConnectedCount is the number of relays with an open connection
func (p *Pool) ConnectedCount() int {
	return int(p.connected.Load())
}

// ConnectedRelays returns the URLs of open connections, sorted
func (p *Pool) ConnectedRelays() []string {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()
	var out []string
	for url, c := range p.conns {
		if c.currentState() == StateConnected {
			out = append(out, url)
		}
	}
	return util.SortedCopy(out)
}

// IsConnected reports whether relayURL currently has an open connection
func (p *Pool) IsConnected(relayURL string) bool {
	p.connsMu.RLock()
	c := p.conns[nostr.NormalizeRelayURL(relayURL)]
	p.connsMu.RUnlock()
	return c != nil && c.currentState() == StateConnected
}

// Statuses returns a status line per known connection, sorted by URL
func (p *Pool) Statuses() []RelayStatus {
	p.connsMu.RLock()
	conns := make([]*relayConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.connsMu.RUnlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].url < conns[j].url })

	set := p.set.Load()
	out := make([]RelayStatus, 0, len(conns))
	for _, c := range conns {
		st := c.status()
		if d, ok := set.relays[c.url]; ok {
			st.Read, st.Write = d.Read, d.Write
		}
		out = append(out, st)
	}
	return out
}

// WaitForConnected blocks until at least n relays are connected or ctx ends
func (p *Pool) WaitForConnected(ctx context.Context, n int) error {
	for {
		ch := p.changedChan()
		if p.ConnectedCount() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return ErrClosed
		case <-ch:
		}
	}
}

func (p *Pool) changedChan() <-chan struct{} {
	p.changedMu.Lock()
	defer p.changedMu.Unlock()
	return p.changed
}

func (p *Pool) notifyChanged() {
	p.changedMu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.changedMu.Unlock()
}

func (p *Pool) stateChanged(c *relayConn, from, to State) {
	if from == to {
		return
	}
	if to == StateConnected {
		p.connected.Add(1)
	} else if from == StateConnected {
		p.connected.Add(-1)
	}
	metrics.ConnectedRelays.Set(float64(p.connected.Load()))
	p.log.Debug("relay state changed", "relay", c.url, "from", from.String(), "to", to.String())
	p.notifyChanged()
}

// emit pushes an inbound message, blocking while the consumer catches up
func (p *Pool) emit(ctx context.Context, m Message) bool {
	select {
	case p.messages <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// cooldown demotes a relay after a throttling notice without disconnecting it
func (p *Pool) cooldown(relayURL, reason string) {
	p.health.Cooldown(relayURL, p.opts.RateLimitCooldown, reason)
	metrics.Cooldowns.WithLabelValues(reason).Inc()
}

// cleanupLoop closes idle ephemeral connections
func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.cleanupIdle(time.Now())
		}
	}
}

func (p *Pool) cleanupIdle(now time.Time) {
	p.connsMu.Lock()
	var idle []*relayConn
	for url, c := range p.conns {
		if c.idleEphemeral(now, p.opts.EphemeralIdle) {
			delete(p.conns, url)
			idle = append(idle, c)
		}
	}
	p.connsMu.Unlock()

	for _, c := range idle {
		p.log.Debug("closing idle ephemeral connection", "relay", c.url)
		c.stop()
	}
}

// Close disconnects every relay and closes the Messages channel
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.connsMu.Lock()
		for _, c := range p.conns {
			c.stop()
		}
		p.conns = make(map[string]*relayConn)
		p.connsMu.Unlock()

		p.wg.Wait()
		close(p.messages)
	})
}
