package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"nostr-relaycore/internal/metrics"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/types"
)

const maxFrameSize = 4 << 20

// relayConn manages a single websocket connection and its reconnect loop
type relayConn struct {
	pool    *Pool
	url     string
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	mu           sync.Mutex
	tier         Tier
	state        State
	conn         *websocket.Conn
	queue        []types.NostrMessage          // EVENT frames waiting for a connection
	openSubs     map[string]types.NostrMessage // REQ frames replayed on every (re)connect
	reqSentAt    map[string]time.Time
	lastActivity time.Time
	retryAt      time.Time

	writeMu sync.Mutex
}

func newRelayConn(p *Pool, url string, tier Tier) *relayConn {
	ctx, cancel := context.WithCancel(p.ctx)
	c := &relayConn{
		pool:         p,
		url:          url,
		ctx:          ctx,
		cancel:       cancel,
		tier:         tier,
		openSubs:     make(map[string]types.NostrMessage),
		reqSentAt:    make(map[string]time.Time),
		lastActivity: time.Now(),
	}
	if p.opts.SendRate > 0 {
		burst := p.opts.SendBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(p.opts.SendRate), burst)
	}
	return c
}

func (c *relayConn) stop() {
	c.cancel()
}

func (c *relayConn) setTier(t Tier) {
	c.mu.Lock()
	c.tier = t
	c.mu.Unlock()
}

func (c *relayConn) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *relayConn) setState(s State, retryAt time.Time) {
	c.mu.Lock()
	from := c.state
	c.state = s
	c.retryAt = retryAt
	c.mu.Unlock()
	c.pool.stateChanged(c, from, s)
}

func (c *relayConn) status() RelayStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RelayStatus{
		RelayDescriptor: RelayDescriptor{URL: c.url, Tier: c.tier},
		State:           c.state,
		RetryAt:         c.retryAt,
		OpenSubs:        len(c.openSubs),
		LastActivity:    c.lastActivity,
	}
}

func (c *relayConn) idleEphemeral(now time.Time, idle time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier == TierEphemeral && len(c.openSubs) == 0 && now.Sub(c.lastActivity) > idle
}

// run dials, reads until the connection drops, and retries with backoff until stopped
func (c *relayConn) run() {
	defer c.pool.wg.Done()
	defer c.setState(StateDisconnected, time.Time{})

	log := c.pool.log.With("relay", c.url)
	for c.ctx.Err() == nil {
		if stats := c.pool.health.Stats(c.url); stats.InCooldown(time.Now()) {
			until := time.UnixMilli(stats.CooldownUntil)
			c.setState(StateCooldown, until)
			if !sleepCtx(c.ctx, time.Until(until)) {
				return
			}
			continue
		}

		if !c.pool.opts.CheckURL(c.url) {
			log.Warn("relay URL blocked: unsafe destination")
			c.setState(StateBlocked, time.Time{})
			c.pool.dropConn(c)
			return
		}

		c.setState(StateConnecting, time.Time{})
		conn, err := c.dial()
		if err == nil {
			c.pool.health.RecordSuccess(c.url)
			err = c.serve(conn)
			if c.ctx.Err() != nil {
				return
			}
			log.Debug("relay connection dropped", "error", err)
		} else {
			metrics.ConnectFailures.WithLabelValues(c.url).Inc()
			log.Debug("relay dial failed", "error", err)
		}

		backoff, _ := c.pool.health.RecordFailure(c.url)
		if c.isEphemeral() {
			c.pool.dropConn(c)
			return
		}
		c.setState(StateBackoff, time.Now().Add(backoff))
		if !sleepCtx(c.ctx, backoff) {
			return
		}
	}
}

func (c *relayConn) isEphemeral() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier == TierEphemeral
}

func (c *relayConn) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.pool.opts.DialTimeout)
	defer cancel()
	conn, _, err := c.pool.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// serve marks the connection live, replays subscriptions and queued events, then reads until failure
func (c *relayConn) serve(conn *websocket.Conn) error {
	c.mu.Lock()
	from := c.state
	c.conn = conn
	c.state = StateConnected
	c.retryAt = time.Time{}
	c.lastActivity = time.Now()
	replay := make([]types.NostrMessage, 0, len(c.openSubs)+len(c.queue))
	for id, req := range c.openSubs {
		replay = append(replay, req)
		c.reqSentAt[id] = time.Now()
	}
	replay = append(replay, c.queue...)
	c.queue = nil
	c.mu.Unlock()
	c.pool.stateChanged(c, from, StateConnected)

	done := make(chan struct{})
	go func() {
		select {
		case <-c.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for _, msg := range replay {
		if err := c.write(c.ctx, conn, msg); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}
	return c.readLoop(conn)
}

func (c *relayConn) readLoop(conn *websocket.Conn) error {
	log := c.pool.log.With("relay", c.url)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		now := time.Now()
		c.touch(now)

		in, err := nostr.ParseInbound(data)
		if err != nil {
			// Protocol violations drop the frame, never the connection
			metrics.ProtocolErrors.Inc()
			log.Debug("dropping malformed frame", "error", err)
			continue
		}
		metrics.MessagesReceived.WithLabelValues(in.Label).Inc()

		switch in.Label {
		case nostr.LabelEvent:
			if c.pool.opts.Verify != nil && !c.pool.opts.Verify(&in.Event) {
				metrics.ProtocolErrors.Inc()
				log.Debug("dropping event with invalid signature", "event_id", nostr.ShortID(in.Event.ID))
				continue
			}
		case nostr.LabelEOSE:
			c.recordEOSE(in.SubID, now)
		case nostr.LabelClosed:
			c.forgetSub(in.SubID)
			if IsRateLimitNotice(in.Message) {
				c.pool.cooldown(c.url, "rate limited")
			}
		case nostr.LabelNotice:
			log.Debug("relay notice", "message", in.Message)
			if IsRateLimitNotice(in.Message) {
				c.pool.cooldown(c.url, "rate limited")
			}
		case nostr.LabelAuth:
			continue
		}

		msg := Message{
			Type:       in.Label,
			Relay:      c.url,
			SubID:      in.SubID,
			Event:      in.Event,
			EventID:    in.EventID,
			OK:         in.OK,
			Text:       in.Message,
			ReceivedAt: now,
		}
		if !c.pool.emit(c.ctx, msg) {
			return c.ctx.Err()
		}
	}
}

func (c *relayConn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *relayConn) recordEOSE(subID string, now time.Time) {
	c.mu.Lock()
	sentAt, ok := c.reqSentAt[subID]
	delete(c.reqSentAt, subID)
	c.mu.Unlock()
	if ok {
		c.pool.health.RecordResponseTime(c.url, now.Sub(sentAt))
	}
}

func (c *relayConn) forgetSub(subID string) {
	c.mu.Lock()
	delete(c.openSubs, subID)
	delete(c.reqSentAt, subID)
	c.mu.Unlock()
}

// send writes msg now when connected. Otherwise REQ/CLOSE update the replay set
// and other frames queue, unless the caller asked to skip.
func (c *relayConn) send(ctx context.Context, msg types.NostrMessage, opts SendOptions) error {
	label, subID, isSub := nostr.MessageSubID(msg)

	c.mu.Lock()
	connected := c.state == StateConnected && c.conn != nil
	if !connected && opts.SkipIfNotReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.lastActivity = time.Now()
	if isSub {
		if label == nostr.LabelReq {
			c.openSubs[subID] = msg
			c.reqSentAt[subID] = time.Now()
		} else {
			delete(c.openSubs, subID)
			delete(c.reqSentAt, subID)
		}
	}
	if !connected {
		defer c.mu.Unlock()
		if isSub {
			return nil
		}
		if len(c.queue) >= c.pool.opts.QueueSize {
			return ErrQueueFull
		}
		c.queue = append(c.queue, msg)
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.write(ctx, conn, msg)
}

func (c *relayConn) write(ctx context.Context, conn *websocket.Conn, msg types.NostrMessage) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.pool.opts.WriteTimeout))
	return conn.WriteJSON(msg)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
