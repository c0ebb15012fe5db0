package pool

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-relaycore/internal/health"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/types"
)

// fakeRelay answers every REQ with its stored events followed by EOSE,
// and every EVENT with OK true.
type fakeRelay struct {
	server   *httptest.Server
	url      string
	events   []types.Event
	greeting []string // raw frames sent right after the handshake
	received chan []interface{}

	mu    sync.Mutex
	conns []*relayClient
}

type relayClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (rc *relayClient) writeRaw(data []byte) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

func (rc *relayClient) writeJSON(v interface{}) error {
	data, _ := json.Marshal(v)
	return rc.writeRaw(data)
}

func newFakeRelay(t *testing.T, events []types.Event, greeting ...string) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{
		events:   events,
		greeting: greeting,
		received: make(chan []interface{}, 100),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		rc := &relayClient{conn: conn}
		fr.mu.Lock()
		fr.conns = append(fr.conns, rc)
		fr.mu.Unlock()

		for _, g := range fr.greeting {
			rc.writeRaw([]byte(g))
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg []interface{}
			if json.Unmarshal(data, &msg) != nil || len(msg) < 2 {
				continue
			}
			select {
			case fr.received <- msg:
			default:
			}
			switch msg[0] {
			case "REQ":
				subID, _ := msg[1].(string)
				for _, evt := range fr.events {
					rc.writeJSON([]interface{}{"EVENT", subID, evt})
				}
				rc.writeJSON([]interface{}{"EOSE", subID})
			case "EVENT":
				body, _ := msg[1].(map[string]interface{})
				id, _ := body["id"].(string)
				rc.writeJSON([]interface{}{"OK", id, true, ""})
			}
		}
	}))
	fr.url = "ws" + strings.TrimPrefix(fr.server.URL, "http")
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRelay) broadcast(v interface{}) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, rc := range fr.conns {
		rc.writeJSON(v)
	}
}

func (fr *fakeRelay) waitFor(t *testing.T, label string) []interface{} {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg := <-fr.received:
			if msg[0] == label {
				return msg
			}
		case <-timeout:
			t.Fatalf("relay never received %s", label)
			return nil
		}
	}
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	if opts.Health == nil {
		opts.Health = health.NewMemoryStore(health.Policy{
			BackoffSteps: []time.Duration{50 * time.Millisecond},
			Cooldown:     time.Minute,
		})
	}
	p := New(opts)
	t.Cleanup(p.Close)
	return p
}

func nextMessage(t *testing.T, p *Pool, label string) Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m := <-p.Messages():
			if m.Type == label {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", label)
			return Message{}
		}
	}
}

func waitConnected(t *testing.T, p *Pool, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForConnected(ctx, n))
}

func TestPoolDeliversEventsTaggedWithRelay(t *testing.T) {
	evt := types.Event{ID: "e1", PubKey: "alice", Kind: 1, CreatedAt: 10, Tags: [][]string{}}
	relay := newFakeRelay(t, []types.Event{evt})
	p := newTestPool(t, Options{})

	p.SetPinned([]RelayDescriptor{{URL: relay.url, Read: true, Write: true}})
	waitConnected(t, p, 1)
	assert.Equal(t, []string{nostr.NormalizeRelayURL(relay.url)}, p.ConnectedRelays())

	err := p.SendTo(context.Background(), relay.url, nostr.ReqMessage("sub1", []types.Filter{{Kinds: []int{1}}}), SendOptions{})
	require.NoError(t, err)

	got := nextMessage(t, p, nostr.LabelEvent)
	assert.Equal(t, "e1", got.Event.ID)
	assert.Equal(t, "sub1", got.SubID)
	assert.Equal(t, nostr.NormalizeRelayURL(relay.url), got.Relay)
	assert.False(t, got.ReceivedAt.IsZero())

	eose := nextMessage(t, p, nostr.LabelEOSE)
	assert.Equal(t, "sub1", eose.SubID)
}

func TestSkipIfNotReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadURL := "ws://" + ln.Addr().String()
	ln.Close()

	p := newTestPool(t, Options{})
	p.SetPinned([]RelayDescriptor{{URL: deadURL, Read: true}})

	err = p.SendTo(context.Background(), deadURL, nostr.ReqMessage("s", nil), SendOptions{SkipIfNotReady: true})
	assert.ErrorIs(t, err, ErrNotReady)

	// Without the flag the REQ is kept for replay instead of failing
	err = p.SendTo(context.Background(), deadURL, nostr.ReqMessage("s", nil), SendOptions{})
	assert.NoError(t, err)
	assert.Equal(t, 0, p.ConnectedCount())
}

func TestQueuedFramesFlushOnConnect(t *testing.T) {
	relay := newFakeRelay(t, nil)
	p := newTestPool(t, Options{})
	p.SetPinned([]RelayDescriptor{{URL: relay.url, Read: true, Write: true}})

	// Sent immediately, usually before the dial completes
	require.NoError(t, p.SendTo(context.Background(), relay.url, nostr.ReqMessage("early", nil), SendOptions{}))
	require.NoError(t, p.SendTo(context.Background(), relay.url, nostr.EventMessage(types.Event{ID: "pub1"}), SendOptions{}))

	req := relay.waitFor(t, "REQ")
	assert.Equal(t, "early", req[1])
	relay.waitFor(t, "EVENT")

	ok := nextMessage(t, p, nostr.LabelOK)
	assert.Equal(t, "pub1", ok.EventID)
	assert.True(t, ok.OK)
}

func TestMalformedFramesDoNotDropConnection(t *testing.T) {
	relay := newFakeRelay(t, nil, `garbage`, `["EVENT","x",{"content":"no id"}]`, `["NOTICE","still here"]`)
	p := newTestPool(t, Options{})
	p.SetPinned([]RelayDescriptor{{URL: relay.url, Read: true}})

	notice := nextMessage(t, p, nostr.LabelNotice)
	assert.Equal(t, "still here", notice.Text)
	assert.Equal(t, 1, p.ConnectedCount())
}

func TestInvalidSignaturesAreDropped(t *testing.T) {
	signer, err := nostr.NewKeySigner("edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85")
	require.NoError(t, err)
	good := types.Event{Kind: 1, CreatedAt: 5, Content: "signed"}
	require.NoError(t, signer.Sign(&good))
	forged := good
	forged.Content = "tampered"

	relay := newFakeRelay(t, []types.Event{forged, good})
	p := newTestPool(t, Options{Verify: nostr.VerifyEvent})
	p.SetPinned([]RelayDescriptor{{URL: relay.url, Read: true}})
	waitConnected(t, p, 1)

	require.NoError(t, p.SendTo(context.Background(), relay.url, nostr.ReqMessage("v", nil), SendOptions{}))
	got := nextMessage(t, p, nostr.LabelEvent)
	assert.Equal(t, "signed", got.Event.Content)
	nextMessage(t, p, nostr.LabelEOSE)
}

func TestRateLimitNoticeCoolsDownWithoutDisconnect(t *testing.T) {
	relay := newFakeRelay(t, nil)
	p := newTestPool(t, Options{})
	p.SetPinned([]RelayDescriptor{{URL: relay.url, Read: true}})
	waitConnected(t, p, 1)

	relay.broadcast([]interface{}{"NOTICE", "rate-limited: slow down there chief"})
	nextMessage(t, p, nostr.LabelNotice)

	url := nostr.NormalizeRelayURL(relay.url)
	assert.True(t, p.Health().IsBad(url))
	assert.Equal(t, "rate limited", p.Health().Stats(url).CooldownReason)
	assert.True(t, p.IsConnected(url), "cooldown is not a disconnect")
}

func TestBlockDisconnectsAndRefuses(t *testing.T) {
	relay := newFakeRelay(t, nil)
	p := newTestPool(t, Options{})
	p.SetPinned([]RelayDescriptor{{URL: relay.url, Read: true}})
	waitConnected(t, p, 1)

	p.Block(relay.url)
	assert.Eventually(t, func() bool { return p.ConnectedCount() == 0 }, 3*time.Second, 10*time.Millisecond)

	err := p.SendTo(context.Background(), relay.url, nostr.ReqMessage("s", nil), SendOptions{ConnectOnDemand: true})
	assert.ErrorIs(t, err, ErrBlocked)
	assert.True(t, p.IsBlocked(relay.url))
	assert.Empty(t, p.Descriptors())

	// Re-pinning a blocked relay is ignored
	p.SetPinned([]RelayDescriptor{{URL: relay.url, Read: true}})
	assert.Empty(t, p.Descriptors())
}

func TestEphemeralConnectOnDemandAndIdleCleanup(t *testing.T) {
	relay := newFakeRelay(t, nil)
	p := newTestPool(t, Options{})

	err := p.SendTo(context.Background(), relay.url, nostr.ReqMessage("one-off", nil), SendOptions{})
	assert.ErrorIs(t, err, ErrUnknownRelay)

	require.NoError(t, p.SendTo(context.Background(), relay.url, nostr.ReqMessage("one-off", nil), SendOptions{ConnectOnDemand: true}))
	nextMessage(t, p, nostr.LabelEOSE)

	statuses := p.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, TierEphemeral, statuses[0].Tier)
	assert.Equal(t, 1, statuses[0].OpenSubs)

	// Open subscriptions keep it alive
	p.cleanupIdle(time.Now().Add(time.Hour))
	assert.Len(t, p.Statuses(), 1)

	require.NoError(t, p.SendTo(context.Background(), relay.url, nostr.CloseMessage("one-off"), SendOptions{}))
	p.cleanupIdle(time.Now().Add(time.Hour))
	assert.Empty(t, p.Statuses())
	assert.Eventually(t, func() bool { return p.ConnectedCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestTiersAreCopyOnWrite(t *testing.T) {
	p := newTestPool(t, Options{CheckURL: func(string) bool { return false }})

	p.SetPinned([]RelayDescriptor{{URL: "wss://pinned.example.com", Read: true, Write: true}})
	before := p.Descriptors()

	p.SetScored([]string{"wss://pinned.example.com", "wss://scored.example.com/"})
	after := p.Descriptors()

	require.Len(t, before, 1, "earlier snapshot is unaffected")
	require.Len(t, after, 2)
	assert.Equal(t, TierPinned, after[0].Tier, "scored never overrides pinned")
	assert.True(t, after[0].Write)
	assert.Equal(t, "wss://scored.example.com", after[1].URL)
	assert.Equal(t, TierScored, after[1].Tier)
	assert.False(t, after[1].Write)

	p.SetScored(nil)
	assert.Len(t, p.Descriptors(), 1)
}

func TestSendToWriteAndRead(t *testing.T) {
	writer := newFakeRelay(t, nil)
	reader := newFakeRelay(t, nil)
	p := newTestPool(t, Options{})
	p.SetPinned([]RelayDescriptor{
		{URL: writer.url, Write: true},
		{URL: reader.url, Read: true},
	})
	waitConnected(t, p, 2)

	sent := p.SendToWrite(context.Background(), nostr.EventMessage(types.Event{ID: "x"}), SendOptions{SkipIfNotReady: true})
	assert.Equal(t, []string{nostr.NormalizeRelayURL(writer.url)}, sent)

	sent = p.SendToRead(context.Background(), nostr.ReqMessage("r", nil), SendOptions{SkipIfNotReady: true})
	assert.Equal(t, []string{nostr.NormalizeRelayURL(reader.url)}, sent)

	assert.Len(t, p.Broadcast(context.Background(), nostr.CloseMessage("r")), 2)
}

func TestIsRateLimitNotice(t *testing.T) {
	for _, text := range []string{"rate-limited: you are noting too much", "Too many concurrent REQs", "slow down"} {
		assert.True(t, IsRateLimitNotice(text), text)
	}
	assert.False(t, IsRateLimitNotice("blocked: not on whitelist"))
}

func TestRelayIPSafety(t *testing.T) {
	assert.True(t, isRelayIPSafe(net.ParseIP("127.0.0.1")))
	assert.True(t, isRelayIPSafe(net.ParseIP("8.8.8.8")))
	assert.False(t, isRelayIPSafe(net.ParseIP("10.0.0.1")))
	assert.False(t, isRelayIPSafe(net.ParseIP("192.168.1.1")))
	assert.False(t, isRelayIPSafe(net.ParseIP("169.254.169.254")))
	assert.False(t, isRelayIPSafe(net.ParseIP("0.0.0.0")))
	assert.False(t, IsRelayURLSafe("http://relay.example.com"))
	assert.True(t, IsRelayURLSafe("ws://127.0.0.1:7777"))
}
