package nostr

import (
	"encoding/json"
	"testing"

	"nostr-relaycore/internal/types"
)

func TestParseRelayList(t *testing.T) {
	evt := &types.Event{
		ID:        "rl1",
		PubKey:    "alice",
		Kind:      KindRelayList,
		CreatedAt: 100,
		Tags: [][]string{
			{"r", "wss://both.example.com"},
			{"r", "wss://read.example.com", "read"},
			{"r", "wss://write.example.com/", "write"},
			{"r", "https://not-a-relay.example.com"},
			{"p", "ignored"},
		},
	}
	fact, ok := ParseRelayList(evt)
	if !ok {
		t.Fatal("Expected relay list to parse")
	}
	if len(fact.List.Read) != 2 || fact.List.Read[0] != "wss://both.example.com" || fact.List.Read[1] != "wss://read.example.com" {
		t.Errorf("Unexpected read relays: %v", fact.List.Read)
	}
	if len(fact.List.Write) != 2 || fact.List.Write[1] != "wss://write.example.com" {
		t.Errorf("Unexpected write relays: %v", fact.List.Write)
	}

	if _, ok := ParseRelayList(&types.Event{Kind: KindTextNote}); ok {
		t.Error("Expected wrong kind to be rejected")
	}
}

func TestRelayListFactNewer(t *testing.T) {
	older := types.RelayListFact{EventID: "b", CreatedAt: 10}
	newer := types.RelayListFact{EventID: "c", CreatedAt: 11}
	if !newer.Newer(older) || older.Newer(newer) {
		t.Error("Expected later created_at to win")
	}
	tieLow := types.RelayListFact{EventID: "a", CreatedAt: 10}
	if !tieLow.Newer(older) {
		t.Error("Expected lower id to win a timestamp tie")
	}
}

func TestParseFollowListFiltersInvalidPubkeys(t *testing.T) {
	valid := "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
	evt := &types.Event{Kind: KindContacts, PubKey: "me", Tags: [][]string{{"p", valid}, {"p", "short"}, {"p", valid}}}
	fl, ok := ParseFollowList(evt)
	if !ok {
		t.Fatal("Expected follow list to parse")
	}
	if len(fl.Follows) != 1 || fl.Follows[0] != valid {
		t.Errorf("Expected one valid follow, got %v", fl.Follows)
	}
}

func TestParseReactionAndRepost(t *testing.T) {
	r, ok := ParseReaction(&types.Event{ID: "r1", PubKey: "bob", Kind: KindReaction, Tags: [][]string{{"e", "root"}, {"e", "target"}, {"p", "alice"}}})
	if !ok {
		t.Fatal("Expected reaction to parse")
	}
	if r.TargetID != "target" || r.TargetAuthor != "alice" || r.Content != "+" {
		t.Errorf("Unexpected reaction: %+v", r)
	}
	if _, ok := ParseReaction(&types.Event{Kind: KindReaction}); ok {
		t.Error("Expected reaction without e tag to be rejected")
	}

	rp, ok := ParseRepost(&types.Event{ID: "rp1", PubKey: "carol", Kind: KindGenericRepost, Tags: [][]string{{"e", "note"}}})
	if !ok || rp.TargetID != "note" {
		t.Errorf("Unexpected repost: %+v %v", rp, ok)
	}
}

func TestParseZapReceipt(t *testing.T) {
	req := types.Event{PubKey: "sender", Kind: KindZapRequest, Content: "great post", Tags: [][]string{{"amount", "21000"}}}
	reqJSON, _ := json.Marshal(req)

	receipt := &types.Event{
		ID:   "z1",
		Kind: KindZapReceipt,
		Tags: [][]string{
			{"p", "recipient"},
			{"e", "note"},
			{"description", string(reqJSON)},
		},
	}
	zap, ok := ParseZapReceipt(receipt)
	if !ok {
		t.Fatal("Expected zap receipt to parse")
	}
	if zap.SenderPubkey != "sender" || zap.AmountMsats != 21000 || zap.Comment != "great post" {
		t.Errorf("Unexpected zap: %+v", zap)
	}

	receipt.Tags = append(receipt.Tags, []string{"bolt11", "lnbc2500u1pvjluezpp5qqqsyqcyq5rqwzqf"})
	zap, ok = ParseZapReceipt(receipt)
	if !ok || zap.AmountMsats != 250_000_000 {
		t.Errorf("Expected bolt11 amount to win, got %+v", zap)
	}
}

func TestBolt11AmountMsats(t *testing.T) {
	tests := []struct {
		invoice string
		want    int64
		ok      bool
	}{
		{"lnbc1m1pxyz", 100_000_000, true},
		{"lnbc10n1pxyz", 1_000, true},
		{"lnbc2500u1pxyz", 250_000_000, true},
		{"lnbc20p1pxyz", 2, true},
		{"lnbc15p1pxyz", 0, false},
		{"lntb1u1pxyz", 100_000, true},
		{"lnbc1pxyz", 0, false},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		got, ok := Bolt11AmountMsats(tt.invoice)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Bolt11AmountMsats(%s) = %d,%v want %d,%v", tt.invoice, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReplyTarget(t *testing.T) {
	root := &types.Event{Kind: KindTextNote}
	if IsReply(root) {
		t.Error("Expected note without e tags to be root")
	}

	marked := &types.Event{Kind: KindTextNote, Tags: [][]string{{"e", "r", "", "root"}, {"e", "p", "", "reply"}}}
	if got := ReplyTarget(marked); got != "p" {
		t.Errorf("Expected reply marker to win, got %s", got)
	}

	mention := &types.Event{Kind: KindTextNote, Tags: [][]string{{"e", "m", "", "mention"}}}
	if IsReply(mention) {
		t.Error("Expected mention-only note to be root")
	}

	positional := &types.Event{Kind: KindTextNote, Tags: [][]string{{"e", "a"}, {"e", "b"}}}
	if got := ReplyTarget(positional); got != "b" {
		t.Errorf("Expected last unmarked e tag, got %s", got)
	}
}
