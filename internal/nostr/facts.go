package nostr

import (
	"encoding/json"
	"strconv"
	"strings"

	"nostr-relaycore/internal/types"
	"nostr-relaycore/internal/util"
)

// ParseRelayList decodes a NIP-65 relay list (kind 10002).
// An "r" tag without a marker means both read and write.
func ParseRelayList(evt *types.Event) (*types.RelayListFact, bool) {
	if evt == nil || evt.Kind != KindRelayList {
		return nil, false
	}
	var read, write []string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		relayURL := NormalizeRelayURL(tag[1])
		if relayURL == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			read = append(read, relayURL)
		case "write":
			write = append(write, relayURL)
		default:
			read = append(read, relayURL)
			write = append(write, relayURL)
		}
	}
	return &types.RelayListFact{
		Author:    evt.PubKey,
		EventID:   evt.ID,
		CreatedAt: evt.CreatedAt,
		List: types.RelayList{
			Read:  util.Dedupe(read),
			Write: util.Dedupe(write),
		},
	}, true
}

// ParseFollowList decodes a kind 3 contact list
func ParseFollowList(evt *types.Event) (*types.FollowList, bool) {
	if evt == nil || evt.Kind != KindContacts {
		return nil, false
	}
	follows := make([]string, 0, len(evt.Tags))
	for _, pk := range util.GetTagValues(evt.Tags, "p") {
		if isHex64(pk) {
			follows = append(follows, pk)
		}
	}
	return &types.FollowList{
		Author:    evt.PubKey,
		CreatedAt: evt.CreatedAt,
		Follows:   util.Dedupe(follows),
	}, true
}

// ParseMuteList decodes a kind 10000 mute list
func ParseMuteList(evt *types.Event) (*types.MuteList, bool) {
	if evt == nil || evt.Kind != KindMuteList {
		return nil, false
	}
	ml := &types.MuteList{Author: evt.PubKey, CreatedAt: evt.CreatedAt}
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "p":
			ml.Pubkeys = append(ml.Pubkeys, tag[1])
		case "e":
			ml.EventIDs = append(ml.EventIDs, tag[1])
		case "t":
			ml.Hashtags = append(ml.Hashtags, tag[1])
		case "word":
			ml.Words = append(ml.Words, tag[1])
		}
	}
	return ml, true
}

// ParseReaction decodes a kind 7 reaction. The last "e" tag is the target.
func ParseReaction(evt *types.Event) (*types.Reaction, bool) {
	if evt == nil || evt.Kind != KindReaction {
		return nil, false
	}
	target := util.GetLastTagValue(evt.Tags, "e")
	if target == "" {
		return nil, false
	}
	content := evt.Content
	if content == "" {
		content = "+"
	}
	return &types.Reaction{
		EventID:      evt.ID,
		Reactor:      evt.PubKey,
		TargetID:     target,
		TargetAuthor: util.GetLastTagValue(evt.Tags, "p"),
		Content:      content,
	}, true
}

// ParseRepost decodes a kind 6 or 16 repost
func ParseRepost(evt *types.Event) (*types.Repost, bool) {
	if evt == nil || (evt.Kind != KindRepost && evt.Kind != KindGenericRepost) {
		return nil, false
	}
	target := util.GetTagValue(evt.Tags, "e")
	if target == "" {
		return nil, false
	}
	return &types.Repost{EventID: evt.ID, Reposter: evt.PubKey, TargetID: target}, true
}

// ParseDeletion decodes a kind 5 deletion request
func ParseDeletion(evt *types.Event) (*types.Deletion, bool) {
	if evt == nil || evt.Kind != KindDeletion {
		return nil, false
	}
	ids := util.GetTagValues(evt.Tags, "e")
	if len(ids) == 0 {
		return nil, false
	}
	return &types.Deletion{EventID: evt.ID, Author: evt.PubKey, EventIDs: ids}, true
}

// ParseZapReceipt decodes a kind 9735 receipt. The sender and comment come from the
// embedded zap request; the amount comes from the bolt11 invoice, falling back to
// the request's amount tag.
func ParseZapReceipt(evt *types.Event) (*types.ZapReceipt, bool) {
	if evt == nil || evt.Kind != KindZapReceipt {
		return nil, false
	}
	zap := &types.ZapReceipt{
		EventID:         evt.ID,
		RecipientPubkey: util.GetTagValue(evt.Tags, "p"),
		TargetID:        util.GetTagValue(evt.Tags, "e"),
		SenderPubkey:    util.GetTagValue(evt.Tags, "P"),
	}

	if desc := util.GetTagValue(evt.Tags, "description"); desc != "" {
		var req types.Event
		if err := json.Unmarshal([]byte(desc), &req); err == nil && req.Kind == KindZapRequest {
			if req.PubKey != "" {
				zap.SenderPubkey = req.PubKey
			}
			zap.Comment = req.Content
			if amt, err := strconv.ParseInt(util.GetTagValue(req.Tags, "amount"), 10, 64); err == nil {
				zap.AmountMsats = amt
			}
		}
	}
	if msats, ok := Bolt11AmountMsats(util.GetTagValue(evt.Tags, "bolt11")); ok {
		zap.AmountMsats = msats
	}

	if zap.TargetID == "" || zap.AmountMsats <= 0 {
		return nil, false
	}
	return zap, true
}

// Bolt11AmountMsats extracts the amount encoded in a BOLT-11 invoice's human-readable part.
func Bolt11AmountMsats(invoice string) (int64, bool) {
	invoice = strings.ToLower(strings.TrimSpace(invoice))
	invoice = strings.TrimPrefix(invoice, "lightning:")
	sep := strings.LastIndex(invoice, "1")
	if sep < 4 || !strings.HasPrefix(invoice, "ln") {
		return 0, false
	}
	hrp := invoice[2:sep]
	for _, currency := range []string{"bcrt", "tbs", "bc", "tb", "sb"} {
		if strings.HasPrefix(hrp, currency) {
			hrp = hrp[len(currency):]
			break
		}
	}
	if hrp == "" {
		return 0, false
	}

	multiplier := hrp[len(hrp)-1]
	digits := hrp
	if multiplier < '0' || multiplier > '9' {
		digits = hrp[:len(hrp)-1]
	} else {
		multiplier = 0
	}
	amount, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || amount <= 0 {
		return 0, false
	}

	// 1 BTC = 1e11 msats
	switch multiplier {
	case 0:
		return amount * 100_000_000_000, true
	case 'm':
		return amount * 100_000_000, true
	case 'u':
		return amount * 100_000, true
	case 'n':
		return amount * 100, true
	case 'p':
		if amount%10 != 0 {
			return 0, false
		}
		return amount / 10, true
	}
	return 0, false
}

// ReplyTarget returns the event a kind 1 note replies to (NIP-10), or "" for root notes.
func ReplyTarget(evt *types.Event) string {
	if evt == nil || evt.Kind != KindTextNote {
		return ""
	}
	var root, reply, lastUnmarked string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "reply":
			reply = tag[1]
		case "root":
			root = tag[1]
		case "mention":
		default:
			lastUnmarked = tag[1]
		}
	}
	switch {
	case reply != "":
		return reply
	case root != "":
		return root
	}
	return lastUnmarked
}

// IsReply reports whether evt is a reply rather than a root-level note
func IsReply(evt *types.Event) bool {
	return ReplyTarget(evt) != ""
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
