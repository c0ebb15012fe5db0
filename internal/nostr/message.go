package nostr

import (
	"encoding/json"
	"errors"
	"fmt"

	"nostr-relaycore/internal/types"
)

// Inbound message labels (NIP-01)
const (
	LabelEvent  = "EVENT"
	LabelEOSE   = "EOSE"
	LabelNotice = "NOTICE"
	LabelOK     = "OK"
	LabelClosed = "CLOSED"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelAuth   = "AUTH"
)

// ErrMalformed is returned for frames that do not follow the wire format.
var ErrMalformed = errors.New("malformed relay message")

// Inbound is a decoded relay-to-client frame.
type Inbound struct {
	Label   string
	SubID   string
	Event   types.Event
	EventID string // OK only
	OK      bool   // OK only
	Message string // NOTICE, OK, CLOSED
}

// ParseInbound decodes a text frame received from a relay.
func ParseInbound(data []byte) (Inbound, error) {
	var msg []interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ParseInboundArray(msg)
}

// ParseInboundArray decodes an already-unmarshalled frame.
func ParseInboundArray(msg []interface{}) (Inbound, error) {
	if len(msg) < 2 {
		return Inbound{}, fmt.Errorf("%w: too short", ErrMalformed)
	}
	label, ok := msg[0].(string)
	if !ok {
		return Inbound{}, fmt.Errorf("%w: label is not a string", ErrMalformed)
	}

	in := Inbound{Label: label}
	switch label {
	case LabelEvent:
		if len(msg) < 3 {
			return in, fmt.Errorf("%w: EVENT without body", ErrMalformed)
		}
		in.SubID, _ = msg[1].(string)
		evt, ok := ParseEventFromInterface(msg[2])
		if !ok {
			return in, fmt.Errorf("%w: unparseable event", ErrMalformed)
		}
		in.Event = evt

	case LabelEOSE:
		in.SubID, ok = msg[1].(string)
		if !ok {
			return in, fmt.Errorf("%w: EOSE without id", ErrMalformed)
		}

	case LabelClosed:
		in.SubID, ok = msg[1].(string)
		if !ok {
			return in, fmt.Errorf("%w: CLOSED without id", ErrMalformed)
		}
		if len(msg) >= 3 {
			in.Message, _ = msg[2].(string)
		}

	case LabelNotice:
		in.Message, _ = msg[1].(string)

	case LabelOK:
		if len(msg) < 3 {
			return in, fmt.Errorf("%w: OK too short", ErrMalformed)
		}
		in.EventID, _ = msg[1].(string)
		in.OK, _ = msg[2].(bool)
		if len(msg) >= 4 {
			in.Message, _ = msg[3].(string)
		}

	case LabelAuth:
		in.Message, _ = msg[1].(string)

	default:
		return in, fmt.Errorf("%w: unknown label %q", ErrMalformed, label)
	}
	return in, nil
}

// ReqMessage builds ["REQ", subID, filter...]
func ReqMessage(subID string, filters []types.Filter) types.NostrMessage {
	msg := make(types.NostrMessage, 0, 2+len(filters))
	msg = append(msg, LabelReq, subID)
	for _, f := range filters {
		msg = append(msg, FilterToMap(f))
	}
	return msg
}

// EventMessage builds ["EVENT", event]
func EventMessage(evt types.Event) types.NostrMessage {
	return types.NostrMessage{LabelEvent, evt}
}

// CloseMessage builds ["CLOSE", subID]
func CloseMessage(subID string) types.NostrMessage {
	return types.NostrMessage{LabelClose, subID}
}

// MessageSubID returns the subscription id of a REQ or CLOSE message.
func MessageSubID(msg types.NostrMessage) (string, string, bool) {
	if len(msg) < 2 {
		return "", "", false
	}
	label, _ := msg[0].(string)
	if label != LabelReq && label != LabelClose {
		return label, "", false
	}
	id, ok := msg[1].(string)
	return label, id, ok
}

// FilterToMap converts a Filter to its wire representation, omitting empty fields.
func FilterToMap(f types.Filter) map[string]interface{} {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if len(f.ETags) > 0 {
		m["#e"] = f.ETags
	}
	if len(f.PTags) > 0 {
		m["#p"] = f.PTags
	}
	if len(f.ATags) > 0 {
		m["#a"] = f.ATags
	}
	if len(f.DTags) > 0 {
		m["#d"] = f.DTags
	}
	if len(f.TTags) > 0 {
		m["#t"] = f.TTags
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	return m
}
