package pool

import (
	"time"

	"nostr-relaycore/internal/types"
)

// Tier partitions relays by how they entered the pool
type Tier int

const (
	TierPinned    Tier = iota // user-configured, always connected
	TierScored                // algorithmically selected
	TierEphemeral             // opened on demand, closed after idling
)

func (t Tier) String() string {
	switch t {
	case TierPinned:
		return "pinned"
	case TierScored:
		return "scored"
	case TierEphemeral:
		return "ephemeral"
	}
	return "unknown"
}

// State is the lifecycle state of a relay connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateCooldown
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateCooldown:
		return "cooldown"
	case StateBlocked:
		return "blocked"
	}
	return "unknown"
}

// RelayDescriptor is a configured relay with its capabilities
type RelayDescriptor struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
	Tier  Tier   `json:"tier"`
}

// RelayStatus is a point-in-time view of a relay connection
type RelayStatus struct {
	RelayDescriptor
	State        State
	RetryAt      time.Time
	OpenSubs     int
	LastActivity time.Time
}

// Message is one inbound frame tagged with its source relay.
// Type is one of the nostr.Label* constants.
type Message struct {
	Type       string
	Relay      string
	SubID      string
	Event      types.Event
	EventID    string // OK
	OK         bool   // OK
	Text       string // NOTICE, OK, CLOSED
	ReceivedAt time.Time
}

// SendOptions controls delivery to relays that are not connected yet
type SendOptions struct {
	// ConnectOnDemand opens an ephemeral connection to a relay that is not in the pool.
	ConnectOnDemand bool
	// SkipIfNotReady fails with ErrNotReady instead of queueing until connected.
	SkipIfNotReady bool
}
