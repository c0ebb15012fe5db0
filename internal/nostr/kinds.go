package nostr

// Event kinds the core cares about
const (
	KindProfile       = 0
	KindTextNote      = 1
	KindContacts      = 3
	KindDeletion      = 5
	KindRepost        = 6
	KindReaction      = 7
	KindGenericRepost = 16
	KindZapRequest    = 9734
	KindZapReceipt    = 9735
	KindMuteList      = 10000
	KindRelayList     = 10002
)
