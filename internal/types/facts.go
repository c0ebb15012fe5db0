package types

// FollowList is a decoded kind 3 contact list
type FollowList struct {
	Author    string
	CreatedAt int64
	Follows   []string
}

// MuteList is a decoded kind 10000 mute list
type MuteList struct {
	Author    string
	CreatedAt int64
	Pubkeys   []string
	EventIDs  []string
	Hashtags  []string
	Words     []string
}

// Reaction is a decoded kind 7 event
type Reaction struct {
	EventID      string
	Reactor      string
	TargetID     string
	TargetAuthor string
	Content      string
}

// ZapReceipt is a decoded kind 9735 event
type ZapReceipt struct {
	EventID         string
	SenderPubkey    string
	RecipientPubkey string
	TargetID        string
	AmountMsats     int64
	Comment         string
}

// Repost is a decoded kind 6 or 16 event
type Repost struct {
	EventID  string
	Reposter string
	TargetID string
}

// Deletion is a decoded kind 5 event
type Deletion struct {
	EventID  string
	Author   string
	EventIDs []string
}
