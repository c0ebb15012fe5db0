package types

// RelayList represents a user's NIP-65 relay list
type RelayList struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}

// RelayListFact is a decoded kind 10002 event. Replacement is "latest created_at wins" per author.
type RelayListFact struct {
	Author    string    `json:"author"`
	EventID   string    `json:"event_id"`
	CreatedAt int64     `json:"created_at"`
	List      RelayList `json:"list"`
}

// Newer reports whether f should replace other for the same author.
// Equal timestamps are broken by the lexically lower event id.
func (f RelayListFact) Newer(other RelayListFact) bool {
	if f.CreatedAt != other.CreatedAt {
		return f.CreatedAt > other.CreatedAt
	}
	return f.EventID < other.EventID
}

// RelayGroup represents a relay and the pubkeys routed to it
type RelayGroup struct {
	RelayURL string
	Pubkeys  []string
}
