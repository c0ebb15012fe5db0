// Package types provides shared type definitions used across internal packages.
package types

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	ETags   []string // #e tag filter (referenced events)
	PTags   []string // #p tag filter (mentions)
	ATags   []string // #a tag filter (addressable events)
	DTags   []string // #d tag filter
	TTags   []string // #t tag filter (hashtags/topics)
	Search  string   // NIP-50 search query
}

// WithAuthors returns a copy of the filter restricted to the given authors.
// Slices other than Authors are shared with the receiver and must not be mutated.
func (f Filter) WithAuthors(authors []string) Filter {
	f.Authors = authors
	return f
}

// NostrMessage represents a raw Nostr protocol message
type NostrMessage []interface{}
