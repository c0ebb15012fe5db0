// Package discovery expands the feed to a bounded second-degree network and
// picks a small, load-balanced set of relays to watch for it.
package discovery

import (
	"sort"
)

// RankedRelay is a selected relay and how many newly covered authors it contributed
type RankedRelay struct {
	URL     string `json:"url"`
	Covered int    `json:"covered"`
}

// Qualify counts, for every author followed by a first-degree follow, how many
// distinct first-degree follows follow them. Authors already in the first
// degree, self and excluded authors are skipped, and only counts at or above
// threshold are kept.
func Qualify(self string, firstDegree []string, follows map[string][]string, threshold int, exclude map[string]struct{}) map[string]int {
	first := make(map[string]struct{}, len(firstDegree))
	for _, pk := range firstDegree {
		first[pk] = struct{}{}
	}

	counts := make(map[string]int)
	for follower := range first {
		seen := make(map[string]struct{})
		for _, pk := range follows[follower] {
			if _, dup := seen[pk]; dup {
				continue
			}
			seen[pk] = struct{}{}
			if pk == self {
				continue
			}
			if _, ok := first[pk]; ok {
				continue
			}
			if _, ok := exclude[pk]; ok {
				continue
			}
			counts[pk]++
		}
	}

	if threshold < 1 {
		threshold = 1
	}
	for pk, n := range counts {
		if n < threshold {
			delete(counts, pk)
		}
	}
	return counts
}

// SelectRelays runs greedy set cover: repeatedly take the relay covering the
// most still-uncovered qualified authors until everyone is covered, maxRelays
// is reached, or no relay adds coverage. Ties go to the lexically smaller URL.
// Returns the ranked selection and the authors left uncovered, sorted.
func SelectRelays(qualified []string, relayAuthors map[string][]string, maxRelays int) ([]RankedRelay, []string) {
	uncovered := make(map[string]struct{}, len(qualified))
	for _, pk := range qualified {
		uncovered[pk] = struct{}{}
	}

	candidates := make([]string, 0, len(relayAuthors))
	for relay := range relayAuthors {
		candidates = append(candidates, relay)
	}
	sort.Strings(candidates)

	var selected []RankedRelay
	used := make(map[string]bool)
	for len(uncovered) > 0 && (maxRelays <= 0 || len(selected) < maxRelays) {
		best, bestGain := "", 0
		for _, relay := range candidates {
			if used[relay] {
				continue
			}
			gain := 0
			for _, pk := range relayAuthors[relay] {
				if _, ok := uncovered[pk]; ok {
					gain++
				}
			}
			if gain > bestGain {
				best, bestGain = relay, gain
			}
		}
		if bestGain == 0 {
			break
		}
		used[best] = true
		for _, pk := range relayAuthors[best] {
			delete(uncovered, pk)
		}
		selected = append(selected, RankedRelay{URL: best, Covered: bestGain})
	}

	left := make([]string, 0, len(uncovered))
	for pk := range uncovered {
		left = append(left, pk)
	}
	sort.Strings(left)
	return selected, left
}

// AssignAuthors gives every qualified author exactly one selected relay: the
// one among their available selected relays with the fewest assignments so far.
// Authors with fewer options go first so flexible authors fill the gaps, then
// authors are shifted between relays until no shift evens the load further.
// Authors with no selected relay are left out.
func AssignAuthors(selected []string, authorRelays map[string][]string, qualified []string) map[string]string {
	isSelected := make(map[string]bool, len(selected))
	for _, relay := range selected {
		isSelected[relay] = true
	}

	type candidate struct {
		author  string
		options []string
	}
	var order []candidate
	for _, pk := range qualified {
		var opts []string
		seen := make(map[string]bool)
		for _, relay := range authorRelays[pk] {
			if isSelected[relay] && !seen[relay] {
				seen[relay] = true
				opts = append(opts, relay)
			}
		}
		if len(opts) == 0 {
			continue
		}
		sort.Strings(opts)
		order = append(order, candidate{author: pk, options: opts})
	}
	sort.Slice(order, func(i, j int) bool {
		if len(order[i].options) != len(order[j].options) {
			return len(order[i].options) < len(order[j].options)
		}
		return order[i].author < order[j].author
	})

	load := make(map[string]int, len(selected))
	options := make(map[string][]string, len(order))
	assignment := make(map[string]string, len(order))
	for _, c := range order {
		best := c.options[0]
		for _, relay := range c.options[1:] {
			if load[relay] < load[best] {
				best = relay
			}
		}
		assignment[c.author] = best
		options[c.author] = c.options
		load[best]++
	}

	relays := make([]string, 0, len(isSelected))
	for relay := range isSelected {
		relays = append(relays, relay)
	}
	sort.Strings(relays)
	for shiftChain(relays, options, assignment) {
	}
	return assignment
}

// shiftChain finds a chain of authors leading from a relay to one carrying at
// least two fewer assignments, where each author can also use the next relay
// in the chain, and moves every author one step along it. Each shift lowers
// the sum of squared loads, so repeating until it returns false leaves the
// most even spread the options allow.
func shiftChain(relays []string, options map[string][]string, assignment map[string]string) bool {
	load := make(map[string]int, len(relays))
	members := make(map[string][]string, len(relays))
	for author, relay := range assignment {
		load[relay]++
		members[relay] = append(members[relay], author)
	}
	for _, list := range members {
		sort.Strings(list)
	}

	sources := append([]string(nil), relays...)
	sort.SliceStable(sources, func(i, j int) bool { return load[sources[i]] > load[sources[j]] })

	type hop struct {
		from   string
		author string
	}
	for _, src := range sources {
		via := map[string]hop{src: {}}
		queue := []string{src}
		for len(queue) > 0 {
			relay := queue[0]
			queue = queue[1:]
			if load[relay] <= load[src]-2 {
				for relay != src {
					h := via[relay]
					assignment[h.author] = relay
					relay = h.from
				}
				return true
			}
			for _, author := range members[relay] {
				for _, next := range options[author] {
					if _, ok := via[next]; ok {
						continue
					}
					via[next] = hop{from: relay, author: author}
					queue = append(queue, next)
				}
			}
		}
	}
	return false
}

// InvertRelayLists turns author -> write relays into relay -> authors,
// restricted to the given authors.
func InvertRelayLists(authorRelays map[string][]string, authors []string) map[string][]string {
	out := make(map[string][]string)
	for _, pk := range authors {
		seen := make(map[string]bool)
		for _, relay := range authorRelays[pk] {
			if seen[relay] {
				continue
			}
			seen[relay] = true
			out[relay] = append(out[relay], pk)
		}
	}
	return out
}
