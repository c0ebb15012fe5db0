package ingest

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Contribution is one source event folded into an aggregate
type Contribution struct {
	Source  string // event id, or a local placeholder while optimistic
	Author  string
	Amount  int64  // msats, zaps only
	Content string // reaction content
}

// Summary is a point-in-time copy of an aggregate
type Summary struct {
	Count         int
	TotalMsats    int64
	Contributions []Contribution
	Optimistic    bool
}

// aggregate holds the running totals for one target together with the set of
// source ids already counted. Both live in one LRU value so they are evicted
// together.
type aggregate struct {
	mu         sync.Mutex
	count      int
	sum        int64
	details    []Contribution
	sources    map[string]struct{}
	optimistic map[string]string // author -> placeholder source
}

func newAggregate() *aggregate {
	return &aggregate{
		sources:    make(map[string]struct{}),
		optimistic: make(map[string]string),
	}
}

func optimisticSource(author string) string {
	return "optimistic:" + author
}

// add folds c in. A contribution matching a pending optimistic entry by the
// same author replaces the placeholder instead of counting twice.
func (a *aggregate) add(c Contribution) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.sources[c.Source]; dup {
		return false
	}
	if placeholder, ok := a.optimistic[c.Author]; ok {
		delete(a.optimistic, c.Author)
		delete(a.sources, placeholder)
		a.sources[c.Source] = struct{}{}
		for i := range a.details {
			if a.details[i].Source == placeholder {
				a.sum += c.Amount - a.details[i].Amount
				a.details[i] = c
				break
			}
		}
		return false
	}

	a.sources[c.Source] = struct{}{}
	a.details = append(a.details, c)
	a.count++
	a.sum += c.Amount
	return true
}

func (a *aggregate) addOptimistic(c Contribution) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, pending := a.optimistic[c.Author]; pending {
		return false
	}
	c.Source = optimisticSource(c.Author)
	a.optimistic[c.Author] = c.Source
	a.sources[c.Source] = struct{}{}
	a.details = append(a.details, c)
	a.count++
	a.sum += c.Amount
	return true
}

// removeWhere drops the most recent contribution matching match
func (a *aggregate) removeWhere(match func(Contribution) bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.details) - 1; i >= 0; i-- {
		c := a.details[i]
		if !match(c) {
			continue
		}
		a.details = append(a.details[:i], a.details[i+1:]...)
		delete(a.sources, c.Source)
		if a.optimistic[c.Author] == c.Source {
			delete(a.optimistic, c.Author)
		}
		a.count--
		a.sum -= c.Amount
		return true
	}
	return false
}

func (a *aggregate) summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Summary{
		Count:         a.count,
		TotalMsats:    a.sum,
		Contributions: append([]Contribution(nil), a.details...),
		Optimistic:    len(a.optimistic) > 0,
	}
}

// family is one aggregate type (reactions, zaps, ...) keyed by target event id
type family struct {
	cache *lru.Cache[string, *aggregate]
}

func newFamily(size int) *family {
	cache, err := lru.New[string, *aggregate](size)
	if err != nil {
		panic(err)
	}
	return &family{cache: cache}
}

func (f *family) entry(target string, create bool) *aggregate {
	if agg, ok := f.cache.Get(target); ok {
		return agg
	}
	if !create {
		return nil
	}
	fresh := newAggregate()
	if prev, ok, _ := f.cache.PeekOrAdd(target, fresh); ok {
		return prev
	}
	return fresh
}

func (f *family) add(target string, c Contribution) bool {
	return f.entry(target, true).add(c)
}

func (f *family) addOptimistic(target string, c Contribution) bool {
	return f.entry(target, true).addOptimistic(c)
}

func (f *family) removeSource(target, source string) bool {
	agg := f.entry(target, false)
	if agg == nil {
		return false
	}
	return agg.removeWhere(func(c Contribution) bool { return c.Source == source })
}

func (f *family) removeAuthor(target, author string) bool {
	agg := f.entry(target, false)
	if agg == nil {
		return false
	}
	return agg.removeWhere(func(c Contribution) bool { return c.Author == author })
}

func (f *family) summary(target string) Summary {
	agg, ok := f.cache.Peek(target)
	if !ok {
		return Summary{}
	}
	return agg.summary()
}
