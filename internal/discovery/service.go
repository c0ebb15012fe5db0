package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"nostr-relaycore/internal/metrics"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/util"
)

// ErrNoFollows is returned when there is no first degree to expand from
var ErrNoFollows = errors.New("no first-degree follows")

// State is the lifecycle of the background expansion
type State int

const (
	StateIdle State = iota
	StateRunning
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Source supplies the graph and relay metadata an expansion needs. Implementations
// fetch what is not cached, chunk by chunk.
type Source interface {
	FollowLists(ctx context.Context, authors []string) (map[string][]string, error)
	WriteRelays(ctx context.Context, authors []string) (map[string][]string, error)
}

// Params are the tunable constants of an expansion
type Params struct {
	PopularityThreshold int
	MaxRelays           int
	TTL                 time.Duration
	DriftRatio          float64
}

// Service computes and caches the second-degree snapshot for one account
type Service struct {
	owner   string
	source  Source
	store   *SnapshotStore // optional
	params  Params
	exclude func() map[string]struct{}
	now     func() time.Time
	log     *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	current *Snapshot
	state   State
	lastErr error
}

// NewService creates a service. store and exclude may be nil.
func NewService(owner string, source Source, store *SnapshotStore, params Params, exclude func() map[string]struct{}) *Service {
	return &Service{
		owner:   owner,
		source:  source,
		store:   store,
		params:  params,
		exclude: exclude,
		now:     time.Now,
		log:     slog.Default().With("component", "discovery", "account", nostr.ShortID(owner)),
	}
}

// Restore loads the persisted snapshot, if any, as the last-known-good result
func (s *Service) Restore(ctx context.Context) bool {
	if s.store == nil {
		return false
	}
	snap, err := s.store.Load(ctx, s.owner)
	if err != nil || snap == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = snap
		s.state = StateReady
	}
	return true
}

// Current returns the last-known-good snapshot, nil before the first success
func (s *Service) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// State returns the lifecycle state and, when failed, the error of the last attempt
func (s *Service) State() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.lastErr
}

// IsStale reports whether the current snapshot needs recomputing for firstDegree
func (s *Service) IsStale(firstDegree []string) bool {
	return s.Current().IsStale(s.now(), firstDegree, s.params.TTL, s.params.DriftRatio)
}

// Ensure returns a fresh snapshot, recomputing when missing or stale.
// On failure the last-known-good snapshot is returned with the error.
func (s *Service) Ensure(ctx context.Context, firstDegree []string) (*Snapshot, error) {
	if !s.IsStale(firstDegree) {
		metrics.DiscoveryRuns.WithLabelValues("cached").Inc()
		return s.Current(), nil
	}
	return s.Recompute(ctx, firstDegree)
}

// Recompute runs a full expansion. Concurrent calls share one run. A failure
// leaves the previous snapshot in place and moves the service to StateFailed.
func (s *Service) Recompute(ctx context.Context, firstDegree []string) (*Snapshot, error) {
	v, err, _ := s.group.Do("recompute", func() (interface{}, error) {
		s.setState(StateRunning, nil)
		snap, err := s.compute(ctx, firstDegree)
		if err != nil {
			metrics.DiscoveryRuns.WithLabelValues("failure").Inc()
			s.setState(StateFailed, err)
			s.log.Warn("network expansion failed, keeping last snapshot", "error", err)
			return nil, err
		}

		s.mu.Lock()
		s.current = snap
		s.state = StateReady
		s.lastErr = nil
		s.mu.Unlock()
		metrics.DiscoveryRuns.WithLabelValues("success").Inc()

		if s.store != nil {
			if err := s.store.Save(ctx, snap); err != nil {
				s.log.Warn("failed to persist discovery snapshot", "error", err)
			}
		}
		s.log.Info("network expansion complete",
			"first_degree", snap.Stats.FirstDegree,
			"qualified", snap.Stats.Qualified,
			"assigned", snap.Stats.Assigned,
			"relays", snap.Stats.Relays)
		return snap, nil
	})
	if err != nil {
		return s.Current(), err
	}
	return v.(*Snapshot), nil
}

func (s *Service) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Service) compute(ctx context.Context, firstDegree []string) (*Snapshot, error) {
	firstDegree = util.Dedupe(firstDegree)
	if len(firstDegree) == 0 {
		return nil, ErrNoFollows
	}

	follows, err := s.source.FollowLists(ctx, firstDegree)
	if err != nil {
		return nil, fmt.Errorf("fetch follow lists: %w", err)
	}

	var exclude map[string]struct{}
	if s.exclude != nil {
		exclude = s.exclude()
	}

	candidates := make(map[string]struct{})
	for _, list := range follows {
		for _, pk := range list {
			candidates[pk] = struct{}{}
		}
	}

	counts := Qualify(s.owner, firstDegree, follows, s.params.PopularityThreshold, exclude)
	qualified := make([]string, 0, len(counts))
	for pk := range counts {
		qualified = append(qualified, pk)
	}
	// Most popular first so the snapshot lists the strongest signal at the top
	sort.Slice(qualified, func(i, j int) bool {
		if counts[qualified[i]] != counts[qualified[j]] {
			return counts[qualified[i]] > counts[qualified[j]]
		}
		return qualified[i] < qualified[j]
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var authorRelays map[string][]string
	if len(qualified) > 0 {
		authorRelays, err = s.source.WriteRelays(ctx, qualified)
		if err != nil {
			return nil, fmt.Errorf("fetch relay lists: %w", err)
		}
	}

	selected, _ := SelectRelays(qualified, InvertRelayLists(authorRelays, qualified), s.params.MaxRelays)
	urls := make([]string, len(selected))
	for i, r := range selected {
		urls[i] = r.URL
	}
	assignments := AssignAuthors(urls, authorRelays, qualified)

	withRelays := 0
	for _, pk := range qualified {
		if len(authorRelays[pk]) > 0 {
			withRelays++
		}
	}

	return &Snapshot{
		Owner:       s.owner,
		Qualified:   qualified,
		FirstDegree: util.SortedCopy(firstDegree),
		Assignments: assignments,
		Relays:      selected,
		ComputedAt:  s.now().Unix(),
		Stats: Stats{
			FirstDegree: len(firstDegree),
			Candidates:  len(candidates),
			Qualified:   len(qualified),
			WithRelays:  withRelays,
			Assigned:    len(assignments),
			Relays:      len(selected),
		},
	}, nil
}
