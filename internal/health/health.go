// Package health tracks per-relay reliability: failure backoff, cooldowns,
// response times and a 0..100 score used to rank relays.
package health

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store is the health/trust signal consulted before dispatching to a relay
// and before counting it toward a quorum.
type Store interface {
	IsBad(relayURL string) bool
	MarkBad(relayURL string)
	ClearBad(relayURL string)

	// RecordFailure returns the backoff before the next attempt and whether
	// the relay has now entered cooldown.
	RecordFailure(relayURL string) (time.Duration, bool)
	RecordSuccess(relayURL string)
	RecordResponseTime(relayURL string, d time.Duration)
	Cooldown(relayURL string, d time.Duration, reason string)

	Score(relayURL string) int
	SortByScore(relays []string) []string
	Stats(relayURL string) Stats
}

// Policy controls backoff and cooldown escalation
type Policy struct {
	BackoffSteps []time.Duration // indexed by consecutive failures; the last step repeats
	MaxFailures  int             // consecutive failures that trigger cooldown; 0 disables
	Cooldown     time.Duration   // duration of MarkBad and failure-triggered cooldowns
}

// DefaultPolicy returns 30s, 60s, 2m, 5m backoff with a 15 minute cooldown after 5 failures.
func DefaultPolicy() Policy {
	return Policy{
		BackoffSteps: []time.Duration{30 * time.Second, 60 * time.Second, 2 * time.Minute, 5 * time.Minute},
		MaxFailures:  5,
		Cooldown:     15 * time.Minute,
	}
}

func (p Policy) backoff(failures int) time.Duration {
	if len(p.BackoffSteps) == 0 {
		return 30 * time.Second
	}
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.BackoffSteps) {
		idx = len(p.BackoffSteps) - 1
	}
	return p.BackoffSteps[idx]
}

// Stats is the persisted per-relay record. Times are unix milliseconds.
type Stats struct {
	AvgResponseMs  int64  `json:"avg_ms"`
	ResponseCount  int    `json:"count"`
	FailureCount   int    `json:"failures"`
	BackoffUntil   int64  `json:"backoff_until"`
	CooldownUntil  int64  `json:"cooldown_until"`
	CooldownReason string `json:"cooldown_reason,omitempty"`
}

// InCooldown reports whether the relay is cooling down at now.
func (s Stats) InCooldown(now time.Time) bool {
	return s.CooldownUntil > 0 && now.UnixMilli() < s.CooldownUntil
}

// InBackoff reports whether a reconnect is still being delayed at now.
func (s Stats) InBackoff(now time.Time) bool {
	return s.BackoffUntil > 0 && now.UnixMilli() < s.BackoffUntil
}

// statsStore is the persistence behind a Tracker.
type statsStore interface {
	load(relayURL string) Stats
	save(relayURL string, s Stats)
}

// Tracker implements Store over a statsStore.
type Tracker struct {
	mu     sync.Mutex
	store  statsStore
	policy Policy
	now    func() time.Time
}

func newTracker(store statsStore, policy Policy) *Tracker {
	return &Tracker{store: store, policy: policy, now: time.Now}
}

func (t *Tracker) update(relayURL string, fn func(s *Stats)) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.store.load(relayURL)
	fn(&s)
	t.store.save(relayURL, s)
	return s
}

func (t *Tracker) IsBad(relayURL string) bool {
	return t.store.load(relayURL).InCooldown(t.now())
}

func (t *Tracker) MarkBad(relayURL string) {
	t.Cooldown(relayURL, t.policy.Cooldown, "marked bad")
}

func (t *Tracker) ClearBad(relayURL string) {
	t.update(relayURL, func(s *Stats) {
		s.CooldownUntil = 0
		s.CooldownReason = ""
		s.FailureCount = 0
		s.BackoffUntil = 0
	})
}

func (t *Tracker) Cooldown(relayURL string, d time.Duration, reason string) {
	until := t.now().Add(d)
	t.update(relayURL, func(s *Stats) {
		if until.UnixMilli() > s.CooldownUntil {
			s.CooldownUntil = until.UnixMilli()
			s.CooldownReason = reason
		}
	})
	slog.Info("relay entered cooldown", "relay", relayURL, "reason", reason, "until", until.Format("15:04:05"))
}

func (t *Tracker) RecordFailure(relayURL string) (time.Duration, bool) {
	now := t.now()
	var backoff time.Duration
	cooled := false
	s := t.update(relayURL, func(s *Stats) {
		s.FailureCount++
		backoff = t.policy.backoff(s.FailureCount)
		s.BackoffUntil = now.Add(backoff).UnixMilli()
		if t.policy.MaxFailures > 0 && s.FailureCount >= t.policy.MaxFailures && !s.InCooldown(now) {
			s.CooldownUntil = now.Add(t.policy.Cooldown).UnixMilli()
			s.CooldownReason = "repeated failures"
			cooled = true
		}
	})
	slog.Warn("relay connection failed",
		"relay", relayURL,
		"failure_count", s.FailureCount,
		"backoff_until", now.Add(backoff).Format("15:04:05"),
		"cooldown", cooled)
	return backoff, cooled
}

func (t *Tracker) RecordSuccess(relayURL string) {
	t.update(relayURL, func(s *Stats) {
		s.FailureCount = 0
		s.BackoffUntil = 0
	})
}

func (t *Tracker) RecordResponseTime(relayURL string, d time.Duration) {
	t.update(relayURL, func(s *Stats) {
		// Exponential moving average (alpha=0.3)
		ms := d.Milliseconds()
		if s.ResponseCount == 0 {
			s.AvgResponseMs = ms
		} else {
			s.AvgResponseMs = int64(0.3*float64(ms) + 0.7*float64(s.AvgResponseMs))
		}
		s.ResponseCount++
	})
}

func (t *Tracker) Stats(relayURL string) Stats {
	return t.store.load(relayURL)
}

func (t *Tracker) Score(relayURL string) int {
	return score(t.store.load(relayURL), t.now())
}

func score(s Stats, now time.Time) int {
	if s.InCooldown(now) {
		return 0
	}
	result := 50
	if s.ResponseCount > 0 {
		switch {
		case s.AvgResponseMs < 200:
			result = 50
		case s.AvgResponseMs < 500:
			result = 40
		case s.AvgResponseMs < 1000:
			result = 25
		default:
			result = 10
		}
		bonus := s.ResponseCount
		if bonus > 10 {
			bonus = 10
		}
		result += bonus
	}

	penalty := s.FailureCount * 10
	if penalty > 30 {
		penalty = 30
	}
	result -= penalty
	if s.InBackoff(now) {
		result -= 20
	}

	if result < 0 {
		result = 0
	}
	if result > 100 {
		result = 100
	}
	return result
}

// SortByScore returns a copy ordered best-first. Ties keep lexical order so the result is stable.
func (t *Tracker) SortByScore(relays []string) []string {
	sorted := make([]string, len(relays))
	copy(sorted, relays)
	if len(sorted) <= 1 {
		return sorted
	}

	scores := make(map[string]int, len(relays))
	for _, relay := range relays {
		scores[relay] = t.Score(relay)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if scores[sorted[i]] != scores[sorted[j]] {
			return scores[sorted[i]] > scores[sorted[j]]
		}
		return sorted[i] < sorted[j]
	})
	return sorted
}
