package health

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTrackers(t *testing.T, policy Policy) map[string]*Tracker {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]*Tracker{
		"memory": NewMemoryStore(policy),
		"redis":  NewRedisStore(client, "test:", policy),
	}
}

func TestBackoffSteps(t *testing.T) {
	for name, tr := range newTestTrackers(t, Policy{
		BackoffSteps: []time.Duration{time.Second, 2 * time.Second},
		MaxFailures:  3,
		Cooldown:     time.Minute,
	}) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
			tr.now = clock.now
			relay := "wss://flaky.example.com"

			d, cooled := tr.RecordFailure(relay)
			assert.Equal(t, time.Second, d)
			assert.False(t, cooled)

			d, _ = tr.RecordFailure(relay)
			assert.Equal(t, 2*time.Second, d)
			assert.False(t, tr.IsBad(relay), "backoff alone is not bad")

			d, cooled = tr.RecordFailure(relay)
			assert.Equal(t, 2*time.Second, d, "last step repeats")
			assert.True(t, cooled)
			assert.True(t, tr.IsBad(relay))
			assert.Equal(t, 0, tr.Score(relay))

			clock.advance(2 * time.Minute)
			assert.False(t, tr.IsBad(relay), "cooldown expires")

			tr.RecordSuccess(relay)
			assert.Equal(t, 0, tr.Stats(relay).FailureCount)
		})
	}
}

func TestMarkAndClearBad(t *testing.T) {
	for name, tr := range newTestTrackers(t, DefaultPolicy()) {
		t.Run(name, func(t *testing.T) {
			relay := "wss://spam.example.com"
			assert.False(t, tr.IsBad(relay))
			tr.MarkBad(relay)
			assert.True(t, tr.IsBad(relay))
			assert.Equal(t, "marked bad", tr.Stats(relay).CooldownReason)
			tr.ClearBad(relay)
			assert.False(t, tr.IsBad(relay))
		})
	}
}

func TestScoreAndSort(t *testing.T) {
	tr := NewMemoryStore(DefaultPolicy())
	fast, slow, failing, unknown := "wss://fast.example.com", "wss://slow.example.com", "wss://failing.example.com", "wss://unknown.example.com"

	tr.RecordResponseTime(fast, 100*time.Millisecond)
	tr.RecordResponseTime(slow, 1500*time.Millisecond)
	tr.RecordFailure(failing)

	assert.Equal(t, 51, tr.Score(fast))
	assert.Equal(t, 11, tr.Score(slow))
	assert.Equal(t, 50, tr.Score(unknown))
	assert.Equal(t, 20, tr.Score(failing))

	sorted := tr.SortByScore([]string{slow, failing, unknown, fast})
	assert.Equal(t, []string{fast, unknown, failing, slow}, sorted)
}

func TestResponseTimeEMA(t *testing.T) {
	tr := NewMemoryStore(DefaultPolicy())
	relay := "wss://r.example.com"
	tr.RecordResponseTime(relay, 100*time.Millisecond)
	tr.RecordResponseTime(relay, 200*time.Millisecond)
	assert.InDelta(t, 130, tr.Stats(relay).AvgResponseMs, 1)
	assert.Equal(t, 2, tr.Stats(relay).ResponseCount)
}
