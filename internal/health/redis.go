package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// statsTTL bounds how long a relay's record survives without updates
const statsTTL = 24 * time.Hour

type redisStats struct {
	client *redis.Client
	prefix string
}

func (r *redisStats) load(relayURL string) Stats {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, r.prefix+relayURL).Bytes()
	if err != nil {
		return Stats{}
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return Stats{}
	}
	return s
}

func (r *redisStats) save(relayURL string, s Stats) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.prefix+relayURL, data, statsTTL).Err(); err != nil {
		slog.Debug("relay health save failed", "relay", relayURL, "error", err)
	}
}

// NewRedisStore creates a health tracker persisted in Redis, shared across restarts.
func NewRedisStore(client *redis.Client, prefix string, policy Policy) *Tracker {
	return newTracker(&redisStats{client: client, prefix: prefix + "relay_health:"}, policy)
}
