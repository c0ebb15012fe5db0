// Package config loads the relay core configuration from a JSON file with env overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// DefaultPath is used when neither an explicit path nor RELAYCORE_CONFIG is set.
const DefaultPath = "config/relays.json"

// Duration is a time.Duration that reads and writes as a Go duration string ("15s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value) * time.Second)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	return errors.New("invalid duration")
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RelayEntry is a user-pinned relay with its read/write capabilities.
type RelayEntry struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// PoolConfig tunes the connection pool
type PoolConfig struct {
	DialTimeout       Duration   `json:"dialTimeout"`
	WriteTimeout      Duration   `json:"writeTimeout"`
	BackoffSteps      []Duration `json:"backoffSteps"`      // per consecutive failure; the last step repeats
	MaxFailures       int        `json:"maxFailures"`       // consecutive failures before cooldown
	Cooldown          Duration   `json:"cooldown"`          // after MaxFailures or markBad
	RateLimitCooldown Duration   `json:"rateLimitCooldown"` // after a rate-limit notice
	EphemeralIdle     Duration   `json:"ephemeralIdle"`
	QueueSize         int        `json:"queueSize"`
	SendRate          float64    `json:"sendRate"` // outbound messages per second per relay
	SendBurst         int        `json:"sendBurst"`
	InboundBuffer     int        `json:"inboundBuffer"`
	VerifySignatures  bool       `json:"verifySignatures"`
}

// QuorumConfig sizes EOSE quorums
type QuorumConfig struct {
	Ratio          float64  `json:"ratio"`
	Minimum        int      `json:"minimum"`
	Timeout        Duration `json:"timeout"`
	MinConnected   int      `json:"minConnected"`
	ConnectTimeout Duration `json:"connectTimeout"`
}

// OutboxConfig tunes author routing
type OutboxConfig struct {
	MaxAuthorsPerFilter int      `json:"maxAuthorsPerFilter"`
	MaxRelaysPerAuthor  int      `json:"maxRelaysPerAuthor"`
	BatchWindow         Duration `json:"batchWindow"`
	RefreshInterval     Duration `json:"refreshInterval"`
}

// DiscoveryConfig tunes second-degree network expansion
type DiscoveryConfig struct {
	Enabled             bool     `json:"enabled"`
	PopularityThreshold int      `json:"popularityThreshold"`
	MaxRelays           int      `json:"maxRelays"`
	TTL                 Duration `json:"ttl"`
	DriftRatio          float64  `json:"driftRatio"`
	FetchChunkSize      int      `json:"fetchChunkSize"`
	FetchTimeout        Duration `json:"fetchTimeout"`
	Interval            Duration `json:"interval"`
}

// IngestConfig bounds the ingestion cache
type IngestConfig struct {
	SeenCap        int      `json:"seenCap"`
	FeedCap        int      `json:"feedCap"`
	EventCacheSize int      `json:"eventCacheSize"`
	AggregateSize  int      `json:"aggregateSize"`
	ProvenanceSize int      `json:"provenanceSize"`
	Debounce       Duration `json:"debounce"`
	FeedInterval   Duration `json:"feedInterval"`
}

// CacheConfig holds persistence TTLs
type CacheConfig struct {
	RelayListTTL         Duration `json:"relayListTTL"`
	RelayListNotFoundTTL Duration `json:"relayListNotFoundTTL"`
	ContactListTTL       Duration `json:"contactListTTL"`
	SnapshotTTL          Duration `json:"snapshotTTL"`
	RelayConfigTTL       Duration `json:"relayConfigTTL"`
}

// Config is the full relay core configuration
type Config struct {
	PinnedRelays  []RelayEntry    `json:"pinnedRelays"`
	IndexerRelays []string        `json:"indexerRelays"`
	BlockedRelays []string        `json:"blockedRelays"`
	RedisURL      string          `json:"redisURL"`
	RedisPrefix   string          `json:"redisPrefix"`
	Pool          PoolConfig      `json:"pool"`
	Quorum        QuorumConfig    `json:"quorum"`
	Outbox        OutboxConfig    `json:"outbox"`
	Discovery     DiscoveryConfig `json:"discovery"`
	Ingest        IngestConfig    `json:"ingest"`
	Cache         CacheConfig     `json:"cache"`
}

// Default returns the embedded default configuration
func Default() *Config {
	return &Config{
		PinnedRelays: []RelayEntry{
			{URL: "wss://relay.damus.io", Read: true, Write: true},
			{URL: "wss://nos.lol", Read: true, Write: true},
			{URL: "wss://relay.primal.net", Read: true, Write: true},
		},
		IndexerRelays: []string{
			"wss://purplepag.es",
			"wss://relay.nostr.band",
			"wss://indexer.coracle.social",
		},
		RedisPrefix: "relaycore:",
		Pool: PoolConfig{
			DialTimeout:       Duration(10 * time.Second),
			WriteTimeout:      Duration(5 * time.Second),
			BackoffSteps:      []Duration{Duration(30 * time.Second), Duration(60 * time.Second), Duration(2 * time.Minute), Duration(5 * time.Minute)},
			MaxFailures:       5,
			Cooldown:          Duration(15 * time.Minute),
			RateLimitCooldown: Duration(2 * time.Minute),
			EphemeralIdle:     Duration(2 * time.Minute),
			QueueSize:         256,
			SendRate:          20,
			SendBurst:         40,
			InboundBuffer:     4096,
			VerifySignatures:  true,
		},
		Quorum: QuorumConfig{
			Ratio:          0.3,
			Minimum:        3,
			Timeout:        Duration(15 * time.Second),
			MinConnected:   1,
			ConnectTimeout: Duration(5 * time.Second),
		},
		Outbox: OutboxConfig{
			MaxAuthorsPerFilter: 300,
			MaxRelaysPerAuthor:  3,
			BatchWindow:         Duration(50 * time.Millisecond),
			RefreshInterval:     Duration(30 * time.Minute),
		},
		Discovery: DiscoveryConfig{
			Enabled:             true,
			PopularityThreshold: 5,
			MaxRelays:           25,
			TTL:                 Duration(4 * time.Hour),
			DriftRatio:          0.2,
			FetchChunkSize:      250,
			FetchTimeout:        Duration(10 * time.Second),
			Interval:            Duration(time.Hour),
		},
		Ingest: IngestConfig{
			SeenCap:        200_000,
			FeedCap:        2_000,
			EventCacheSize: 10_000,
			AggregateSize:  5_000,
			ProvenanceSize: 10_000,
			Debounce:       Duration(250 * time.Millisecond),
			FeedInterval:   Duration(100 * time.Millisecond),
		},
		Cache: CacheConfig{
			RelayListTTL:         Duration(24 * time.Hour),
			RelayListNotFoundTTL: Duration(30 * time.Minute),
			ContactListTTL:       Duration(6 * time.Hour),
			SnapshotTTL:          Duration(7 * 24 * time.Hour),
			RelayConfigTTL:       Duration(365 * 24 * time.Hour),
		},
	}
}

// ResolvePath picks the config path: explicit argument, then RELAYCORE_CONFIG, then DefaultPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("RELAYCORE_CONFIG"); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the config file over the defaults. A missing or invalid file yields defaults;
// only a failed validation is returned as an error.
func Load(path string) (*Config, error) {
	path = ResolvePath(path)
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err != nil && os.IsNotExist(err):
		slog.Debug("relaycore config file not found, using defaults", "path", path)
	case err != nil:
		slog.Warn("could not read relaycore config, using defaults", "path", path, "error", err)
	default:
		fileCfg := Default()
		if err := json.Unmarshal(data, fileCfg); err != nil {
			slog.Error("invalid JSON in relaycore config, using defaults", "path", path, "error", err)
		} else {
			cfg = fileCfg
			slog.Info("loaded relaycore configuration",
				"path", path,
				"pinned", len(cfg.PinnedRelays),
				"indexers", len(cfg.IndexerRelays),
				"blocked", len(cfg.BlockedRelays))
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		c.RedisPrefix = v
	}
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	if c.Outbox.MaxAuthorsPerFilter <= 0 {
		return fmt.Errorf("outbox.maxAuthorsPerFilter must be positive, got %d", c.Outbox.MaxAuthorsPerFilter)
	}
	if c.Quorum.Timeout <= 0 {
		return fmt.Errorf("quorum.timeout must be positive, got %s", c.Quorum.Timeout.Std())
	}
	if c.Quorum.Ratio < 0 || c.Quorum.Ratio > 1 {
		return fmt.Errorf("quorum.ratio must be within [0,1], got %v", c.Quorum.Ratio)
	}
	if c.Discovery.DriftRatio < 0 {
		return fmt.Errorf("discovery.driftRatio must not be negative, got %v", c.Discovery.DriftRatio)
	}
	if len(c.Pool.BackoffSteps) == 0 {
		return errors.New("pool.backoffSteps must not be empty")
	}
	if c.Ingest.FeedCap <= 0 || c.Ingest.SeenCap < c.Ingest.FeedCap {
		return fmt.Errorf("ingest.seenCap (%d) must be at least ingest.feedCap (%d) and feedCap positive", c.Ingest.SeenCap, c.Ingest.FeedCap)
	}
	return nil
}

// BackoffDurations converts the configured steps to time.Duration.
func (p PoolConfig) BackoffDurations() []time.Duration {
	out := make([]time.Duration, len(p.BackoffSteps))
	for i, s := range p.BackoffSteps {
		out[i] = s.Std()
	}
	return out
}
