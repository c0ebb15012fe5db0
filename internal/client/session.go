// Package client wires the relay core for one logged-in account: pool,
// subscription coordinator, fact stores, outbox router, network discovery and
// the ingestion cache. Switching accounts means closing one Session and
// creating another.
package client

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nostr-relaycore/internal/cache"
	"nostr-relaycore/internal/config"
	"nostr-relaycore/internal/discovery"
	"nostr-relaycore/internal/facts"
	"nostr-relaycore/internal/health"
	"nostr-relaycore/internal/ingest"
	"nostr-relaycore/internal/metrics"
	"nostr-relaycore/internal/nostr"
	"nostr-relaycore/internal/outbox"
	"nostr-relaycore/internal/pool"
	"nostr-relaycore/internal/subscription"
	"nostr-relaycore/internal/types"
)

// ErrNoAccount is returned when neither an owner nor a signer was given
var ErrNoAccount = errors.New("session needs an owner pubkey or a signer")

// Signer signs events for the account. *nostr.KeySigner satisfies it.
type Signer interface {
	PublicKey() string
	Sign(evt *types.Event) error
}

// Options configures a Session
type Options struct {
	Config  *config.Config
	Owner   string             // hex pubkey; defaults to the signer's key
	Signer  Signer             // optional, required for publishing
	Backend cache.CacheBackend // persistence; defaults to an in-memory cache
	Health  health.Store       // defaults to an in-memory store using the pool policy
	// CheckURL overrides the pool's relay URL safety check
	CheckURL func(string) bool
}

// Session is the relay core of one account
type Session struct {
	cfg     *config.Config
	owner   string
	signer  Signer
	backend cache.CacheBackend
	ownsDB  bool
	health  health.Store
	log     *slog.Logger

	pool      *pool.Pool
	coord     *subscription.Coordinator
	lists     *facts.RelayListStore
	contacts  *facts.ContactStore
	mutes     *facts.MuteStore
	router    *outbox.Router
	discovery *discovery.Service
	ingest    *ingest.Cache
	workers   *workers

	collectorsMu sync.Mutex
	collectors   map[string]*collector

	acksMu sync.Mutex
	acks   map[string]chan ack

	modeMu     sync.Mutex
	mode       FeedMode
	modeID     string
	modeCancel context.CancelFunc
	modeSeq    int

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// collector receives the events of one in-flight fetch
type collector struct {
	events chan types.Event
	done   chan struct{}
}

type ack struct {
	relay string
	ok    bool
	text  string
}

// HealthPolicy maps the pool config section onto a health policy
func HealthPolicy(cfg config.PoolConfig) health.Policy {
	return health.Policy{
		BackoffSteps: cfg.BackoffDurations(),
		MaxFailures:  cfg.MaxFailures,
		Cooldown:     cfg.Cooldown.Std(),
	}
}

// New builds a session. Nothing connects until Start.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	owner := opts.Owner
	if owner == "" && opts.Signer != nil {
		owner = opts.Signer.PublicKey()
	}
	if owner == "" {
		return nil, ErrNoAccount
	}
	backend, ownsDB := opts.Backend, false
	if backend == nil {
		backend, ownsDB = cache.NewMemoryCache(10_000, time.Minute), true
	}
	h := opts.Health
	if h == nil {
		h = health.NewMemoryStore(HealthPolicy(cfg.Pool))
	}

	s := &Session{
		cfg:        cfg,
		owner:      owner,
		signer:     opts.Signer,
		backend:    backend,
		ownsDB:     ownsDB,
		health:     h,
		log:        slog.Default().With("component", "session", "account", nostr.ShortID(owner)),
		collectors: make(map[string]*collector),
		acks:       make(map[string]chan ack),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	poolOpts := pool.OptionsFromConfig(cfg.Pool, h)
	poolOpts.CheckURL = opts.CheckURL
	s.pool = pool.New(poolOpts)
	s.coord = subscription.NewCoordinator(s.pool, h)

	s.lists = facts.NewRelayListStore(backend, cfg.Cache.RelayListTTL.Std(), cfg.Cache.RelayListNotFoundTTL.Std())
	s.contacts = facts.NewContactStore(backend, cfg.Cache.ContactListTTL.Std())
	s.mutes = facts.NewMuteStore(owner)

	s.router = outbox.NewRouter(outbox.Options{
		Lists:               s.lists,
		Pool:                s.pool,
		Dispatcher:          s.coord,
		Fetcher:             s,
		Health:              h,
		Indexers:            cfg.IndexerRelays,
		MaxAuthorsPerFilter: cfg.Outbox.MaxAuthorsPerFilter,
		MaxRelaysPerAuthor:  cfg.Outbox.MaxRelaysPerAuthor,
		BatchWindow:         cfg.Outbox.BatchWindow.Std(),
		FetchTimeout:        cfg.Discovery.FetchTimeout.Std(),
	})

	s.discovery = discovery.NewService(owner, s,
		discovery.NewSnapshotStore(backend, cfg.Cache.SnapshotTTL.Std()),
		discovery.Params{
			PopularityThreshold: cfg.Discovery.PopularityThreshold,
			MaxRelays:           cfg.Discovery.MaxRelays,
			TTL:                 cfg.Discovery.TTL.Std(),
			DriftRatio:          cfg.Discovery.DriftRatio,
		},
		s.mutes.Excluded)

	s.ingest = ingest.New(ingest.OptionsFromConfig(cfg.Ingest, s.mutes))
	s.workers = newWorkers(s, backgroundWorkers)
	return s, nil
}

// Start loads persisted state, connects the pinned relays and starts the
// inbound pump and background tasks.
func (s *Session) Start(ctx context.Context) error {
	state := s.loadRelayConfig(ctx)
	s.applyRelayConfig(state)

	s.warmRelayLists(ctx, []string{s.owner})
	s.contacts.Load(ctx, s.owner)
	if s.discovery.Restore(ctx) {
		if snap := s.discovery.Current(); snap != nil {
			s.pool.SetScored(snap.RelayURLs())
		}
	}

	s.ingest.Start(s.ctx)
	go s.pump()
	s.Foreground()

	s.log.Info("session started",
		"pinned", len(state.Pinned),
		"blocked_relays", len(state.BlockedRelays),
		"blocked_authors", len(state.BlockedAuthors))
	return nil
}

// Close tears the session down: subscriptions, background work, connections
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.coord.CloseAll(ctx)
		cancel()

		s.modeMu.Lock()
		if s.modeCancel != nil {
			s.modeCancel()
		}
		s.modeMu.Unlock()

		s.cancel()
		s.workers.wait()
		s.ingest.Close()
		s.pool.Close()
		if s.ownsDB {
			s.backend.Close()
		}
		s.log.Info("session closed")
	})
}

// warmRelayLists loads persisted relay lists into memory so only authors
// unknown to the backend go to the network
func (s *Session) warmRelayLists(ctx context.Context, authors []string) {
	n, err := s.lists.Warm(ctx, authors)
	if err != nil {
		s.log.Debug("relay list warm-up failed", "authors", len(authors), "error", err)
		return
	}
	if n > 0 {
		s.log.Debug("relay lists restored", "count", n)
	}
}

// Owner is the account pubkey
func (s *Session) Owner() string { return s.owner }

// Pool exposes the connection pool for status reporting
func (s *Session) Pool() *pool.Pool { return s.pool }

func (s *Session) Coordinator() *subscription.Coordinator { return s.coord }

func (s *Session) Router() *outbox.Router { return s.router }

func (s *Session) Discovery() *discovery.Service { return s.discovery }

// Ingest exposes the feed and aggregates
func (s *Session) Ingest() *ingest.Cache { return s.ingest }

func (s *Session) RelayLists() *facts.RelayListStore { return s.lists }

func (s *Session) Contacts() *facts.ContactStore { return s.contacts }

func (s *Session) Mutes() *facts.MuteStore { return s.mutes }

// pump drains the merged inbound stream until the pool closes
func (s *Session) pump() {
	for msg := range s.pool.Messages() {
		switch msg.Type {
		case nostr.LabelEvent:
			s.handleEvent(msg)
		case nostr.LabelEOSE:
			s.coord.MarkEOSE(msg.Relay, msg.SubID)
		case nostr.LabelClosed:
			s.coord.MarkClosed(msg.Relay, msg.SubID)
		case nostr.LabelOK:
			s.handleOK(msg)
		case nostr.LabelNotice:
			s.log.Debug("relay notice", "relay", msg.Relay, "text", msg.Text)
		}
	}
}

func (s *Session) handleEvent(msg pool.Message) {
	evt := msg.Event
	switch evt.Kind {
	case nostr.KindRelayList:
		s.lists.Apply(s.ctx, &evt)
	case nostr.KindContacts:
		s.contacts.Apply(s.ctx, &evt)
	case nostr.KindMuteList:
		if s.mutes.Apply(&evt) {
			for pk := range s.mutes.Excluded() {
				s.ingest.PurgeAuthor(pk)
			}
		}
	}

	// frames of closed subscriptions only feed the fact stores above
	owner, ok := s.coord.Owner(msg.SubID)
	if !ok {
		metrics.IngestEvents.WithLabelValues("stale").Inc()
		return
	}
	s.collectorsMu.Lock()
	col := s.collectors[owner]
	s.collectorsMu.Unlock()
	if col != nil {
		select {
		case col.events <- evt:
		case <-col.done:
		case <-s.ctx.Done():
		}
		return
	}
	if strings.HasPrefix(owner, fetchPrefix+"-") {
		// late frame of a finished fetch
		return
	}
	s.ingest.Admit(evt, msg.Relay)
}

func (s *Session) handleOK(msg pool.Message) {
	s.acksMu.Lock()
	ch := s.acks[msg.EventID]
	s.acksMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ack{relay: msg.Relay, ok: msg.OK, text: msg.Text}:
	default:
	}
}
