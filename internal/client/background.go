package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const backgroundWorkers = 4

// workers runs named background tasks with bounded concurrency. Task errors
// are logged, never propagated, so one failing task does not cancel the rest.
type workers struct {
	group *errgroup.Group
	s     *Session

	mu     sync.Mutex
	cancel context.CancelFunc // periodic loop; nil while backgrounded
	loop   sync.WaitGroup
}

func newWorkers(s *Session, n int) *workers {
	w := &workers{group: new(errgroup.Group), s: s}
	w.group.SetLimit(n)
	return w
}

// submit queues fn; it blocks while all workers are busy
func (w *workers) submit(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	w.group.Go(func() error {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			w.s.log.Warn("background task failed", "task", name, "error", err)
			return nil
		}
		w.s.log.Debug("background task finished", "task", name, "duration", time.Since(start))
		return nil
	})
}

func (w *workers) wait() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	w.loop.Wait()
	_ = w.group.Wait()
}

// Foreground starts the periodic refresh loop: follows' relay lists on the
// outbox refresh interval and the network snapshot on the discovery interval.
// Calling it while already in the foreground is a no-op.
func (s *Session) Foreground() {
	w := s.workers
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil || s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	w.cancel = cancel
	w.loop.Add(1)
	go func() {
		defer w.loop.Done()
		s.periodic(ctx)
	}()
	s.log.Debug("session in foreground")
}

// Background stops periodic work. Live subscriptions stay open.
func (s *Session) Background() {
	w := s.workers
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.cancel = nil
	s.log.Debug("session in background")
}

func (s *Session) periodic(ctx context.Context) {
	refresh := time.NewTicker(positive(s.cfg.Outbox.RefreshInterval.Std(), 30*time.Minute))
	defer refresh.Stop()
	discover := time.NewTicker(positive(s.cfg.Discovery.Interval.Std(), time.Hour))
	defer discover.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			s.workers.submit(ctx, "relay-list-refresh", s.refreshRelayLists)
		case <-discover.C:
			if !s.cfg.Discovery.Enabled {
				continue
			}
			s.workers.submit(ctx, "network-discovery", func(ctx context.Context) error {
				follows := s.contacts.Follows(s.owner)
				if len(follows) == 0 {
					return nil
				}
				mode, id := s.Mode()
				if mode.Kind != ModeFollows || id == "" {
					_, err := s.discovery.Ensure(ctx, follows)
					return err
				}
				return s.expandNetwork(ctx, id, mode, follows)
			})
		}
	}
}

// refreshRelayLists re-requests relay lists of follows that are missing or expired
func (s *Session) refreshRelayLists(ctx context.Context) error {
	follows := s.contacts.Follows(s.owner)
	if len(follows) == 0 {
		return nil
	}
	n, err := s.router.RequestMissingRelayLists(ctx, follows)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("relay lists refreshed", "requested", n)
	}
	return nil
}

func positive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
