package ledgersync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

// DefaultPollInterval matches the reference client's 2s match poll.
const DefaultPollInterval = 2 * time.Second

// Watcher owns the live view of one match: a cancellable background task
// that polls on an interval, listens to the optional push subscription, and
// replaces its snapshot atomically. Reconciliation is forward-only: a fetch
// whose status ranks behind the current snapshot is treated as a stale read,
// discarded, and re-fetched instead of applied.
type Watcher struct {
	fetcher  *Fetcher
	matchID  string
	interval time.Duration
	log      *slog.Logger

	mu   sync.RWMutex
	snap *match.Match

	changes chan *match.Match

	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithLogger sets the watcher's logger.
func WithLogger(log *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = log }
}

func NewWatcher(fetcher *Fetcher, matchID string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		fetcher:  fetcher,
		matchID:  matchID,
		interval: DefaultPollInterval,
		log:      slog.Default(),
		changes:  make(chan *match.Match, 8),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the watch loop. The loop stops when ctx is cancelled or
// Stop is called; stopping never corrupts state because every mutation it
// performs is a whole-snapshot replace.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	var notify <-chan struct{}
	unsubscribe := func() {}
	if ch, unsub, err := w.fetcher.backend.Subscribe(ctx, w.matchID); err == nil {
		notify = ch
		unsubscribe = unsub
	} else {
		w.log.Debug("subscription unavailable, polling only",
			"matchId", w.matchID, "err", err)
	}

	go func() {
		defer close(w.done)
		defer close(w.changes)
		defer unsubscribe()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll(ctx)
			case _, ok := <-notify:
				if !ok {
					notify = nil
					continue
				}
				w.fetcher.Invalidate(w.matchID)
				w.poll(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// Snapshot returns the current local view (a copy), or nil before the first
// successful fetch.
func (w *Watcher) Snapshot() *match.Match {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.snap == nil {
		return nil
	}
	return w.snap.Clone()
}

// Changes delivers a snapshot copy after each observed state change. The
// channel is buffered; if a consumer lags, intermediate snapshots are
// dropped in favor of later ones.
func (w *Watcher) Changes() <-chan *match.Match {
	return w.changes
}

func (w *Watcher) poll(ctx context.Context) {
	fetched, err := w.fetcher.Match(ctx, w.matchID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("match fetch failed", "matchId", w.matchID, "err", err)
		return
	}

	if w.isBackward(fetched) {
		// Stale read from an eventually-consistent node: drop it and force
		// one fresh fetch past the cache.
		w.fetcher.Invalidate(w.matchID)
		fetched, err = w.fetcher.Match(ctx, w.matchID)
		if err != nil || w.isBackward(fetched) {
			w.log.Warn("discarded stale match read", "matchId", w.matchID)
			return
		}
	}

	w.mu.Lock()
	changed := !fetched.Equal(w.snap)
	if changed {
		w.snap = fetched
	}
	w.mu.Unlock()

	if changed {
		select {
		case w.changes <- fetched.Clone():
		default:
			// Consumer is behind; it will see the latest via Snapshot.
		}
	}
}

func (w *Watcher) isBackward(fetched *match.Match) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap != nil && fetched.Status.Rank() < w.snap.Status.Rank()
}
