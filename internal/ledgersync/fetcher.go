// Package ledgersync keeps local match snapshots consistent with the remote
// ledger with bounded staleness: a deduplicating fetcher with a short-lived
// cache and bounded backoff retries, and a per-match watcher that polls,
// reconciles forward-only and signals changes.
package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Simlowker/RPC-game-sub000/internal/ledger"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

const (
	defaultCacheSize   = 256
	defaultCacheTTL    = 1 * time.Second
	defaultMaxAttempts = 4
	defaultBaseDelay   = 250 * time.Millisecond
)

type cacheEntry struct {
	m  *match.Match
	at time.Time
}

type inflightCall struct {
	done chan struct{}
	m    *match.Match
	err  error
}

// Fetcher reads match accounts through a short TTL cache. Concurrent callers
// asking for the same match while a read is in flight share that read instead
// of issuing duplicates. Transient failures are retried with exponential
// backoff up to a bounded attempt count; not-found and rejections surface
// immediately.
type Fetcher struct {
	backend ledger.Backend

	cacheTTL    time.Duration
	maxAttempts int
	baseDelay   time.Duration

	now func() time.Time

	mu       sync.Mutex
	cache    *lru.Cache
	inflight map[string]*inflightCall
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithCacheTTL overrides the snapshot cache lifetime.
func WithCacheTTL(ttl time.Duration) FetcherOption {
	return func(f *Fetcher) { f.cacheTTL = ttl }
}

// WithRetry overrides the transient-failure retry policy.
func WithRetry(maxAttempts int, baseDelay time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.maxAttempts = maxAttempts
		f.baseDelay = baseDelay
	}
}

// WithFetcherClock injects the time source, for cache-expiry tests.
func WithFetcherClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) { f.now = now }
}

func NewFetcher(backend ledger.Backend, opts ...FetcherOption) *Fetcher {
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(fmt.Sprintf("ledgersync: init cache: %v", err))
	}
	f := &Fetcher{
		backend:     backend,
		cacheTTL:    defaultCacheTTL,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		now:         time.Now,
		cache:       cache,
		inflight:    map[string]*inflightCall{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Match returns a snapshot of matchID, from cache when fresh. The returned
// value is always a private copy.
func (f *Fetcher) Match(ctx context.Context, matchID string) (*match.Match, error) {
	f.mu.Lock()
	if v, ok := f.cache.Get(matchID); ok {
		entry := v.(cacheEntry)
		if f.now().Sub(entry.at) < f.cacheTTL {
			f.mu.Unlock()
			return entry.m.Clone(), nil
		}
		f.cache.Remove(matchID)
	}
	if call, ok := f.inflight[matchID]; ok {
		f.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch %s: %w", matchID, ctx.Err())
		}
		if call.err != nil {
			return nil, call.err
		}
		return call.m.Clone(), nil
	}
	call := &inflightCall{done: make(chan struct{})}
	f.inflight[matchID] = call
	f.mu.Unlock()

	m, err := f.fetchWithRetry(ctx, matchID)
	call.m, call.err = m, err
	close(call.done)

	f.mu.Lock()
	delete(f.inflight, matchID)
	if err == nil {
		f.cache.Add(matchID, cacheEntry{m: m, at: f.now()})
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Invalidate drops any cached snapshot so the next Match hits the backend.
// The watcher uses it to force a re-fetch after discarding a stale read.
func (f *Fetcher) Invalidate(matchID string) {
	f.mu.Lock()
	f.cache.Remove(matchID)
	f.mu.Unlock()
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, matchID string) (*match.Match, error) {
	var lastErr error
	delay := f.baseDelay
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		m, err := f.backend.FetchMatch(ctx, matchID)
		if err == nil {
			return m, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		if attempt == f.maxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch %s: %w", matchID, ctx.Err())
		}
		delay *= 2
	}
	return nil, fmt.Errorf("fetch %s: retries exhausted: %w", matchID, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, ledger.ErrNotFound) {
		return false
	}
	return match.KindOf(err) == match.KindLedgerTransient
}
