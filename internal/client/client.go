// Package client is the caller-owned protocol facade. A Client carries its
// own keypair, secret store handle, fetcher and watchers; there is no
// process-wide state. All exported operations validate against the match
// state machine and deadline predicates before anything is signed and
// submitted.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Simlowker/RPC-game-sub000/internal/codec"
	"github.com/Simlowker/RPC-game-sub000/internal/commitment"
	"github.com/Simlowker/RPC-game-sub000/internal/ledger"
	"github.com/Simlowker/RPC-game-sub000/internal/ledgersync"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
	"github.com/Simlowker/RPC-game-sub000/internal/secret"
)

const (
	submitAttempts    = 3
	submitBaseDelay   = 500 * time.Millisecond
	revealObserveTick = 200 * time.Millisecond
	revealObserveMax  = 25
)

// Client executes match operations for one identity against one ledger
// backend. Writes to any single match are serialized by a per-match lock;
// two unrelated matches never contend.
type Client struct {
	key     *Keypair
	backend ledger.Backend
	secrets *secret.Store
	fetcher *ledgersync.Fetcher

	log          *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
	autoSettle   bool

	mu         sync.Mutex
	matchLocks map[string]*sync.Mutex
	watchers   map[string]*ledgersync.Watcher
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithClock injects the time source used by guard evaluation.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithPollInterval overrides the watcher poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithAutoSettle makes watchers submit a settle when they observe
// readyToSettle. Settlement is idempotent, so racing other observers is
// harmless.
func WithAutoSettle(enabled bool) Option {
	return func(c *Client) { c.autoSettle = enabled }
}

// WithFetcher replaces the default fetcher (used by tests to tune retries).
func WithFetcher(f *ledgersync.Fetcher) Option {
	return func(c *Client) { c.fetcher = f }
}

// New constructs a client. The caller keeps ownership of the secret store
// and backend lifetimes.
func New(key *Keypair, backend ledger.Backend, secrets *secret.Store, opts ...Option) *Client {
	c := &Client{
		key:          key,
		backend:      backend,
		secrets:      secrets,
		log:          slog.Default(),
		now:          time.Now,
		pollInterval: ledgersync.DefaultPollInterval,
		matchLocks:   map[string]*sync.Mutex{},
		watchers:     map[string]*ledgersync.Watcher{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = ledgersync.NewFetcher(backend)
	}
	return c
}

// Address returns the client identity's account address.
func (c *Client) Address() string {
	return c.key.Address
}

func (c *Client) lockMatch(matchID string) func() {
	c.mu.Lock()
	l, ok := c.matchLocks[matchID]
	if !ok {
		l = &sync.Mutex{}
		c.matchLocks[matchID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// submit signs nothing itself; it broadcasts an already-signed envelope with
// bounded backoff on transient transport failures. Rejections surface
// immediately: they mean a local guard and the ledger disagree, which is a
// bug to escalate, not retry.
func (c *Client) submit(ctx context.Context, env codec.Envelope) (ledger.SubmitResult, error) {
	var lastErr error
	delay := submitBaseDelay
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		res, err := c.backend.Submit(ctx, env)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if match.KindOf(err) != match.KindLedgerTransient {
			if match.KindOf(err) == match.KindLedgerRejected {
				c.log.Error("ledger rejected an operation local guards allowed",
					"type", env.Type, "err", err)
			}
			return ledger.SubmitResult{}, err
		}
		if attempt == submitAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ledger.SubmitResult{}, fmt.Errorf("submit %s: %w", env.Type, ctx.Err())
		}
		delay *= 2
	}
	return ledger.SubmitResult{}, fmt.Errorf("submit %s: retries exhausted: %w", env.Type, lastErr)
}

// newCommitment draws fresh secret material and computes the hash bound to
// this client's identity.
func (c *Client) newCommitment(choice match.Choice) (commitment.Hash, secret.Record, error) {
	salt, err := commitment.GenerateSalt()
	if err != nil {
		return commitment.Hash{}, secret.Record{}, err
	}
	nonce, err := commitment.GenerateNonce()
	if err != nil {
		return commitment.Hash{}, secret.Record{}, err
	}
	hash, err := commitment.Commit(uint8(choice), salt, c.key.Pub, nonce)
	if err != nil {
		return commitment.Hash{}, secret.Record{}, err
	}
	rec := secret.Record{
		Choice:     uint8(choice),
		Salt:       salt[:],
		Nonce:      nonce,
		Commitment: hash,
		CreatedAt:  c.now().Unix(),
	}
	return hash, rec, nil
}

// CreateMatchParams are the caller-facing creation inputs.
type CreateMatchParams struct {
	BetAmount uint64
	Choice    match.Choice
	TokenMint *string

	JoinWindow   time.Duration
	RevealWindow time.Duration // measured from creation, must exceed JoinWindow
	FeeBps       uint32
}

// CreateMatch commits the creator's choice, escrows the stake and opens the
// match. The returned match id is derived before submission, so the secret
// record is persisted first.
func (c *Client) CreateMatch(ctx context.Context, p CreateMatchParams) (string, error) {
	now := c.now().Unix()
	joinDeadline := now + int64(p.JoinWindow/time.Second)
	revealDeadline := now + int64(p.RevealWindow/time.Second)

	hash, rec, err := c.newCommitment(p.Choice)
	if err != nil {
		return "", fmt.Errorf("create match: %w", err)
	}

	params := match.CreateParams{
		ID:             "pending",
		Creator:        c.key.Address,
		BetAmount:      p.BetAmount,
		TokenMint:      p.TokenMint,
		Commitment:     hash,
		JoinDeadline:   joinDeadline,
		RevealDeadline: revealDeadline,
		FeeBps:         p.FeeBps,
	}
	if _, err := match.Create(params, now); err != nil {
		return "", err
	}

	opNonce := uuid.NewString()
	matchID := codec.MatchAddress(c.key.Address, opNonce)
	unlock := c.lockMatch(matchID)
	defer unlock()

	rec.MatchID = matchID
	if err := c.secrets.Save(rec); err != nil {
		return "", fmt.Errorf("create match: %w", err)
	}

	env, err := codec.NewSignedEnvelope(codec.TypeCreateMatch, codec.CreateMatchOp{
		Creator:        c.key.Address,
		BetAmount:      p.BetAmount,
		TokenMint:      p.TokenMint,
		Commitment:     hash,
		JoinDeadline:   joinDeadline,
		RevealDeadline: revealDeadline,
		FeeBps:         p.FeeBps,
	}, opNonce, c.key.priv)
	if err != nil {
		return "", fmt.Errorf("create match: %w", err)
	}

	res, err := c.submit(ctx, env)
	if err != nil {
		return "", err
	}
	if res.MatchID != "" && res.MatchID != matchID {
		return "", match.Rejected("create_match", fmt.Errorf("ledger derived %s, client derived %s", res.MatchID, matchID))
	}
	c.log.Info("match created", "matchId", matchID, "bet", p.BetAmount)
	return matchID, nil
}

// JoinMatch takes the opponent seat with a committed choice. The secret is
// persisted before the join is submitted.
func (c *Client) JoinMatch(ctx context.Context, matchID string, choice match.Choice) error {
	unlock := c.lockMatch(matchID)
	defer unlock()

	m, err := c.freshMatch(ctx, matchID)
	if err != nil {
		return err
	}

	hash, rec, err := c.newCommitment(choice)
	if err != nil {
		return fmt.Errorf("join %s: %w", matchID, err)
	}

	// Evaluate the full join guard on a scratch copy so the caller gets the
	// precise precondition violation without any submission.
	if err := match.ApplyJoin(m.Clone(), c.key.Address, hash, c.now().Unix()); err != nil {
		return err
	}

	rec.MatchID = matchID
	if err := c.secrets.Save(rec); err != nil {
		return fmt.Errorf("join %s: %w", matchID, err)
	}

	env, err := codec.NewSignedEnvelope(codec.TypeJoinMatch, codec.JoinMatchOp{
		MatchID:    matchID,
		Player:     c.key.Address,
		Commitment: hash,
	}, uuid.NewString(), c.key.priv)
	if err != nil {
		return fmt.Errorf("join %s: %w", matchID, err)
	}
	if _, err := c.submit(ctx, env); err != nil {
		return err
	}
	c.log.Info("match joined", "matchId", matchID)
	return nil
}

// RevealChoice proves the committed choice from the local secret record.
// A missing record is fatal for this reveal window. A record that fails
// verification against the on-ledger commitment indicates a local bug or
// tampering and is never submitted.
func (c *Client) RevealChoice(ctx context.Context, matchID string) error {
	unlock := c.lockMatch(matchID)
	defer unlock()

	rec, err := c.secrets.Load(matchID)
	if err != nil {
		if errors.Is(err, secret.ErrNotFound) {
			return fmt.Errorf("reveal %s: %w", matchID, match.ErrSecretUnavailable)
		}
		return fmt.Errorf("reveal %s: %w", matchID, err)
	}
	salt, err := rec.SaltArray()
	if err != nil {
		return fmt.Errorf("reveal %s: %w", matchID, err)
	}

	m, err := c.freshMatch(ctx, matchID)
	if err != nil {
		return err
	}
	seat, ok := m.SeatOf(c.key.Address)
	if !ok {
		return match.ErrNotParticipant
	}
	stored := m.CommitmentFor(seat)
	if !commitment.Verify(stored, rec.Choice, salt, c.key.Pub, rec.Nonce) {
		c.log.Error("local secret does not reproduce the on-ledger commitment",
			"matchId", matchID, "seat", seat)
		return fmt.Errorf("reveal %s: %w", matchID, match.ErrCommitmentMismatch)
	}

	choice, err := match.ParseChoice(rec.Choice)
	if err != nil {
		return fmt.Errorf("reveal %s: %w", matchID, err)
	}
	if err := match.ApplyReveal(m.Clone(), c.key.Address, c.key.Pub, choice, salt, rec.Nonce, c.now().Unix()); err != nil {
		return err
	}

	env, err := codec.NewSignedEnvelope(codec.TypeReveal, codec.RevealOp{
		MatchID: matchID,
		Player:  c.key.Address,
		Choice:  rec.Choice,
		Salt:    rec.Salt,
		Nonce:   rec.Nonce,
	}, uuid.NewString(), c.key.priv)
	if err != nil {
		return fmt.Errorf("reveal %s: %w", matchID, err)
	}
	if _, err := c.submit(ctx, env); err != nil {
		return err
	}

	c.awaitOwnReveal(ctx, matchID, seat)
	c.log.Info("choice revealed", "matchId", matchID)
	return nil
}

// awaitOwnReveal blocks until the client observes its own reveal on the
// ledger, so a local reveal-then-settle sequence is ordered. Bounded; an
// observation lag beyond the bound is left to the poll loop.
func (c *Client) awaitOwnReveal(ctx context.Context, matchID string, seat match.Seat) {
	for i := 0; i < revealObserveMax; i++ {
		c.fetcher.Invalidate(matchID)
		m, err := c.fetcher.Match(ctx, matchID)
		if err == nil && m.RevealedFor(seat) != nil {
			return
		}
		select {
		case <-time.After(revealObserveTick):
		case <-ctx.Done():
			return
		}
	}
	c.log.Warn("own reveal not yet observed", "matchId", matchID)
}

// SettleMatch finalizes a match with both reveals present. Settling an
// already-settled match is a no-op success; the local secret is deleted once
// a settled state is confirmed.
func (c *Client) SettleMatch(ctx context.Context, matchID string) error {
	unlock := c.lockMatch(matchID)
	defer unlock()

	m, err := c.freshMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Status == match.StatusSettled {
		c.cleanupSecret(matchID)
		return nil
	}
	if _, err := match.ApplySettle(m.Clone()); err != nil {
		return err
	}

	env, err := codec.NewSignedEnvelope(codec.TypeSettle, codec.SettleOp{
		MatchID: matchID,
		Caller:  c.key.Address,
	}, uuid.NewString(), c.key.priv)
	if err != nil {
		return fmt.Errorf("settle %s: %w", matchID, err)
	}
	if _, err := c.submit(ctx, env); err != nil {
		return err
	}
	c.cleanupSecret(matchID)
	c.log.Info("match settled", "matchId", matchID)
	return nil
}

// CancelMatch withdraws an unjoined match and refunds the stake.
func (c *Client) CancelMatch(ctx context.Context, matchID string) error {
	unlock := c.lockMatch(matchID)
	defer unlock()

	m, err := c.freshMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if err := match.ApplyCancel(m.Clone(), c.key.Address); err != nil {
		return err
	}

	env, err := codec.NewSignedEnvelope(codec.TypeCancelMatch, codec.CancelMatchOp{
		MatchID: matchID,
		Creator: c.key.Address,
	}, uuid.NewString(), c.key.priv)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", matchID, err)
	}
	if _, err := c.submit(ctx, env); err != nil {
		return err
	}
	c.cleanupSecret(matchID)
	c.log.Info("match cancelled", "matchId", matchID)
	return nil
}

// ClaimTimeout claims the pot (or refund) after a deadline elapsed without
// the counterpart acting.
func (c *Client) ClaimTimeout(ctx context.Context, matchID string) error {
	unlock := c.lockMatch(matchID)
	defer unlock()

	m, err := c.freshMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if _, ok := m.SeatOf(c.key.Address); !ok {
		return match.ErrNotParticipant
	}
	if _, err := match.ApplyTimeout(m.Clone(), c.now().Unix()); err != nil {
		return err
	}

	env, err := codec.NewSignedEnvelope(codec.TypeClaimTimeout, codec.ClaimTimeoutOp{
		MatchID: matchID,
		Claimer: c.key.Address,
	}, uuid.NewString(), c.key.priv)
	if err != nil {
		return fmt.Errorf("claim timeout %s: %w", matchID, err)
	}
	if _, err := c.submit(ctx, env); err != nil {
		return err
	}
	c.cleanupSecret(matchID)
	c.log.Info("timeout claimed", "matchId", matchID)
	return nil
}

// freshMatch bypasses the cache for decision-grade reads.
func (c *Client) freshMatch(ctx context.Context, matchID string) (*match.Match, error) {
	c.fetcher.Invalidate(matchID)
	return c.fetcher.Match(ctx, matchID)
}

// cleanupSecret bounds storage growth after terminal states. Best effort:
// an orphaned record is harmless, a premature delete is not.
func (c *Client) cleanupSecret(matchID string) {
	if err := c.secrets.Delete(matchID); err != nil {
		c.log.Warn("secret cleanup failed", "matchId", matchID, "err", err)
	}
}

// Watch starts (or returns) the background watcher for a match. With
// auto-settle enabled the watcher submits a settle whenever it observes
// readyToSettle.
func (c *Client) Watch(ctx context.Context, matchID string) *ledgersync.Watcher {
	c.mu.Lock()
	if w, ok := c.watchers[matchID]; ok {
		c.mu.Unlock()
		return w
	}
	w := ledgersync.NewWatcher(c.fetcher, matchID,
		ledgersync.WithPollInterval(c.pollInterval),
		ledgersync.WithLogger(c.log),
	)
	c.watchers[matchID] = w
	c.mu.Unlock()

	w.Start(ctx)
	if c.autoSettle {
		go func() {
			for m := range w.Changes() {
				if match.CanSettle(m) {
					if err := c.SettleMatch(ctx, matchID); err != nil && match.KindOf(err) != match.KindPrecondition {
						c.log.Warn("auto settle failed", "matchId", matchID, "err", err)
					}
				}
			}
		}()
	}
	return w
}

// Unwatch stops and forgets the watcher for a match.
func (c *Client) Unwatch(matchID string) {
	c.mu.Lock()
	w, ok := c.watchers[matchID]
	delete(c.watchers, matchID)
	c.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// Close stops all watchers. The secret store and backend belong to the
// caller and are not closed here.
func (c *Client) Close() {
	c.mu.Lock()
	ws := make([]*ledgersync.Watcher, 0, len(c.watchers))
	for id, w := range c.watchers {
		ws = append(ws, w)
		delete(c.watchers, id)
	}
	c.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}

// Balance reads this identity's ledger balance.
func (c *Client) Balance(ctx context.Context) (uint64, error) {
	return c.backend.Balance(ctx, c.key.Address)
}
