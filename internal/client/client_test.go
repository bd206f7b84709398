package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simlowker/RPC-game-sub000/internal/codec"
	"github.com/Simlowker/RPC-game-sub000/internal/ledger"
	"github.com/Simlowker/RPC-game-sub000/internal/ledger/memledger"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
	"github.com/Simlowker/RPC-game-sub000/internal/secret"
)

// countingBackend wraps a backend and counts submissions per op type, so
// tests can assert an operation never left the client.
type countingBackend struct {
	ledger.Backend

	mu      sync.Mutex
	submits map[string]int
}

func newCountingBackend(inner ledger.Backend) *countingBackend {
	return &countingBackend{Backend: inner, submits: map[string]int{}}
}

func (b *countingBackend) Submit(ctx context.Context, env codec.Envelope) (ledger.SubmitResult, error) {
	b.mu.Lock()
	b.submits[env.Type]++
	b.mu.Unlock()
	return b.Backend.Submit(ctx, env)
}

func (b *countingBackend) count(typ string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits[typ]
}

type fixture struct {
	ledger  *memledger.Ledger
	backend *countingBackend
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_000_000, 0)}
	l := memledger.New(memledger.WithClock(clock.Now))
	return &fixture{ledger: l, backend: newCountingBackend(l), clock: clock}
}

func (f *fixture) newClient(t *testing.T, funds uint64, opts ...Option) *Client {
	t.Helper()
	key, err := GenerateKeypair()
	require.NoError(t, err)
	secrets, err := secret.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = secrets.Close() })

	f.ledger.Faucet(key.Address, funds)
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	c := New(key, f.backend, secrets, opts...)
	t.Cleanup(c.Close)
	return c
}

func defaultParams(choice match.Choice) CreateMatchParams {
	return CreateMatchParams{
		BetAmount:    100,
		Choice:       choice,
		JoinWindow:   10 * time.Minute,
		RevealWindow: 20 * time.Minute,
		FeeBps:       100,
	}
}

func TestFullMatch_TwoClients(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	bob := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Rock))
	require.NoError(t, err)
	require.NotEmpty(t, matchID)

	require.NoError(t, bob.JoinMatch(ctx, matchID, match.Paper))
	require.NoError(t, alice.RevealChoice(ctx, matchID))
	require.NoError(t, bob.RevealChoice(ctx, matchID))
	require.NoError(t, bob.SettleMatch(ctx, matchID))

	// Paper beats rock: pot 200, fee 2, winner 198.
	aliceBal, err := alice.Balance(ctx)
	require.NoError(t, err)
	bobBal, err := bob.Balance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 900, aliceBal)
	assert.EqualValues(t, 1098, bobBal)

	m, err := f.ledger.FetchMatch(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, match.StatusSettled, m.Status)

	// Settling again is a harmless no-op for either party.
	require.NoError(t, alice.SettleMatch(ctx, matchID))
	aliceBalAfter, err := alice.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, aliceBal, aliceBalAfter)
}

func TestCreateMatch_PersistsSecretBeforeSubmission(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Scissors))
	require.NoError(t, err)

	rec, err := alice.secrets.Load(matchID)
	require.NoError(t, err)
	assert.EqualValues(t, match.Scissors, rec.Choice)
	assert.Equal(t, matchID, rec.MatchID)

	// The ledger derived the same id the client did.
	_, err = f.ledger.FetchMatch(ctx, matchID)
	require.NoError(t, err)
}

func TestCreateMatch_LocalGuardStopsBadParams(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	ctx := context.Background()

	p := defaultParams(match.Rock)
	p.BetAmount = 0
	_, err := alice.CreateMatch(ctx, p)
	require.ErrorIs(t, err, match.ErrZeroBet)

	p = defaultParams(match.Rock)
	p.FeeBps = match.MaxFeeBps + 1
	_, err = alice.CreateMatch(ctx, p)
	require.ErrorIs(t, err, match.ErrFeeTooHigh)

	assert.Zero(t, f.backend.count(codec.TypeCreateMatch), "guard failures must not submit")
}

func TestJoinMatch_SelfJoinNeverSubmits(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Rock))
	require.NoError(t, err)

	err = alice.JoinMatch(ctx, matchID, match.Paper)
	require.ErrorIs(t, err, match.ErrSelfJoin)
	assert.Zero(t, f.backend.count(codec.TypeJoinMatch))

	// No secret record lingers for the refused join... the creator's own
	// create-time record must survive though.
	rec, err := alice.secrets.Load(matchID)
	require.NoError(t, err)
	assert.EqualValues(t, match.Rock, rec.Choice)
}

func TestRevealChoice_MissingSecretIsFatal(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	bob := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Rock))
	require.NoError(t, err)
	require.NoError(t, bob.JoinMatch(ctx, matchID, match.Paper))

	// Simulate local data loss between commit and reveal.
	require.NoError(t, alice.secrets.Delete(matchID))

	err = alice.RevealChoice(ctx, matchID)
	require.ErrorIs(t, err, match.ErrSecretUnavailable)
	assert.Equal(t, match.KindSecretUnavailable, match.KindOf(err))
	assert.Zero(t, f.backend.count(codec.TypeReveal), "a reveal without a secret must never be submitted")
}

func TestRevealChoice_TamperedSecretNeverSubmitted(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	bob := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Rock))
	require.NoError(t, err)
	require.NoError(t, bob.JoinMatch(ctx, matchID, match.Paper))

	// Corrupt the stored choice so it no longer reproduces the commitment.
	rec, err := alice.secrets.Load(matchID)
	require.NoError(t, err)
	rec.Choice = uint8(match.Scissors)
	require.NoError(t, alice.secrets.Save(*rec))

	err = alice.RevealChoice(ctx, matchID)
	require.ErrorIs(t, err, match.ErrCommitmentMismatch)
	assert.Zero(t, f.backend.count(codec.TypeReveal))

	// The honest counterparty is unaffected.
	require.NoError(t, bob.RevealChoice(ctx, matchID))
}

func TestSettleMatch_DeletesSecretAfterTerminal(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	bob := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Rock))
	require.NoError(t, err)
	require.NoError(t, bob.JoinMatch(ctx, matchID, match.Paper))
	require.NoError(t, alice.RevealChoice(ctx, matchID))
	require.NoError(t, bob.RevealChoice(ctx, matchID))
	require.NoError(t, alice.SettleMatch(ctx, matchID))

	_, err = alice.secrets.Load(matchID)
	assert.ErrorIs(t, err, secret.ErrNotFound)
}

func TestCancelMatch_RefundsAndCleansUp(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Rock))
	require.NoError(t, err)

	require.NoError(t, alice.CancelMatch(ctx, matchID))
	bal, err := alice.Balance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, bal)

	_, err = alice.secrets.Load(matchID)
	assert.ErrorIs(t, err, secret.ErrNotFound)
}

func TestClaimTimeout_RevealDefault(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	bob := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Rock))
	require.NoError(t, err)
	require.NoError(t, bob.JoinMatch(ctx, matchID, match.Paper))
	require.NoError(t, alice.RevealChoice(ctx, matchID))

	// Too early for either party.
	err = alice.ClaimTimeout(ctx, matchID)
	require.ErrorIs(t, err, match.ErrTimeoutNotDue)

	f.clock.Advance(21 * time.Minute)
	require.NoError(t, alice.ClaimTimeout(ctx, matchID))

	// Sole revealer takes the whole pot, no fee.
	bal, err := alice.Balance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1100, bal)
}

func TestWatch_AutoSettles(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000, WithAutoSettle(true), WithPollInterval(20*time.Millisecond))
	bob := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Rock))
	require.NoError(t, err)
	alice.Watch(ctx, matchID)

	require.NoError(t, bob.JoinMatch(ctx, matchID, match.Scissors))
	require.NoError(t, bob.RevealChoice(ctx, matchID))
	require.NoError(t, alice.RevealChoice(ctx, matchID))

	// The watcher observes readyToSettle and settles on its own.
	require.Eventually(t, func() bool {
		m, err := f.ledger.FetchMatch(ctx, matchID)
		return err == nil && m.Status == match.StatusSettled
	}, 5*time.Second, 10*time.Millisecond)

	// Rock beats scissors: alice takes 198 of the 200 pot.
	bal, err := alice.Balance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1098, bal)
}

func TestDisplayableMatches_FlagsAndTimeLeft(t *testing.T) {
	f := newFixture(t)
	alice := f.newClient(t, 1000)
	bob := f.newClient(t, 1000)
	ctx := context.Background()

	matchID, err := alice.CreateMatch(ctx, defaultParams(match.Rock))
	require.NoError(t, err)

	// Bob sees the open match as joinable with the join window remaining.
	out, err := bob.DisplayableMatches(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, matchID, out[0].ID)
	assert.True(t, out[0].CanJoin)
	assert.False(t, out[0].CanReveal)
	assert.Equal(t, 10*time.Minute, out[0].TimeLeft)

	require.NoError(t, bob.JoinMatch(ctx, matchID, match.Paper))

	// Both parties now see a revealable match, listed once each.
	out, err = alice.DisplayableMatches(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].CanJoin)
	assert.True(t, out[0].CanReveal)

	// After the reveal deadline the match is only timeout-claimable.
	f.clock.Advance(21 * time.Minute)
	out, err = alice.DisplayableMatches(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].CanReveal)
	assert.True(t, out[0].CanClaimTimeout)
	assert.Zero(t, out[0].TimeLeft)
}

func TestLoadOrCreateKeypair_StableAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreateKeypair(dir)
	require.NoError(t, err)
	b, err := LoadOrCreateKeypair(dir)
	require.NoError(t, err)
	assert.Equal(t, a.Address, b.Address)
	assert.Equal(t, a.Pub, b.Pub)

	c, err := LoadOrCreateKeypair(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, a.Address, c.Address)
}
