// Package memledger is the in-memory ledger backend. It enforces the same
// guards, escrow and payout rules the real chain program does, so clients and
// tests exercise the full protocol without a network. It is an alternate
// backend behind the ledger.Backend interface, not a parallel protocol.
package memledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Simlowker/RPC-game-sub000/internal/codec"
	"github.com/Simlowker/RPC-game-sub000/internal/commitment"
	"github.com/Simlowker/RPC-game-sub000/internal/ledger"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

// DefaultFeeCollector receives settlement fees unless overridden.
const DefaultFeeCollector = "FEECOLLECTOR"

// Ledger is a guard-enforcing in-memory ledger. Safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	now          func() time.Time
	feeCollector string

	accounts map[string]uint64
	matches  map[string]*match.Match
	vaults   map[string]uint64 // escrowed pot per match id

	seenNonces map[string]map[string]struct{} // signer -> accepted op nonces

	subs    map[string]map[int]chan struct{}
	nextSub int
}

// Option configures the ledger.
type Option func(*Ledger)

// WithClock injects the time source, for deadline tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithFeeCollector overrides the fee destination account.
func WithFeeCollector(addr string) Option {
	return func(l *Ledger) { l.feeCollector = addr }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:          time.Now,
		feeCollector: DefaultFeeCollector,
		accounts:     map[string]uint64{},
		matches:      map[string]*match.Match{},
		vaults:       map[string]uint64{},
		seenNonces:   map[string]map[string]struct{}{},
		subs:         map[string]map[int]chan struct{}{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Faucet credits an account. Mock-mode convenience, analogous to a devnet
// mint; the RPC backend has no equivalent.
func (l *Ledger) Faucet(addr string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] += amount
}

func (l *Ledger) credit(addr string, amount uint64) error {
	bal := l.accounts[addr]
	next, err := addUint64Checked(bal, amount, "balance")
	if err != nil {
		return err
	}
	l.accounts[addr] = next
	return nil
}

func (l *Ledger) debit(addr string, amount uint64) error {
	bal := l.accounts[addr]
	if bal < amount {
		return fmt.Errorf("insufficient funds: have=%d need=%d", bal, amount)
	}
	l.accounts[addr] = bal - amount
	return nil
}

// Submit executes a signed operation synchronously. A nil error means the
// operation was applied and is observable on the next fetch.
func (l *Ledger) Submit(_ context.Context, env codec.Envelope) (ledger.SubmitResult, error) {
	if err := env.Verify(); err != nil {
		return ledger.SubmitResult{}, match.Rejected("submit: op auth", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := l.seenNonces[env.Signer]
	if seen == nil {
		seen = map[string]struct{}{}
		l.seenNonces[env.Signer] = seen
	}
	if _, dup := seen[env.Nonce]; dup {
		return ledger.SubmitResult{}, match.Rejected("submit", fmt.Errorf("replayed op nonce %q for signer %s", env.Nonce, env.Signer))
	}

	res, err := l.apply(env)
	if err != nil {
		return ledger.SubmitResult{}, err
	}
	seen[env.Nonce] = struct{}{}
	res.TxID = txID(env)
	return res, nil
}

func txID(env codec.Envelope) string {
	b, _ := json.Marshal(env)
	sum := sha256.Sum256(b)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (l *Ledger) apply(env codec.Envelope) (ledger.SubmitResult, error) {
	nowUnix := l.now().Unix()

	switch env.Type {
	case codec.TypeCreateMatch:
		var msg codec.CreateMatchOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return ledger.SubmitResult{}, match.Rejected("create_match", fmt.Errorf("bad value: %w", err))
		}
		if msg.Creator != env.Signer {
			return ledger.SubmitResult{}, match.Rejected("create_match", fmt.Errorf("creator %q is not the signer", msg.Creator))
		}
		id := codec.MatchAddress(msg.Creator, env.Nonce)
		if _, exists := l.matches[id]; exists {
			return ledger.SubmitResult{}, match.Rejected("create_match", fmt.Errorf("match %s already exists", id))
		}
		m, err := match.Create(match.CreateParams{
			ID:             id,
			Creator:        msg.Creator,
			BetAmount:      msg.BetAmount,
			TokenMint:      msg.TokenMint,
			Commitment:     msg.Commitment,
			JoinDeadline:   msg.JoinDeadline,
			RevealDeadline: msg.RevealDeadline,
			FeeBps:         msg.FeeBps,
		}, nowUnix)
		if err != nil {
			return ledger.SubmitResult{}, match.Rejected("create_match", err)
		}
		if err := l.debit(msg.Creator, msg.BetAmount); err != nil {
			return ledger.SubmitResult{}, match.Rejected("create_match", err)
		}
		l.matches[id] = m
		l.vaults[id] = msg.BetAmount
		l.notify(id)
		return ledger.SubmitResult{MatchID: id}, nil

	case codec.TypeJoinMatch:
		var msg codec.JoinMatchOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return ledger.SubmitResult{}, match.Rejected("join_match", fmt.Errorf("bad value: %w", err))
		}
		if msg.Player != env.Signer {
			return ledger.SubmitResult{}, match.Rejected("join_match", fmt.Errorf("player %q is not the signer", msg.Player))
		}
		m, err := l.lookup(msg.MatchID)
		if err != nil {
			return ledger.SubmitResult{}, err
		}
		if l.accounts[msg.Player] < m.BetAmount {
			return ledger.SubmitResult{}, match.Rejected("join_match", fmt.Errorf("insufficient funds: have=%d need=%d", l.accounts[msg.Player], m.BetAmount))
		}
		if err := match.ApplyJoin(m, msg.Player, msg.Commitment, nowUnix); err != nil {
			return ledger.SubmitResult{}, match.Rejected("join_match", err)
		}
		if err := l.debit(msg.Player, m.BetAmount); err != nil {
			return ledger.SubmitResult{}, match.Rejected("join_match", err)
		}
		next, err := addUint64Checked(l.vaults[m.ID], m.BetAmount, "match vault")
		if err != nil {
			return ledger.SubmitResult{}, match.Rejected("join_match", err)
		}
		l.vaults[m.ID] = next
		l.notify(m.ID)
		return ledger.SubmitResult{MatchID: m.ID}, nil

	case codec.TypeReveal:
		var msg codec.RevealOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return ledger.SubmitResult{}, match.Rejected("reveal", fmt.Errorf("bad value: %w", err))
		}
		if msg.Player != env.Signer {
			return ledger.SubmitResult{}, match.Rejected("reveal", fmt.Errorf("player %q is not the signer", msg.Player))
		}
		m, err := l.lookup(msg.MatchID)
		if err != nil {
			return ledger.SubmitResult{}, err
		}
		choice, err := match.ParseChoice(msg.Choice)
		if err != nil {
			return ledger.SubmitResult{}, match.Rejected("reveal", err)
		}
		if len(msg.Salt) != commitment.SaltSize {
			return ledger.SubmitResult{}, match.Rejected("reveal", fmt.Errorf("salt must be %d bytes, got %d", commitment.SaltSize, len(msg.Salt)))
		}
		var salt [commitment.SaltSize]byte
		copy(salt[:], msg.Salt)
		if err := match.ApplyReveal(m, msg.Player, env.PubKey, choice, salt, msg.Nonce, nowUnix); err != nil {
			return ledger.SubmitResult{}, match.Rejected("reveal", err)
		}
		l.notify(m.ID)
		return ledger.SubmitResult{MatchID: m.ID}, nil

	case codec.TypeSettle:
		var msg codec.SettleOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return ledger.SubmitResult{}, match.Rejected("settle", fmt.Errorf("bad value: %w", err))
		}
		m, err := l.lookup(msg.MatchID)
		if err != nil {
			return ledger.SubmitResult{}, err
		}
		result, resolveErr := match.ResolveOutcome(m)
		already, err := match.ApplySettle(m)
		if err != nil {
			return ledger.SubmitResult{}, match.Rejected("settle", err)
		}
		if already {
			// Duplicate settlement attempt: same observable outcome, no
			// second payout.
			return ledger.SubmitResult{MatchID: m.ID}, nil
		}
		if resolveErr != nil {
			return ledger.SubmitResult{}, match.Rejected("settle", resolveErr)
		}
		if err := l.payOut(m, result); err != nil {
			return ledger.SubmitResult{}, match.Rejected("settle", err)
		}
		l.notify(m.ID)
		return ledger.SubmitResult{MatchID: m.ID}, nil

	case codec.TypeCancelMatch:
		var msg codec.CancelMatchOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return ledger.SubmitResult{}, match.Rejected("cancel_match", fmt.Errorf("bad value: %w", err))
		}
		if msg.Creator != env.Signer {
			return ledger.SubmitResult{}, match.Rejected("cancel_match", fmt.Errorf("creator %q is not the signer", msg.Creator))
		}
		m, err := l.lookup(msg.MatchID)
		if err != nil {
			return ledger.SubmitResult{}, err
		}
		if err := match.ApplyCancel(m, msg.Creator); err != nil {
			return ledger.SubmitResult{}, match.Rejected("cancel_match", err)
		}
		if err := l.drainVault(m.ID, m.Creator, l.vaults[m.ID]); err != nil {
			return ledger.SubmitResult{}, match.Rejected("cancel_match", err)
		}
		l.notify(m.ID)
		return ledger.SubmitResult{MatchID: m.ID}, nil

	case codec.TypeClaimTimeout:
		var msg codec.ClaimTimeoutOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return ledger.SubmitResult{}, match.Rejected("claim_timeout", fmt.Errorf("bad value: %w", err))
		}
		if msg.Claimer != env.Signer {
			return ledger.SubmitResult{}, match.Rejected("claim_timeout", fmt.Errorf("claimer %q is not the signer", msg.Claimer))
		}
		m, err := l.lookup(msg.MatchID)
		if err != nil {
			return ledger.SubmitResult{}, err
		}
		if _, ok := m.SeatOf(msg.Claimer); !ok {
			return ledger.SubmitResult{}, match.Rejected("claim_timeout", match.ErrNotParticipant)
		}
		beneficiary, single := match.TimeoutBeneficiary(m)
		if _, err := match.ApplyTimeout(m, nowUnix); err != nil {
			return ledger.SubmitResult{}, match.Rejected("claim_timeout", err)
		}
		if single {
			if err := l.drainVault(m.ID, beneficiary, l.vaults[m.ID]); err != nil {
				return ledger.SubmitResult{}, match.Rejected("claim_timeout", err)
			}
		} else {
			// Neither seat revealed: both stakes come back, no fee.
			if err := l.drainVault(m.ID, m.Creator, m.BetAmount); err != nil {
				return ledger.SubmitResult{}, match.Rejected("claim_timeout", err)
			}
			if m.Opponent != nil {
				if err := l.drainVault(m.ID, *m.Opponent, m.BetAmount); err != nil {
					return ledger.SubmitResult{}, match.Rejected("claim_timeout", err)
				}
			}
		}
		l.notify(m.ID)
		return ledger.SubmitResult{MatchID: m.ID}, nil

	default:
		return ledger.SubmitResult{}, match.Rejected("submit", fmt.Errorf("unknown op type %q", env.Type))
	}
}

func (l *Ledger) lookup(matchID string) (*match.Match, error) {
	m, ok := l.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", matchID, ledger.ErrNotFound)
	}
	return m, nil
}

// payOut distributes the escrowed pot after a decisive or tied settlement.
func (l *Ledger) payOut(m *match.Match, result match.GameResult) error {
	if result == match.Tie {
		// Each party's own stake returns unchanged; no fee on ties.
		if err := l.drainVault(m.ID, m.Creator, m.BetAmount); err != nil {
			return err
		}
		return l.drainVault(m.ID, *m.Opponent, m.BetAmount)
	}

	payout, err := match.CalculatePayout(m.BetAmount, m.FeeBps)
	if err != nil {
		return err
	}
	winner := m.Creator
	if result == match.OpponentWins {
		winner = *m.Opponent
	}
	if err := l.drainVault(m.ID, winner, payout.WinnerAmount); err != nil {
		return err
	}
	return l.drainVault(m.ID, l.feeCollector, payout.FeeAmount)
}

// drainVault moves amount from the match escrow to an account.
func (l *Ledger) drainVault(matchID, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	held := l.vaults[matchID]
	if held < amount {
		return fmt.Errorf("vault underflow for %s: have=%d need=%d", matchID, held, amount)
	}
	l.vaults[matchID] = held - amount
	return l.credit(to, amount)
}

// FetchMatch returns a deep copy of the match account.
func (l *Ledger) FetchMatch(_ context.Context, matchID string) (*match.Match, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", matchID, ledger.ErrNotFound)
	}
	return m.Clone(), nil
}

// ListMatches returns copies of accounts selected by f, ordered by creation
// time then id for deterministic output.
func (l *Ledger) ListMatches(_ context.Context, f ledger.Filter) ([]*match.Match, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*match.Match, 0, len(l.matches))
	for _, m := range l.matches {
		if f.Party != "" {
			if _, ok := m.SeatOf(f.Party); !ok {
				continue
			}
		}
		if f.OpenOnly {
			if m.Status != match.StatusWaitingForOpponent || f.Now >= m.JoinDeadline {
				continue
			}
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Balance returns an account's native balance.
func (l *Ledger) Balance(_ context.Context, addr string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[addr], nil
}

// VaultBalance exposes the escrow held for a match; used by invariant tests.
func (l *Ledger) VaultBalance(matchID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vaults[matchID]
}

// Subscribe registers a change-notification channel for one match.
func (l *Ledger) Subscribe(_ context.Context, matchID string) (<-chan struct{}, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan struct{}, 1)
	id := l.nextSub
	l.nextSub++
	if l.subs[matchID] == nil {
		l.subs[matchID] = map[int]chan struct{}{}
	}
	l.subs[matchID][id] = ch

	unsubscribe := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[matchID], id)
	}
	return ch, unsubscribe, nil
}

// notify signals subscribers without blocking; a full buffer already implies
// a pending wakeup.
func (l *Ledger) notify(matchID string) {
	for _, ch := range l.subs[matchID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func addUint64Checked(a uint64, b uint64, field string) (uint64, error) {
	if a > ^uint64(0)-b {
		return 0, fmt.Errorf("%s overflows uint64", field)
	}
	return a + b, nil
}
