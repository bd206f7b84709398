// Package node is the ABCI application hosting the match ledger on a
// CometBFT chain. It enforces the same guards as the in-memory backend by
// dispatching through the shared match transition functions; the two can only
// disagree if one of them stops calling the shared code.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/Simlowker/RPC-game-sub000/internal/codec"
	"github.com/Simlowker/RPC-game-sub000/internal/commitment"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

const AppVersion uint64 = 1

// typeBankMint is the devnet faucet op. The envelope must still authenticate
// its signer; the mint itself is unrestricted on purpose, localnet only.
const typeBankMint = "bank/mint"

type bankMintOp struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// App is the RPS ledger application.
type App struct {
	*abci.BaseApplication

	home         string
	feeCollector string

	mu       sync.Mutex
	st       *State
	lastHash []byte
}

// Option configures the application.
type Option func(*App)

// WithFeeCollector overrides the settlement fee destination account.
func WithFeeCollector(addr string) Option {
	return func(a *App) { a.feeCollector = addr }
}

func New(home string, opts ...Option) (*App, error) {
	appHome := filepath.Join(home, "app")
	st, err := Load(appHome)
	if err != nil {
		return nil, err
	}
	a := &App{
		BaseApplication: abci.NewBaseApplication(),
		home:            home,
		feeCollector:    "FEECOLLECTOR",
		st:              st,
		lastHash:        st.AppHash(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *App) Info(_ context.Context, _ *abci.InfoRequest) (*abci.InfoResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return &abci.InfoResponse{
		Data:             "rps ledger",
		Version:          "v1",
		AppVersion:       AppVersion,
		LastBlockHeight:  a.st.Height,
		LastBlockAppHash: a.lastHash,
	}, nil
}

// CheckTx admits only well-formed, authenticated envelopes to the mempool.
// Guard evaluation waits for block time; deadlines cannot be checked here.
func (a *App) CheckTx(_ context.Context, req *abci.CheckTxRequest) (*abci.CheckTxResponse, error) {
	env, err := codec.DecodeEnvelope(req.Tx)
	if err != nil {
		return &abci.CheckTxResponse{Code: 1, Log: err.Error()}, nil
	}
	if err := env.Verify(); err != nil {
		return &abci.CheckTxResponse{Code: 1, Log: err.Error()}, nil
	}
	return &abci.CheckTxResponse{Code: 0}, nil
}

func (a *App) InitChain(_ context.Context, _ *abci.InitChainRequest) (*abci.InitChainResponse, error) {
	return &abci.InitChainResponse{}, nil
}

func (a *App) FinalizeBlock(_ context.Context, req *abci.FinalizeBlockRequest) (*abci.FinalizeBlockResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.st.Height = req.Height
	now := req.Time.Unix()

	txResults := make([]*abci.ExecTxResult, 0, len(req.Txs))
	for _, txBytes := range req.Txs {
		txResults = append(txResults, a.deliverTx(txBytes, now))
	}

	a.lastHash = a.st.AppHash()
	return &abci.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   a.lastHash,
	}, nil
}

func (a *App) Commit(_ context.Context, _ *abci.CommitRequest) (*abci.CommitResponse, error) {
	appHome := filepath.Join(a.home, "app")
	if err := a.st.Save(appHome); err != nil {
		// A node that cannot persist must halt loudly, not drift.
		return nil, err
	}
	return &abci.CommitResponse{}, nil
}

// Query paths:
//   - /match/<id>
//   - /matches
//   - /account/<addr>
func (a *App) Query(_ context.Context, req *abci.QueryRequest) (*abci.QueryResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := strings.TrimSpace(req.Path)
	switch {
	case path == "/matches":
		all := make([]*match.Match, 0, len(a.st.Matches))
		for _, m := range a.st.Matches {
			all = append(all, m)
		}
		b, _ := json.Marshal(all)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil

	case strings.HasPrefix(path, "/match/"):
		id := strings.TrimPrefix(path, "/match/")
		m, ok := a.st.Matches[id]
		if !ok {
			return &abci.QueryResponse{Code: 1, Log: "match not found", Height: a.st.Height}, nil
		}
		b, _ := json.Marshal(m)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil

	case strings.HasPrefix(path, "/account/"):
		addr := strings.TrimPrefix(path, "/account/")
		b, _ := json.Marshal(map[string]any{"addr": addr, "balance": a.st.Balance(addr)})
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil

	default:
		return &abci.QueryResponse{Code: 1, Log: "unknown query path", Height: a.st.Height}, nil
	}
}

func reject(log string) *abci.ExecTxResult {
	return &abci.ExecTxResult{Code: 1, Log: log}
}

func rejectErr(op string, err error) *abci.ExecTxResult {
	return reject(op + ": " + err.Error())
}

// okEvent builds the success result with the indexed rps.matchId attribute
// clients subscribe on.
func okEvent(op, matchID string) *abci.ExecTxResult {
	return &abci.ExecTxResult{
		Code: 0,
		Events: []abci.Event{{
			Type: "rps",
			Attributes: []abci.EventAttribute{
				{Key: "matchId", Value: matchID, Index: true},
				{Key: "op", Value: op, Index: true},
			},
		}},
	}
}

func (a *App) deliverTx(txBytes []byte, now int64) *abci.ExecTxResult {
	env, err := codec.DecodeEnvelope(txBytes)
	if err != nil {
		return rejectErr("decode", err)
	}
	if err := env.Verify(); err != nil {
		return rejectErr("auth", err)
	}
	if a.st.NonceSeen(env.Signer, env.Nonce) {
		return reject(fmt.Sprintf("replayed op nonce %q for signer %s", env.Nonce, env.Signer))
	}
	res := a.applyOp(env, now)
	if res.Code == 0 {
		a.st.MarkNonce(env.Signer, env.Nonce)
	}
	return res
}

func (a *App) applyOp(env codec.Envelope, now int64) *abci.ExecTxResult {
	switch env.Type {
	case typeBankMint:
		var msg bankMintOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return reject("bad bank/mint value")
		}
		if msg.To == "" || msg.Amount == 0 {
			return reject("missing to/amount")
		}
		if err := a.st.Credit(msg.To, msg.Amount); err != nil {
			return rejectErr("bank/mint", err)
		}
		return &abci.ExecTxResult{Code: 0}

	case codec.TypeCreateMatch:
		var msg codec.CreateMatchOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return reject("bad create_match value")
		}
		if msg.Creator != env.Signer {
			return reject("create_match: creator is not the signer")
		}
		id := codec.MatchAddress(msg.Creator, env.Nonce)
		if _, exists := a.st.Matches[id]; exists {
			return reject("create_match: match already exists")
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
		}, now)
		if err != nil {
			return rejectErr("create_match", err)
		}
		if err := a.st.Debit(msg.Creator, msg.BetAmount); err != nil {
			return rejectErr("create_match", err)
		}
		a.st.Matches[id] = m
		a.st.Vaults[id] = msg.BetAmount
		return okEvent("create_match", id)

	case codec.TypeJoinMatch:
		var msg codec.JoinMatchOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return reject("bad join_match value")
		}
		if msg.Player != env.Signer {
			return reject("join_match: player is not the signer")
		}
		m, ok := a.st.Matches[msg.MatchID]
		if !ok {
			return reject("match not found")
		}
		if a.st.Balance(msg.Player) < m.BetAmount {
			return reject("join_match: insufficient funds")
		}
		held := a.st.Vaults[m.ID]
		if held > ^uint64(0)-m.BetAmount {
			return reject("join_match: vault overflow")
		}
		if err := match.ApplyJoin(m, msg.Player, msg.Commitment, now); err != nil {
			return rejectErr("join_match", err)
		}
		if err := a.st.Debit(msg.Player, m.BetAmount); err != nil {
			return rejectErr("join_match", err)
		}
		a.st.Vaults[m.ID] = held + m.BetAmount
		return okEvent("join_match", m.ID)

	case codec.TypeReveal:
		var msg codec.RevealOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return reject("bad reveal value")
		}
		if msg.Player != env.Signer {
			return reject("reveal: player is not the signer")
		}
		m, ok := a.st.Matches[msg.MatchID]
		if !ok {
			return reject("match not found")
		}
		choice, err := match.ParseChoice(msg.Choice)
		if err != nil {
			return rejectErr("reveal", err)
		}
		if len(msg.Salt) != commitment.SaltSize {
			return reject("reveal: bad salt length")
		}
		var salt [commitment.SaltSize]byte
		copy(salt[:], msg.Salt)
		if err := match.ApplyReveal(m, msg.Player, env.PubKey, choice, salt, msg.Nonce, now); err != nil {
			return rejectErr("reveal", err)
		}
		return okEvent("reveal", m.ID)

	case codec.TypeSettle:
		var msg codec.SettleOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return reject("bad settle value")
		}
		m, ok := a.st.Matches[msg.MatchID]
		if !ok {
			return reject("match not found")
		}
		result, resolveErr := match.ResolveOutcome(m)
		already, err := match.ApplySettle(m)
		if err != nil {
			return rejectErr("settle", err)
		}
		if already {
			return okEvent("settle", m.ID)
		}
		if resolveErr != nil {
			return rejectErr("settle", resolveErr)
		}
		if err := a.payOut(m, result); err != nil {
			return rejectErr("settle", err)
		}
		return okEvent("settle", m.ID)

	case codec.TypeCancelMatch:
		var msg codec.CancelMatchOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return reject("bad cancel_match value")
		}
		if msg.Creator != env.Signer {
			return reject("cancel_match: creator is not the signer")
		}
		m, ok := a.st.Matches[msg.MatchID]
		if !ok {
			return reject("match not found")
		}
		if err := match.ApplyCancel(m, msg.Creator); err != nil {
			return rejectErr("cancel_match", err)
		}
		if err := a.drainVault(m.ID, m.Creator, a.st.Vaults[m.ID]); err != nil {
			return rejectErr("cancel_match", err)
		}
		return okEvent("cancel_match", m.ID)

	case codec.TypeClaimTimeout:
		var msg codec.ClaimTimeoutOp
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return reject("bad claim_timeout value")
		}
		if msg.Claimer != env.Signer {
			return reject("claim_timeout: claimer is not the signer")
		}
		m, ok := a.st.Matches[msg.MatchID]
		if !ok {
			return reject("match not found")
		}
		if _, seated := m.SeatOf(msg.Claimer); !seated {
			return reject("claim_timeout: not a participant")
		}
		beneficiary, single := match.TimeoutBeneficiary(m)
		if _, err := match.ApplyTimeout(m, now); err != nil {
			return rejectErr("claim_timeout", err)
		}
		if single {
			if err := a.drainVault(m.ID, beneficiary, a.st.Vaults[m.ID]); err != nil {
				return rejectErr("claim_timeout", err)
			}
		} else {
			if err := a.drainVault(m.ID, m.Creator, m.BetAmount); err != nil {
				return rejectErr("claim_timeout", err)
			}
			if m.Opponent != nil {
				if err := a.drainVault(m.ID, *m.Opponent, m.BetAmount); err != nil {
					return rejectErr("claim_timeout", err)
				}
			}
		}
		return okEvent("claim_timeout", m.ID)

	default:
		return reject("unknown op type: " + env.Type)
	}
}

func (a *App) payOut(m *match.Match, result match.GameResult) error {
	if result == match.Tie {
		if err := a.drainVault(m.ID, m.Creator, m.BetAmount); err != nil {
			return err
		}
		return a.drainVault(m.ID, *m.Opponent, m.BetAmount)
	}
	payout, err := match.CalculatePayout(m.BetAmount, m.FeeBps)
	if err != nil {
		return err
	}
	winner := m.Creator
	if result == match.OpponentWins {
		winner = *m.Opponent
	}
	if err := a.drainVault(m.ID, winner, payout.WinnerAmount); err != nil {
		return err
	}
	return a.drainVault(m.ID, a.feeCollector, payout.FeeAmount)
}

func (a *App) drainVault(matchID, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	held := a.st.Vaults[matchID]
	if held < amount {
		return fmt.Errorf("vault underflow for %s: have=%d need=%d", matchID, held, amount)
	}
	a.st.Vaults[matchID] = held - amount
	return a.st.Credit(to, amount)
}
