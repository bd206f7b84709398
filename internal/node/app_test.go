package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/Simlowker/RPC-game-sub000/internal/codec"
	"github.com/Simlowker/RPC-game-sub000/internal/commitment"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

type ident struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	addr string

	choice match.Choice
	salt   [commitment.SaltSize]byte
	nonce  uint64
	com    commitment.Hash
}

func newIdent(t *testing.T, choice match.Choice) *ident {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	salt, err := commitment.GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt: %v", err)
	}
	nonce, err := commitment.GenerateNonce()
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	com, err := commitment.Commit(uint8(choice), salt, pub, nonce)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return &ident{
		priv: priv, pub: pub, addr: codec.AddressFromPubKey(pub),
		choice: choice, salt: salt, nonce: nonce, com: com,
	}
}

type chainHarness struct {
	t      *testing.T
	app    *App
	height int64
	now    time.Time
	nonce  int
}

func newChain(t *testing.T) *chainHarness {
	t.Helper()
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &chainHarness{t: t, app: a, now: time.Unix(1_000_000, 0)}
}

func (h *chainHarness) signedTx(who *ident, typ string, value any) []byte {
	h.t.Helper()
	h.nonce++
	env, err := codec.NewSignedEnvelope(typ, value, fmt.Sprintf("n-%d", h.nonce), who.priv)
	if err != nil {
		h.t.Fatalf("sign %s: %v", typ, err)
	}
	b, err := env.Encode()
	if err != nil {
		h.t.Fatalf("encode %s: %v", typ, err)
	}
	return b
}

// block finalizes one block with the given txs at the harness clock and
// returns the per-tx results.
func (h *chainHarness) block(txs ...[]byte) []*abci.ExecTxResult {
	h.t.Helper()
	h.height++
	resp, err := h.app.FinalizeBlock(context.Background(), &abci.FinalizeBlockRequest{
		Height: h.height,
		Time:   h.now,
		Txs:    txs,
	})
	if err != nil {
		h.t.Fatalf("FinalizeBlock: %v", err)
	}
	if _, err := h.app.Commit(context.Background(), &abci.CommitRequest{}); err != nil {
		h.t.Fatalf("Commit: %v", err)
	}
	return resp.TxResults
}

func (h *chainHarness) mustBlock(txs ...[]byte) {
	h.t.Helper()
	for i, res := range h.block(txs...) {
		if res.Code != 0 {
			h.t.Fatalf("tx %d rejected: %s", i, res.Log)
		}
	}
}

func (h *chainHarness) mint(who *ident, amount uint64) {
	h.t.Helper()
	h.mustBlock(h.signedTx(who, typeBankMint, bankMintOp{To: who.addr, Amount: amount}))
}

func (h *chainHarness) createMatch(creator *ident, bet uint64, feeBps uint32) string {
	h.t.Helper()
	now := h.now.Unix()
	h.nonce++
	opNonce := fmt.Sprintf("n-%d", h.nonce)
	env, err := codec.NewSignedEnvelope(codec.TypeCreateMatch, codec.CreateMatchOp{
		Creator:        creator.addr,
		BetAmount:      bet,
		Commitment:     creator.com,
		JoinDeadline:   now + 600,
		RevealDeadline: now + 1200,
		FeeBps:         feeBps,
	}, opNonce, creator.priv)
	if err != nil {
		h.t.Fatalf("sign create: %v", err)
	}
	b, err := env.Encode()
	if err != nil {
		h.t.Fatalf("encode create: %v", err)
	}
	h.mustBlock(b)
	return codec.MatchAddress(creator.addr, opNonce)
}

func (h *chainHarness) queryMatch(id string) *match.Match {
	h.t.Helper()
	resp, err := h.app.Query(context.Background(), &abci.QueryRequest{Path: "/match/" + id})
	if err != nil {
		h.t.Fatalf("Query: %v", err)
	}
	if resp.Code != 0 {
		h.t.Fatalf("query /match/%s: %s", id, resp.Log)
	}
	var m match.Match
	if err := json.Unmarshal(resp.Value, &m); err != nil {
		h.t.Fatalf("decode match: %v", err)
	}
	return &m
}

func (h *chainHarness) queryBalance(addr string) uint64 {
	h.t.Helper()
	resp, err := h.app.Query(context.Background(), &abci.QueryRequest{Path: "/account/" + addr})
	if err != nil {
		h.t.Fatalf("Query: %v", err)
	}
	var out struct {
		Balance uint64 `json:"balance"`
	}
	if err := json.Unmarshal(resp.Value, &out); err != nil {
		h.t.Fatalf("decode balance: %v", err)
	}
	return out.Balance
}

func TestApp_FullMatchOverBlocks(t *testing.T) {
	h := newChain(t)
	alice := newIdent(t, match.Rock)
	bob := newIdent(t, match.Paper)
	h.mint(alice, 1000)
	h.mint(bob, 1000)

	id := h.createMatch(alice, 100, 100)
	if got := h.queryMatch(id).Status; got != match.StatusWaitingForOpponent {
		t.Fatalf("after create: %s", got)
	}

	h.mustBlock(h.signedTx(bob, codec.TypeJoinMatch, codec.JoinMatchOp{
		MatchID: id, Player: bob.addr, Commitment: bob.com,
	}))
	h.mustBlock(
		h.signedTx(alice, codec.TypeReveal, codec.RevealOp{
			MatchID: id, Player: alice.addr, Choice: uint8(alice.choice),
			Salt: alice.salt[:], Nonce: alice.nonce,
		}),
		h.signedTx(bob, codec.TypeReveal, codec.RevealOp{
			MatchID: id, Player: bob.addr, Choice: uint8(bob.choice),
			Salt: bob.salt[:], Nonce: bob.nonce,
		}),
	)
	if got := h.queryMatch(id).Status; got != match.StatusReadyToSettle {
		t.Fatalf("after reveals: %s", got)
	}

	h.mustBlock(h.signedTx(bob, codec.TypeSettle, codec.SettleOp{MatchID: id, Caller: bob.addr}))

	// Paper beats rock: pot 200, fee 2 at 100 bps, winner 198.
	if got := h.queryBalance(bob.addr); got != 1098 {
		t.Fatalf("winner balance: %d, want 1098", got)
	}
	if got := h.queryBalance(alice.addr); got != 900 {
		t.Fatalf("loser balance: %d, want 900", got)
	}
	if got := h.queryBalance("FEECOLLECTOR"); got != 2 {
		t.Fatalf("fee collector: %d, want 2", got)
	}
}

func TestApp_EmitsMatchEvents(t *testing.T) {
	h := newChain(t)
	alice := newIdent(t, match.Rock)
	h.mint(alice, 1000)

	now := h.now.Unix()
	h.nonce++
	opNonce := fmt.Sprintf("n-%d", h.nonce)
	env, err := codec.NewSignedEnvelope(codec.TypeCreateMatch, codec.CreateMatchOp{
		Creator: alice.addr, BetAmount: 100, Commitment: alice.com,
		JoinDeadline: now + 600, RevealDeadline: now + 1200,
	}, opNonce, alice.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b, _ := env.Encode()

	results := h.block(b)
	if results[0].Code != 0 {
		t.Fatalf("create rejected: %s", results[0].Log)
	}
	wantID := codec.MatchAddress(alice.addr, opNonce)
	var found bool
	for _, ev := range results[0].Events {
		if ev.Type != "rps" {
			continue
		}
		for _, attr := range ev.Attributes {
			if attr.Key == "matchId" && attr.Value == wantID && attr.Index {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("no indexed rps.matchId event for %s", wantID)
	}
}

func TestApp_ReplayRejectedAcrossBlocks(t *testing.T) {
	h := newChain(t)
	alice := newIdent(t, match.Rock)
	h.mint(alice, 1000)

	tx := h.signedTx(alice, typeBankMint, bankMintOp{To: alice.addr, Amount: 5})
	h.mustBlock(tx)
	res := h.block(tx)
	if res[0].Code == 0 {
		t.Fatalf("replayed tx accepted in a later block")
	}
	if got := h.queryBalance(alice.addr); got != 1005 {
		t.Fatalf("replay moved funds: %d", got)
	}
}

func TestApp_RejectedTxDoesNotMutate(t *testing.T) {
	h := newChain(t)
	alice := newIdent(t, match.Rock)
	mallory := newIdent(t, match.Paper)
	h.mint(alice, 1000)
	h.mint(mallory, 1000)

	id := h.createMatch(alice, 100, 100)

	// Dishonest reveal after an honest join.
	h.mustBlock(h.signedTx(mallory, codec.TypeJoinMatch, codec.JoinMatchOp{
		MatchID: id, Player: mallory.addr, Commitment: mallory.com,
	}))
	res := h.block(h.signedTx(mallory, codec.TypeReveal, codec.RevealOp{
		MatchID: id, Player: mallory.addr, Choice: uint8(match.Scissors),
		Salt: mallory.salt[:], Nonce: mallory.nonce,
	}))
	if res[0].Code == 0 {
		t.Fatalf("dishonest reveal accepted")
	}
	m := h.queryMatch(id)
	if m.RevealedOpponent != nil {
		t.Fatalf("rejected reveal recorded a choice")
	}
}

func TestApp_DeadlinesUseBlockTime(t *testing.T) {
	h := newChain(t)
	alice := newIdent(t, match.Rock)
	bob := newIdent(t, match.Paper)
	h.mint(alice, 1000)
	h.mint(bob, 1000)

	id := h.createMatch(alice, 100, 100)

	// A join in a block past the deadline bounces.
	h.now = h.now.Add(601 * time.Second)
	res := h.block(h.signedTx(bob, codec.TypeJoinMatch, codec.JoinMatchOp{
		MatchID: id, Player: bob.addr, Commitment: bob.com,
	}))
	if res[0].Code == 0 {
		t.Fatalf("late join accepted")
	}

	// The creator reclaims their stake.
	h.mustBlock(h.signedTx(alice, codec.TypeClaimTimeout, codec.ClaimTimeoutOp{
		MatchID: id, Claimer: alice.addr,
	}))
	if got := h.queryBalance(alice.addr); got != 1000 {
		t.Fatalf("creator balance after timeout: %d, want 1000", got)
	}
}

func TestApp_StateSurvivesRestart(t *testing.T) {
	home := t.TempDir()
	a, err := New(home)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &chainHarness{t: t, app: a, now: time.Unix(1_000_000, 0)}
	alice := newIdent(t, match.Rock)
	h.mint(alice, 1000)
	id := h.createMatch(alice, 100, 100)
	wantHash := h.app.lastHash

	reopened, err := New(home)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	h2 := &chainHarness{t: t, app: reopened, now: h.now, height: h.height}
	if got := h2.queryBalance(alice.addr); got != 900 {
		t.Fatalf("balance after restart: %d", got)
	}
	if got := h2.queryMatch(id).Status; got != match.StatusWaitingForOpponent {
		t.Fatalf("match lost across restart: %s", got)
	}
	if string(reopened.lastHash) != string(wantHash) {
		t.Fatalf("app hash changed across restart")
	}
}

func TestApp_CheckTxRequiresAuth(t *testing.T) {
	h := newChain(t)
	alice := newIdent(t, match.Rock)

	tx := h.signedTx(alice, typeBankMint, bankMintOp{To: alice.addr, Amount: 5})
	resp, err := h.app.CheckTx(context.Background(), &abci.CheckTxRequest{Tx: tx})
	if err != nil || resp.Code != 0 {
		t.Fatalf("valid tx rejected: %v %s", err, resp.Log)
	}

	// Corrupt one signature byte.
	var env codec.Envelope
	if err := json.Unmarshal(tx, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	env.Sig[0] ^= 1
	bad, _ := json.Marshal(env)
	resp, err = h.app.CheckTx(context.Background(), &abci.CheckTxRequest{Tx: bad})
	if err != nil || resp.Code == 0 {
		t.Fatalf("tampered tx admitted to the mempool")
	}

	resp, err = h.app.CheckTx(context.Background(), &abci.CheckTxRequest{Tx: []byte("{not json")})
	if err != nil || resp.Code == 0 {
		t.Fatalf("garbage admitted to the mempool")
	}
}

func TestApp_QueryUnknownPaths(t *testing.T) {
	h := newChain(t)
	resp, err := h.app.Query(context.Background(), &abci.QueryRequest{Path: "/match/NOPE"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Code == 0 || resp.Log != "match not found" {
		t.Fatalf("missing match: code=%d log=%q", resp.Code, resp.Log)
	}
	resp, err = h.app.Query(context.Background(), &abci.QueryRequest{Path: "/bogus"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Code == 0 {
		t.Fatalf("unknown path accepted")
	}
}
